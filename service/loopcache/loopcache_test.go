package loopcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/notify"
	"github.com/swapslab/tradeloop/service/persist"
)

func testCache(t *testing.T, mutate func(*persist.TenantSettings)) (*Cache, *notify.Stream) {
	t.Helper()
	settings := persist.DefaultTenantSettings()
	if mutate != nil {
		mutate(&settings)
	}
	stream := notify.NewStream("tenant-test", 64)
	return New("tenant-test", func() persist.TenantSettings { return settings }, stream), stream
}

func cycleFixture(id string, hops ...[3]string) persist.TradeCycle {
	steps := make([]persist.CycleStep, len(hops))
	for i, h := range hops {
		steps[i] = persist.CycleStep{
			From: persist.WalletID(h[0]),
			To:   persist.WalletID(h[1]),
			NFTs: []persist.NFTID{persist.NFTID(h[2])},
			Kind: persist.EdgeKindDirect,
		}
	}
	return persist.TradeCycle{
		CanonicalID:  id,
		Steps:        steps,
		Participants: len(steps),
		Score:        0.8,
		Generation:   1,
	}
}

func threeLoop(id string) persist.TradeCycle {
	return cycleFixture(id,
		[3]string{"a", "b", "na"},
		[3]string{"b", "c", "nb"},
		[3]string{"c", "a", "nc"},
	)
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		c, _ := testCache(t, nil)
		assert.True(t, c.Put(ctx, threeLoop("id-1")))

		loop, ok := c.Get("id-1")
		require.True(t, ok)
		assert.Equal(t, persist.LoopValid, loop.State)
		assert.Equal(t, 1, c.Count())
	})

	t.Run("re-put refreshes instead of duplicating", func(t *testing.T) {
		c, _ := testCache(t, nil)
		require.True(t, c.Put(ctx, threeLoop("id-1")))
		assert.False(t, c.Put(ctx, threeLoop("id-1")))
		assert.Equal(t, 1, c.Count())
	})

	t.Run("discovery publishes an event", func(t *testing.T) {
		c, stream := testCache(t, nil)
		_, events := stream.Subscribe()

		c.Put(ctx, threeLoop("id-1"))
		select {
		case ev := <-events:
			assert.Equal(t, notify.LoopDiscovered, ev.Kind)
			assert.Equal(t, "id-1", ev.CanonicalID)
			require.NotNil(t, ev.Cycle)
		default:
			t.Fatal("expected a loop_discovered event")
		}
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()
	c, _ := testCache(t, nil)
	for i := 0; i < 5; i++ {
		c.Put(ctx, threeLoop(fmt.Sprintf("id-%d", i)))
	}
	c.Put(ctx, cycleFixture("id-x", [3]string{"x", "y", "nx"}, [3]string{"y", "x", "ny"}))

	t.Run("pages in canonical order", func(t *testing.T) {
		page1, cursor := c.List(Filter{}, 3, "")
		require.Len(t, page1, 3)
		assert.NotEmpty(t, cursor)

		page2, cursor2 := c.List(Filter{}, 3, cursor)
		require.Len(t, page2, 3)
		assert.Empty(t, cursor2)
		assert.Less(t, page1[2].CanonicalID, page2[0].CanonicalID)
	})

	t.Run("wallet filter", func(t *testing.T) {
		loops, _ := c.List(Filter{Wallet: "x"}, 10, "")
		require.Len(t, loops, 1)
		assert.Equal(t, "id-x", loops[0].CanonicalID)
	})

	t.Run("nft filter", func(t *testing.T) {
		loops, _ := c.List(Filter{NFT: "nx"}, 10, "")
		require.Len(t, loops, 1)
	})

	t.Run("no matches", func(t *testing.T) {
		loops, cursor := c.List(Filter{Wallet: "nobody"}, 10, "")
		assert.Empty(t, loops)
		assert.Empty(t, cursor)
	})
}

func TestInvalidation(t *testing.T) {
	ctx := context.Background()

	freshView := func(t *testing.T, withEdges bool) *graph.View {
		t.Helper()
		settings := persist.DefaultTenantSettings()
		s := graph.NewStore("tenant-test", func() persist.TenantSettings { return settings }, metric.NewNoopMetricReporter())
		if withEdges {
			for _, fix := range [][2]string{{"a", "na"}, {"b", "nb"}, {"c", "nc"}} {
				_, err := s.PutNFT(ctx, persist.WalletID(fix[0]), persist.NFT{ID: persist.NFTID(fix[1])})
				require.NoError(t, err)
			}
			for _, w := range [][2]string{{"b", "na"}, {"c", "nb"}, {"a", "nc"}} {
				_, err := s.AddWant(ctx, persist.WalletID(w[0]), persist.NFTID(w[1]))
				require.NoError(t, err)
			}
		}
		return s.View()
	}

	t.Run("transfer marks matching loops stale and revalidation drops them", func(t *testing.T) {
		c, stream := testCache(t, nil)
		_, events := stream.Subscribe()
		c.Put(ctx, threeLoop("id-1"))
		<-events // discovery event

		stale := c.MarkStale(ctx, persist.MutationRecord{Kind: persist.MutationTransferred, NFT: "na"})
		assert.Equal(t, []string{"id-1"}, stale)
		_, ok := c.Get("id-1")
		assert.False(t, ok, "stale loops are not served")

		c.Revalidate(ctx, freshView(t, false))
		assert.Equal(t, 0, c.Count())

		select {
		case ev := <-events:
			assert.Equal(t, notify.LoopInvalidated, ev.Kind)
		default:
			t.Fatal("expected a loop_invalidated event")
		}
	})

	t.Run("revalidation restores loops whose steps still hold", func(t *testing.T) {
		c, _ := testCache(t, nil)
		c.Put(ctx, threeLoop("id-1"))

		c.MarkStale(ctx, persist.MutationRecord{Kind: persist.MutationTransferred, NFT: "na"})
		c.Revalidate(ctx, freshView(t, true))

		loop, ok := c.Get("id-1")
		require.True(t, ok)
		assert.Equal(t, persist.LoopValid, loop.State)
	})

	t.Run("want removal only touches the wanter's loops", func(t *testing.T) {
		c, _ := testCache(t, nil)
		c.Put(ctx, threeLoop("id-1"))

		stale := c.MarkStale(ctx, persist.MutationRecord{Kind: persist.MutationWantRemoved, NFT: "na", Wallet: "z"})
		assert.Empty(t, stale, "wallet z is not in the loop")

		stale = c.MarkStale(ctx, persist.MutationRecord{Kind: persist.MutationWantRemoved, NFT: "na", Wallet: "a"})
		assert.Equal(t, []string{"id-1"}, stale)
	})

	t.Run("additive mutations do not invalidate", func(t *testing.T) {
		c, _ := testCache(t, nil)
		c.Put(ctx, threeLoop("id-1"))

		stale := c.MarkStale(ctx, persist.MutationRecord{Kind: persist.MutationWantAdded, NFT: "na", Wallet: "a"})
		assert.Empty(t, stale)
		_, ok := c.Get("id-1")
		assert.True(t, ok)
	})
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	c, stream := testCache(t, func(s *persist.TenantSettings) { s.LoopTTLSeconds = 1 })
	_, events := stream.Subscribe()

	c.Put(ctx, threeLoop("id-1"))
	<-events

	assert.Zero(t, c.SweepExpired(ctx), "fresh loops survive the sweep")

	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, 1, c.SweepExpired(ctx))
	assert.Zero(t, c.Count())

	select {
	case ev := <-events:
		assert.Equal(t, notify.LoopInvalidated, ev.Kind)
		assert.Equal(t, "expired", ev.Reason)
	default:
		t.Fatal("expected an expiry event")
	}

	// Idempotent.
	assert.Zero(t, c.SweepExpired(ctx))
}
