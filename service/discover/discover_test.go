package discover

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/persist"
)

// edge declares that `to` wants the NFT, and `from` owns it.
type edge struct {
	from persist.WalletID
	nft  persist.NFTID
	to   persist.WalletID
}

func buildView(t *testing.T, settings persist.TenantSettings, edges []edge) *graph.View {
	t.Helper()
	ctx := context.Background()
	s := graph.NewStore("tenant-test", func() persist.TenantSettings { return settings }, metric.NewNoopMetricReporter())
	seen := map[persist.NFTID]bool{}
	for _, e := range edges {
		if !seen[e.nft] {
			_, err := s.PutNFT(ctx, e.from, persist.NFT{ID: e.nft})
			require.NoError(t, err)
			seen[e.nft] = true
		}
		_, err := s.AddWant(ctx, e.to, e.nft)
		require.NoError(t, err)
	}
	return s.View()
}

func ring(n int) []edge {
	out := make([]edge, n)
	for i := 0; i < n; i++ {
		out[i] = edge{
			from: persist.WalletID(fmt.Sprintf("w%02d", i)),
			nft:  persist.NFTID(fmt.Sprintf("n%02d", i)),
			to:   persist.WalletID(fmt.Sprintf("w%02d", (i+1)%n)),
		}
	}
	return out
}

func TestStronglyConnected(t *testing.T) {
	s := persist.DefaultTenantSettings()
	opts := sccOptions{BatchSize: s.SCCBatchSize, Budget: s.SCCBudget()}

	t.Run("finds the ring as one component", func(t *testing.T) {
		v := buildView(t, s, append(ring(4), edge{from: "w00", nft: "n00", to: "loner"}))
		comps, partial := stronglyConnected(context.Background(), v, nil, opts)
		assert.False(t, partial)
		require.Len(t, comps, 1)
		assert.Equal(t, []persist.WalletID{"w00", "w01", "w02", "w03"}, comps[0])
	})

	t.Run("discards trivial components", func(t *testing.T) {
		// A chain has no cycles at all.
		v := buildView(t, s, []edge{
			{"a", "n1", "b"},
			{"b", "n2", "c"},
		})
		comps, _ := stronglyConnected(context.Background(), v, nil, opts)
		assert.Empty(t, comps)
	})

	t.Run("separates independent rings", func(t *testing.T) {
		edges := append(ring(3),
			edge{"x", "nx", "y"},
			edge{"y", "ny", "x"},
		)
		v := buildView(t, s, edges)
		comps, _ := stronglyConnected(context.Background(), v, nil, opts)
		require.Len(t, comps, 2)
	})

	t.Run("respects the subset restriction", func(t *testing.T) {
		edges := append(ring(3),
			edge{"x", "nx", "y"},
			edge{"y", "ny", "x"},
		)
		v := buildView(t, s, edges)
		comps, _ := stronglyConnected(context.Background(), v, []persist.WalletID{"x", "y"}, opts)
		require.Len(t, comps, 1)
		assert.Equal(t, []persist.WalletID{"x", "y"}, comps[0])
	})
}

func TestEnumerateSCC(t *testing.T) {
	s := persist.DefaultTenantSettings()

	collect := func(v *graph.View, subset []persist.WalletID, limits enumLimits) ([][]persist.WalletID, error) {
		var got [][]persist.WalletID
		err := enumerateSCC(context.Background(), v, subset, limits, func(wallets []persist.WalletID) error {
			cp := make([]persist.WalletID, len(wallets))
			copy(cp, wallets)
			got = append(got, cp)
			return nil
		})
		return got, err
	}

	limits := func(depth, maxCycles int) enumLimits {
		return enumLimits{MaxDepth: depth, Deadline: time.Now().Add(time.Minute), MaxCycles: maxCycles}
	}

	t.Run("finds the single ring cycle", func(t *testing.T) {
		v := buildView(t, s, ring(4))
		subset := []persist.WalletID{"w00", "w01", "w02", "w03"}
		got, err := collect(v, subset, limits(10, 100))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, subset, got[0])
	})

	t.Run("finds every elementary cycle of a dense pair", func(t *testing.T) {
		// a<->b plus a->b->c->a gives two elementary cycles.
		v := buildView(t, s, []edge{
			{"a", "na", "b"},
			{"b", "nb", "a"},
			{"b", "nb2", "c"},
			{"c", "nc", "a"},
		})
		got, err := collect(v, []persist.WalletID{"a", "b", "c"}, limits(10, 100))
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("depth bound prunes longer cycles without losing shorter ones", func(t *testing.T) {
		// A 5-ring plus a chord making a 2-cycle.
		edges := append(ring(5),
			edge{"w01", "chord", "w00"},
		)
		v := buildView(t, s, edges)
		subset := []persist.WalletID{"w00", "w01", "w02", "w03", "w04"}

		got, err := collect(v, subset, limits(3, 100))
		require.NoError(t, err)
		require.Len(t, got, 1, "only the 2-cycle fits the depth bound")
		assert.Len(t, got[0], 2)
	})

	t.Run("cycle cap stops enumeration", func(t *testing.T) {
		// Complete digraph on 5 vertices has many elementary cycles.
		var edges []edge
		ws := []persist.WalletID{"a", "b", "c", "d", "e"}
		for i, u := range ws {
			for j, w := range ws {
				if i != j {
					edges = append(edges, edge{u, persist.NFTID(fmt.Sprintf("n-%d-%d", i, j)), w})
				}
			}
		}
		v := buildView(t, s, edges)
		count := 0
		err := enumerateSCC(context.Background(), v, ws, limits(10, 7), func([]persist.WalletID) error {
			count++
			return nil
		})
		assert.ErrorIs(t, err, errEnumCap)
		assert.Equal(t, 7, count)
	})

	t.Run("expired deadline reports timeout", func(t *testing.T) {
		// Dense enough that the periodic budget check fires.
		var edges []edge
		ws := []persist.WalletID{"a", "b", "c", "d", "e", "f"}
		for i, u := range ws {
			for j, w := range ws {
				if i != j {
					edges = append(edges, edge{u, persist.NFTID(fmt.Sprintf("t-%d-%d", i, j)), w})
				}
			}
		}
		v := buildView(t, s, edges)
		err := enumerateSCC(context.Background(), v, ws,
			enumLimits{MaxDepth: 10, Deadline: time.Now().Add(-time.Second)},
			func([]persist.WalletID) error { return nil })
		assert.ErrorIs(t, err, errEnumTimeout)
	})
}

func TestAssignNFTs(t *testing.T) {
	s := persist.DefaultTenantSettings()

	t.Run("picks the lexicographically smallest candidate", func(t *testing.T) {
		v := buildView(t, s, []edge{
			{"a", "nz", "b"},
			{"a", "na", "b"},
			{"b", "nb", "a"},
		})
		steps, ok := assignNFTs(v, []persist.WalletID{"a", "b"})
		require.True(t, ok)
		require.Len(t, steps, 2)
		assert.Equal(t, persist.NFTID("na"), steps[0].NFT())
	})

	t.Run("rejects a hop with no edge", func(t *testing.T) {
		v := buildView(t, s, []edge{{"a", "na", "b"}})
		_, ok := assignNFTs(v, []persist.WalletID{"a", "b"})
		assert.False(t, ok)
	})
}

func TestCommunities(t *testing.T) {
	s := persist.DefaultTenantSettings()

	// Two dense triangles joined by a single bridge edge pair so the whole
	// graph is one SCC.
	var edges []edge
	tri := func(prefix string, names [3]persist.WalletID) {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				if i != j {
					edges = append(edges, edge{names[i], persist.NFTID(fmt.Sprintf("%s-%d-%d", prefix, i, j)), names[j]})
				}
			}
		}
	}
	tri("l", [3]persist.WalletID{"l0", "l1", "l2"})
	tri("r", [3]persist.WalletID{"r0", "r1", "r2"})
	edges = append(edges,
		edge{"l0", "bridge-lr", "r0"},
		edge{"r0", "bridge-rl", "l0"},
	)

	v := buildView(t, s, edges)
	scc, _ := stronglyConnected(context.Background(), v, nil, sccOptions{BatchSize: 100, Budget: time.Minute})
	require.Len(t, scc, 1)

	parts := communities(v, scc[0], 1.2)
	require.Len(t, parts, 2, "the two triangles should separate")

	boundary := boundaryVertices(v, parts, 10)
	assert.Contains(t, boundary, persist.WalletID("l0"))
	assert.Contains(t, boundary, persist.WalletID("r0"))
}
