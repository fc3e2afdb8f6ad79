package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapslab/tradeloop/service/discover"
	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/loopcache"
	"github.com/swapslab/tradeloop/service/memstore"
	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/notify"
	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/service/throttle"
)

type stubResolver struct {
	members []persist.NFTID
	err     error
	calls   int
}

func (r *stubResolver) Members(ctx context.Context, k persist.CollectionID) ([]persist.NFTID, error) {
	r.calls++
	return r.members, r.err
}

type fixture struct {
	store *graph.Store
	cache *loopcache.Cache
	sched *Scheduler
}

func newFixture(t *testing.T, mutate func(*persist.TenantSettings), resolver CollectionResolver) *fixture {
	t.Helper()
	s := persist.DefaultTenantSettings()
	if mutate != nil {
		mutate(&s)
	}
	settings := func() persist.TenantSettings { return s }

	const tenant = persist.TenantID("tenant-test")
	reporter := metric.NewNoopMetricReporter()
	store := graph.NewStore(tenant, settings, reporter)
	stream := notify.NewStream(tenant, 64)
	cache := loopcache.New(tenant, settings, stream)
	pipeline := discover.NewPipeline(tenant, settings, discover.NewScorer(nil), reporter)
	locker := throttle.NewLocker(memstore.NewInMemoryCache(), time.Minute)

	sched := New(tenant, settings, store, pipeline, cache, locker, resolver)
	sched.Start()
	t.Cleanup(sched.Stop)
	return &fixture{store: store, cache: cache, sched: sched}
}

// seedRing wires wallets a, b, c into a three-party cycle and returns the
// mutation records from the final want that completes it.
func seedRing(t *testing.T, store *graph.Store) []persist.MutationRecord {
	t.Helper()
	ctx := context.Background()

	owners := [][2]string{{"a", "na"}, {"b", "nb"}, {"c", "nc"}}
	for _, o := range owners {
		_, err := store.PutNFT(ctx, persist.WalletID(o[0]), persist.NFT{ID: persist.NFTID(o[1])})
		require.NoError(t, err)
	}

	var last *persist.MutationRecord
	wants := [][2]string{{"b", "na"}, {"c", "nb"}, {"a", "nc"}}
	for _, w := range wants {
		rec, err := store.AddWant(ctx, persist.WalletID(w[0]), persist.NFTID(w[1]))
		require.NoError(t, err)
		last = rec
	}
	require.NotNil(t, last)
	return []persist.MutationRecord{*last}
}

func awaitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("discovery outcome never arrived")
		return Outcome{}
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("incremental discovery fills the cache", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		recs := seedRing(t, f.store)

		ch, err := f.sched.Submit(ctx, recs...)
		require.NoError(t, err)

		out := awaitOutcome(t, ch)
		require.NoError(t, out.Err)
		assert.Equal(t, persist.RunCompleted, out.Result.Status)
		require.Len(t, out.Result.Cycles, 1)
		assert.Equal(t, 1, f.cache.Count())

		loop, ok := f.cache.Get(out.Result.Cycles[0].CanonicalID)
		require.True(t, ok)
		assert.Equal(t, persist.LoopValid, loop.State)
	})

	t.Run("empty submit is rejected", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		_, err := f.sched.Submit(ctx)
		var invalid persist.ErrInvalidArgument
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("coalesced submissions share one outcome", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		recs := seedRing(t, f.store)

		ch1, err := f.sched.Submit(ctx, recs...)
		require.NoError(t, err)
		ch2, err := f.sched.Submit(ctx, recs...)
		require.NoError(t, err)

		out1 := awaitOutcome(t, ch1)
		out2 := awaitOutcome(t, ch2)
		require.NoError(t, out1.Err)
		require.NoError(t, out2.Err)
		assert.Equal(t, 1, f.cache.Count())
	})

	t.Run("transfer invalidates and rediscovery resolves it", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		recs := seedRing(t, f.store)
		out := awaitOutcome(t, mustSubmit(t, f.sched, ctx, recs...))
		require.Len(t, out.Result.Cycles, 1)
		id := out.Result.Cycles[0].CanonicalID

		// Move na out of the loop; b's pending want for it retires.
		rec, err := f.store.Transfer(ctx, "na", "b")
		require.NoError(t, err)

		out = awaitOutcome(t, mustSubmit(t, f.sched, ctx, *rec))
		require.NoError(t, out.Err)

		_, ok := f.cache.Get(id)
		assert.False(t, ok, "broken loop must not survive revalidation")
	})
}

func mustSubmit(t *testing.T, s *Scheduler, ctx context.Context, recs ...persist.MutationRecord) <-chan Outcome {
	t.Helper()
	ch, err := s.Submit(ctx, recs...)
	require.NoError(t, err)
	return ch
}

func TestTriggerFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	seedRing(t, f.store)

	ch, err := f.sched.TriggerFull(ctx)
	require.NoError(t, err)
	out := awaitOutcome(t, ch)
	require.NoError(t, out.Err)
	assert.Len(t, out.Result.Cycles, 1)
	assert.Equal(t, 1, f.cache.Count())
}

func TestResolveCollection(t *testing.T) {
	ctx := context.Background()

	t.Run("passes through a healthy resolver", func(t *testing.T) {
		resolver := &stubResolver{members: []persist.NFTID{"n1", "n2"}}
		f := newFixture(t, nil, resolver)

		members, err := f.sched.ResolveCollection(ctx, "col-1")
		require.NoError(t, err)
		assert.Equal(t, []persist.NFTID{"n1", "n2"}, members)
		assert.Equal(t, 1, resolver.calls)
	})

	t.Run("nil resolver is a hard dependency failure", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		_, err := f.sched.ResolveCollection(ctx, "col-1")
		assert.ErrorIs(t, err, persist.ErrDependencyUnavailable)
	})

	t.Run("burst beyond the rate limit is rejected", func(t *testing.T) {
		resolver := &stubResolver{members: []persist.NFTID{"n1"}}
		f := newFixture(t, func(s *persist.TenantSettings) {
			s.ExpansionRateBurst = 2
			s.ExpansionRateMS = 60_000
		}, resolver)

		for i := 0; i < 2; i++ {
			_, err := f.sched.ResolveCollection(ctx, "col-1")
			require.NoError(t, err)
		}
		_, err := f.sched.ResolveCollection(ctx, "col-1")
		assert.ErrorIs(t, err, persist.ErrRateLimited)
		assert.Equal(t, 2, resolver.calls)
	})

	t.Run("breaker opens after repeated failures", func(t *testing.T) {
		resolver := &stubResolver{err: errors.New("catalog down")}
		f := newFixture(t, func(s *persist.TenantSettings) {
			s.ExpansionRateBurst = 100
		}, resolver)

		for i := 0; i < breakerFailureThreshold; i++ {
			_, err := f.sched.ResolveCollection(ctx, "col-1")
			assert.ErrorIs(t, err, persist.ErrDependencyUnavailable)
		}
		assert.Equal(t, "open", f.sched.BreakerState())

		// Open breaker short-circuits before the resolver.
		_, err := f.sched.ResolveCollection(ctx, "col-1")
		assert.ErrorIs(t, err, persist.ErrDependencyUnavailable)
		assert.Equal(t, breakerFailureThreshold, resolver.calls)
	})
}

func TestStopFailsWaiters(t *testing.T) {
	ctx := context.Background()
	s := persist.DefaultTenantSettings()
	settings := func() persist.TenantSettings { return s }

	const tenant = persist.TenantID("tenant-test")
	reporter := metric.NewNoopMetricReporter()
	store := graph.NewStore(tenant, settings, reporter)
	cache := loopcache.New(tenant, settings, notify.NewStream(tenant, 8))
	pipeline := discover.NewPipeline(tenant, settings, discover.NewScorer(nil), reporter)
	locker := throttle.NewLocker(memstore.NewInMemoryCache(), time.Minute)

	sched := New(tenant, settings, store, pipeline, cache, locker, nil)
	sched.Start()

	ch, err := sched.TriggerFull(ctx)
	require.NoError(t, err)
	sched.Stop()

	out := awaitOutcome(t, ch)
	if out.Err != nil {
		assert.ErrorIs(t, out.Err, context.Canceled)
	}
}
