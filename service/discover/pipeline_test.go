package discover

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/persist"
)

func testPipeline(settings persist.TenantSettings) *Pipeline {
	return NewPipeline("tenant-test", func() persist.TenantSettings { return settings }, NewScorer(nil), metric.NewNoopMetricReporter())
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()

	t.Run("finds a three-party loop", func(t *testing.T) {
		s := persist.DefaultTenantSettings()
		v := buildView(t, s, ring(3))

		res := testPipeline(s).Discover(ctx, v, nil)
		assert.Equal(t, persist.RunCompleted, res.Status)
		assert.Equal(t, 1, res.SCCCount)
		require.Len(t, res.Cycles, 1)

		cycle := res.Cycles[0]
		assert.Len(t, cycle.Steps, 3)
		assert.NotEmpty(t, cycle.CanonicalID)
		assert.Equal(t, v.Generation(), cycle.Generation)
		assert.GreaterOrEqual(t, cycle.Score, s.MinScore)
	})

	t.Run("acyclic graph yields nothing", func(t *testing.T) {
		s := persist.DefaultTenantSettings()
		v := buildView(t, s, []edge{
			{"a", "n1", "b"},
			{"b", "n2", "c"},
		})
		res := testPipeline(s).Discover(ctx, v, nil)
		assert.Equal(t, persist.RunCompleted, res.Status)
		assert.Empty(t, res.Cycles)
	})

	t.Run("two runs over one snapshot agree exactly", func(t *testing.T) {
		s := persist.DefaultTenantSettings()
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
		p := testPipeline(s)

		res1 := p.Discover(ctx, v, nil)
		res2 := p.Discover(ctx, v, nil)

		require.Equal(t, len(res1.Cycles), len(res2.Cycles))
		for i := range res1.Cycles {
			assert.Equal(t, res1.Cycles[i].CanonicalID, res2.Cycles[i].CanonicalID)
			assert.Equal(t, res1.Cycles[i].Steps, res2.Cycles[i].Steps)
		}
	})

	t.Run("root filtering skips unrelated components", func(t *testing.T) {
		s := persist.DefaultTenantSettings()
		edges := append(ring(3),
			edge{"x", "nx", "y"},
			edge{"y", "ny", "x"},
		)
		v := buildView(t, s, edges)

		res := testPipeline(s).Discover(ctx, v, []persist.WalletID{"x"})
		require.Len(t, res.Cycles, 1)
		assert.ElementsMatch(t, []persist.WalletID{"x", "y"}, res.Cycles[0].Wallets())
	})

	t.Run("per-run cap yields a partial result", func(t *testing.T) {
		s := persist.DefaultTenantSettings()
		s.MaxLoopsPerRequest = 3
		s.EnableParallel = false
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

		res := testPipeline(s).Discover(ctx, v, nil)
		assert.Equal(t, persist.RunPartialCap, res.Status)
		assert.True(t, res.Status.Partial())
		assert.Len(t, res.Cycles, 3)
	})

	t.Run("min score filter drops weak loops", func(t *testing.T) {
		s := persist.DefaultTenantSettings()
		s.MinScore = 0.999
		v := buildView(t, s, ring(3))

		res := testPipeline(s).Discover(ctx, v, nil)
		assert.Equal(t, persist.RunCompleted, res.Status)
		assert.Empty(t, res.Cycles)
	})

	t.Run("cancelled context reports cancellation", func(t *testing.T) {
		s := persist.DefaultTenantSettings()
		v := buildView(t, s, ring(3))

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		res := testPipeline(s).Discover(cctx, v, nil)
		assert.Equal(t, persist.RunCancelled, res.Status)
	})

	t.Run("parallel runs with a binding cap are deterministic", func(t *testing.T) {
		// Partition a dense SCC into several units and enumerate them on
		// competing workers with a cap that cuts the result short. The
		// sequential finalize pass must pick the same cycles every run
		// regardless of worker scheduling.
		s := persist.DefaultTenantSettings()
		s.EnableLouvain = true
		s.LouvainThreshold = 3
		s.EnableParallel = true
		s.ParallelSCCWorkers = 4
		s.MaxLoopsPerRequest = 5
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
		p := testPipeline(s)

		first := p.Discover(ctx, v, nil)
		assert.Equal(t, persist.RunPartialCap, first.Status)
		require.Len(t, first.Cycles, 5)

		for run := 0; run < 4; run++ {
			res := p.Discover(ctx, v, nil)
			require.Len(t, res.Cycles, len(first.Cycles))
			for i := range res.Cycles {
				assert.Equal(t, first.Cycles[i].CanonicalID, res.Cycles[i].CanonicalID)
			}
		}
	})

	t.Run("duplicates across partitions collapse", func(t *testing.T) {
		// Force community partitioning on a single dense SCC; the boundary
		// unit re-enumerates cycles the community units already found and
		// the deduper must drop them.
		s := persist.DefaultTenantSettings()
		s.EnableLouvain = true
		s.LouvainThreshold = 3
		s.EnableParallel = false
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

		res := testPipeline(s).Discover(ctx, v, nil)
		ids := map[string]bool{}
		for _, c := range res.Cycles {
			assert.False(t, ids[c.CanonicalID], "canonical id %s appears twice", c.CanonicalID)
			ids[c.CanonicalID] = true
		}
	})
}
