package discover

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/logger"
	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/persist"
)

// Pipeline composes SCC decomposition, community partitioning, cycle
// enumeration, canonicalization, deduplication, and scoring into one
// deterministic path. A pipeline is per tenant and stateless across runs
// except for the score cache.
type Pipeline struct {
	tenant   persist.TenantID
	settings func() persist.TenantSettings
	scorer   *Scorer
	metrics  metric.MetricReporter
}

// NewPipeline builds the per-tenant discovery pipeline.
func NewPipeline(tenant persist.TenantID, settings func() persist.TenantSettings, scorer *Scorer, metrics metric.MetricReporter) *Pipeline {
	return &Pipeline{tenant: tenant, settings: settings, scorer: scorer, metrics: metrics}
}

// Result is the outcome of one discovery run. Cycles are sorted by
// canonical id; two runs over the same snapshot produce identical results.
type Result struct {
	RunID      persist.RunID
	Status     persist.RunStatus
	Cycles     []persist.TradeCycle
	SCCCount   int
	Enumerated int
	Duplicates uint64
	Generation uint64
	Elapsed    time.Duration
}

// Discover finds every elementary trade cycle reachable from the roots in
// the given snapshot. An empty root set means a full-graph discovery.
func (p *Pipeline) Discover(ctx context.Context, view *graph.View, roots []persist.WalletID) Result {
	start := time.Now()
	s := p.settings()
	res := Result{
		RunID:      persist.GenerateRunID(),
		Generation: view.Generation(),
	}

	ctx = logger.NewContextWithFields(ctx, map[string]interface{}{
		"run_id": res.RunID.String(),
		"tenant": p.tenant.String(),
	})
	runCtx, cancel := context.WithTimeout(ctx, s.PerRunTimeout())
	defer cancel()
	runDeadline, _ := runCtx.Deadline()

	comps, sccPartial := stronglyConnected(runCtx, view, nil, sccOptions{
		BatchSize: s.SCCBatchSize,
		Budget:    s.SCCBudget(),
	})

	if len(roots) > 0 {
		rootSet := make(map[persist.WalletID]struct{}, len(roots))
		for _, r := range roots {
			rootSet[r] = struct{}{}
		}
		kept := comps[:0]
		for _, comp := range comps {
			if containsAny(comp, rootSet) {
				kept = append(kept, comp)
			}
		}
		comps = kept
	}
	res.SCCCount = len(comps)

	units := p.partition(view, comps, s)

	// Workers only fill their own unit's candidate slice; dedup and the
	// shared cap run in the sequential finalize pass below, so the cap
	// cuts at the same point no matter how units were scheduled.
	candidates := make([][]persist.TradeCycle, len(units))
	var enumerated int64
	var timeoutHit, capHit atomic.Bool

	runUnit := func(i int, unit []persist.WalletID) {
		deadline := time.Now().Add(s.PerSCCTimeout())
		if deadline.After(runDeadline) {
			deadline = runDeadline
		}
		limits := enumLimits{
			MaxDepth:  s.MaxDepth,
			Deadline:  deadline,
			MaxCycles: s.MaxCyclesPerSCC,
		}
		err := enumerateSCC(runCtx, view, unit, limits, func(wallets []persist.WalletID) error {
			atomic.AddInt64(&enumerated, 1)
			cycle, ok := p.accept(view, wallets, s)
			if !ok {
				return nil
			}
			candidates[i] = append(candidates[i], cycle)
			if len(candidates[i]) > s.MaxLoopsPerRequest {
				// One spare entry past the cap proves the unit was cut
				// short; the finalize pass never emits more than the cap.
				return errEnumCap
			}
			return nil
		})
		switch {
		case errors.Is(err, errEnumTimeout), errors.Is(err, errEnumCancelled):
			timeoutHit.Store(true)
		case errors.Is(err, errEnumCap):
			capHit.Store(true)
		}
	}

	if s.EnableParallel && s.ParallelSCCWorkers > 1 {
		wp := pool.New().WithMaxGoroutines(s.ParallelSCCWorkers)
		for i, unit := range units {
			i, unit := i, unit
			wp.Go(func() { runUnit(i, unit) })
		}
		wp.Wait()
	} else {
		for i, unit := range units {
			runUnit(i, unit)
		}
	}

	ded := newDeduper(uint(s.MaxLoopsPerRequest), s.EnableBloom)
finalize:
	for _, cand := range candidates {
		for _, cycle := range cand {
			if !ded.firstSeen(cycle.CanonicalID) {
				continue
			}
			if len(res.Cycles) == s.MaxLoopsPerRequest {
				capHit.Store(true)
				break finalize
			}
			res.Cycles = append(res.Cycles, cycle)
		}
	}

	sort.Slice(res.Cycles, func(i, j int) bool { return res.Cycles[i].CanonicalID < res.Cycles[j].CanonicalID })
	res.Enumerated = int(atomic.LoadInt64(&enumerated))
	res.Duplicates = ded.Collisions()
	res.Elapsed = time.Since(start)

	switch {
	case ctx.Err() != nil && runCtx.Err() == context.Canceled:
		res.Status = persist.RunCancelled
	case sccPartial || timeoutHit.Load() || runCtx.Err() == context.DeadlineExceeded:
		res.Status = persist.RunPartialTimeout
	case capHit.Load():
		res.Status = persist.RunPartialCap
	default:
		res.Status = persist.RunCompleted
	}

	p.metrics.Record(ctx, metric.Measure{Name: "discover.cycles", Value: float64(len(res.Cycles))},
		metric.LogOptions.WithTags(map[string]string{"tenant": p.tenant.String(), "status": string(res.Status)}),
		metric.LogOptions.WithLogMessage("discovery run finished"))

	return res
}

// partition expands each SCC into enumeration work units. Oversized SCCs
// are split by modularity communities with a bounded cross-community unit
// covering the boundary vertices; everything else enumerates whole.
func (p *Pipeline) partition(view *graph.View, comps [][]persist.WalletID, s persist.TenantSettings) [][]persist.WalletID {
	var units [][]persist.WalletID
	for _, comp := range comps {
		if !s.EnableLouvain || !oversized(view, comp, s) {
			units = append(units, comp)
			continue
		}
		parts := communities(view, comp, 1.2)
		if len(parts) <= 1 {
			units = append(units, comp)
			continue
		}
		units = append(units, parts...)
		if boundary := boundaryVertices(view, parts, s.LouvainThreshold); len(boundary) > 1 {
			units = append(units, boundary)
		}
	}
	return units
}

// oversized reports whether a component warrants community partitioning:
// more intra-component edges than LouvainThreshold or more wallets than
// LouvainWallets.
func oversized(view *graph.View, comp []persist.WalletID, s persist.TenantSettings) bool {
	if len(comp) > s.LouvainWallets {
		return true
	}
	members := make(map[persist.WalletID]struct{}, len(comp))
	for _, w := range comp {
		members[w] = struct{}{}
	}
	edges := 0
	for _, w := range comp {
		for _, e := range view.EdgesFrom(w) {
			if _, ok := members[e.To]; ok {
				edges++
				if edges > s.LouvainThreshold {
					return true
				}
			}
		}
	}
	return false
}

// accept runs a raw wallet cycle through NFT assignment, canonicalization,
// and scoring. Cross-unit dedup happens later in the finalize pass; within
// one unit the enumerator emits each elementary cycle once.
func (p *Pipeline) accept(view *graph.View, wallets []persist.WalletID, s persist.TenantSettings) (persist.TradeCycle, bool) {
	steps, ok := assignNFTs(view, wallets)
	if !ok {
		return persist.TradeCycle{}, false
	}

	var id string
	if s.EnableCanonical {
		steps, id = canonicalize(steps)
	} else {
		id = canonicalID(steps)
	}

	b := p.scorer.Score(steps, view, id, view.Generation())
	if b.Composite < s.MinScore || b.Efficiency < s.MinEfficiency {
		return persist.TradeCycle{}, false
	}

	return persist.TradeCycle{
		CanonicalID:  id,
		Steps:        steps,
		Participants: len(steps),
		Quality:      b.Quality,
		Efficiency:   b.Efficiency,
		Fairness:     b.Fairness,
		Score:        b.Composite,
		Generation:   view.Generation(),
		DiscoveredAt: time.Now(),
	}, true
}
