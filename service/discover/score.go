package discover

import (
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/persist"
)

const (
	efficiencyWeight = 0.40
	fairnessWeight   = 0.30
	qualityWeight    = 0.30

	scoreCacheSize = 4096
	scoreCacheTTL  = 10 * time.Minute
)

// Breakdown is the composite score of a cycle.
type Breakdown struct {
	Efficiency float64
	Fairness   float64
	Quality    float64
	Composite  float64
}

type qualityMetric struct {
	name   string
	weight float64
	fn     func(in scoreInput) float64
}

type scoreInput struct {
	steps  []persist.CycleStep
	view   *graph.View
	given  []float64 // value sent by participant i (steps[i].From)
	total  float64
	maxVal float64
	minVal float64
}

// DefaultQualityWeights returns the default weights of the 16 quality
// metrics. The exact values are a tuning concern; overrides come in through
// tenant settings updates, keyed by metric name.
func DefaultQualityWeights() map[string]float64 {
	return map[string]float64{
		"collection_diversity":  0.10,
		"direct_edge_ratio":     0.08,
		"compactness":           0.10,
		"value_confidence":      0.08,
		"value_uniformity":      0.08,
		"participant_scale":     0.06,
		"candidate_depth":       0.06,
		"nft_collection_spread": 0.06,
		"edge_kind_balance":     0.05,
		"freshness":             0.05,
		"reputation":            0.05,
		"value_magnitude":       0.05,
		"value_floor":           0.06,
		"weight_consistency":    0.04,
		"robustness":            0.04,
		"value_symmetry":        0.04,
	}
}

// Scorer computes composite cycle scores and caches them keyed on
// canonical id and snapshot generation.
type Scorer struct {
	metrics []qualityMetric
	cache   *lru.Cache
	ttl     time.Duration
	now     func() time.Time
}

type cachedScore struct {
	breakdown Breakdown
	at        time.Time
}

// NewScorer builds a scorer with the given quality weight overrides merged
// over the defaults.
func NewScorer(overrides map[string]float64) *Scorer {
	weights := DefaultQualityWeights()
	for name, w := range overrides {
		if _, ok := weights[name]; ok {
			weights[name] = w
		}
	}

	cache, err := lru.New(scoreCacheSize)
	if err != nil {
		panic(err)
	}

	s := &Scorer{cache: cache, ttl: scoreCacheTTL, now: time.Now}
	for _, m := range allQualityMetrics() {
		m.weight = weights[m.name]
		s.metrics = append(s.metrics, m)
	}
	return s
}

// Score computes (or returns the cached) breakdown for a canonical cycle.
func (s *Scorer) Score(steps []persist.CycleStep, v *graph.View, canonicalID string, generation uint64) Breakdown {
	key := fmt.Sprintf("%s:%d", canonicalID, generation)
	if it, ok := s.cache.Get(key); ok {
		cached := it.(cachedScore)
		if s.now().Sub(cached.at) < s.ttl {
			return cached.breakdown
		}
		s.cache.Remove(key)
	}

	in := newScoreInput(steps, v)
	b := Breakdown{
		Efficiency: efficiency(in),
		Fairness:   fairness(in),
		Quality:    s.quality(in),
	}
	b.Composite = efficiencyWeight*b.Efficiency + fairnessWeight*b.Fairness + qualityWeight*b.Quality

	s.cache.Add(key, cachedScore{breakdown: b, at: s.now()})
	return b
}

func newScoreInput(steps []persist.CycleStep, v *graph.View) scoreInput {
	in := scoreInput{steps: steps, view: v, given: make([]float64, len(steps)), minVal: math.MaxFloat64}
	for i, s := range steps {
		val := stepValue(v, s)
		in.given[i] = val
		in.total += val
		if val > in.maxVal {
			in.maxVal = val
		}
		if val < in.minVal {
			in.minVal = val
		}
	}
	return in
}

// stepValue is the estimated value of the representative NFT; unknown
// values fall back to the unit baseline.
func stepValue(v *graph.View, s persist.CycleStep) float64 {
	if val := v.Value(s.NFT()); val > 0 {
		return val
	}
	return 1.0
}

// efficiency is the ratio of value moved to the maximum possible: every
// step moving the most valuable item in the loop.
func efficiency(in scoreInput) float64 {
	if in.maxVal == 0 || len(in.steps) == 0 {
		return 0
	}
	return in.total / (float64(len(in.steps)) * in.maxVal)
}

// fairness is the inverse of the worst per-participant imbalance between
// value given and value received.
func fairness(in scoreInput) float64 {
	n := len(in.steps)
	if n == 0 || in.total == 0 {
		return 0
	}
	avg := in.total / float64(n)
	maxImbalance := 0.0
	for i := range in.steps {
		// Participant i gives given[i] and receives what its predecessor
		// sends: steps are cyclic, so the receiver of step i is From of
		// step i+1.
		received := in.given[(i-1+n)%n]
		if imb := math.Abs(received - in.given[i]); imb > maxImbalance {
			maxImbalance = imb
		}
	}
	return 1.0 / (1.0 + maxImbalance/avg)
}

func (s *Scorer) quality(in scoreInput) float64 {
	var sum, weights float64
	for _, m := range s.metrics {
		if m.weight <= 0 {
			continue
		}
		sum += m.weight * clamp01(m.fn(in))
		weights += m.weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func allQualityMetrics() []qualityMetric {
	return []qualityMetric{
		{name: "collection_diversity", fn: func(in scoreInput) float64 {
			seen := map[persist.CollectionID]struct{}{}
			for _, s := range in.steps {
				if s.SourceCollection != "" {
					seen[s.SourceCollection] = struct{}{}
				}
			}
			if len(seen) == 0 {
				return 0.5
			}
			return float64(len(seen)) / float64(len(in.steps))
		}},
		{name: "direct_edge_ratio", fn: func(in scoreInput) float64 {
			direct := 0
			for _, s := range in.steps {
				if s.Kind == persist.EdgeKindDirect {
					direct++
				}
			}
			return float64(direct) / float64(len(in.steps))
		}},
		{name: "compactness", fn: func(in scoreInput) float64 {
			// Shorter loops settle with fewer counterparties.
			return 2.0 / float64(len(in.steps))
		}},
		{name: "value_confidence", fn: func(in scoreInput) float64 {
			known := 0
			for _, s := range in.steps {
				if in.view.Value(s.NFT()) > 0 {
					known++
				}
			}
			return float64(known) / float64(len(in.steps))
		}},
		{name: "value_uniformity", fn: func(in scoreInput) float64 {
			n := float64(len(in.given))
			mean := in.total / n
			if mean == 0 {
				return 0
			}
			var variance float64
			for _, g := range in.given {
				variance += (g - mean) * (g - mean)
			}
			return 1.0 - math.Sqrt(variance/n)/mean
		}},
		{name: "participant_scale", fn: func(in scoreInput) float64 {
			return 1.0 - math.Abs(float64(len(in.steps))-3.0)/10.0
		}},
		{name: "candidate_depth", fn: func(in scoreInput) float64 {
			var total float64
			for _, s := range in.steps {
				total += float64(len(s.NFTs))
			}
			return total / (3.0 * float64(len(in.steps)))
		}},
		{name: "nft_collection_spread", fn: func(in scoreInput) float64 {
			seen := map[persist.CollectionID]struct{}{}
			for _, s := range in.steps {
				seen[s.SourceCollection] = struct{}{}
			}
			return float64(len(seen)) / float64(len(in.steps))
		}},
		{name: "edge_kind_balance", fn: func(in scoreInput) float64 {
			direct := 0
			for _, s := range in.steps {
				if s.Kind == persist.EdgeKindDirect {
					direct++
				}
			}
			derived := len(in.steps) - direct
			return 1.0 - math.Abs(float64(direct-derived))/float64(len(in.steps))/2.0
		}},
		{name: "freshness", fn: func(in scoreInput) float64 {
			// Hook: age of the underlying wants. Neutral until want
			// timestamps are surfaced by the view.
			return 1.0
		}},
		{name: "reputation", fn: func(in scoreInput) float64 {
			// Hook: external owner-reputation integration. Neutral score.
			return 1.0
		}},
		{name: "value_magnitude", fn: func(in scoreInput) float64 {
			return math.Log10(1.0+in.total) / 4.0
		}},
		{name: "value_floor", fn: func(in scoreInput) float64 {
			if in.maxVal == 0 {
				return 0
			}
			return in.minVal / in.maxVal
		}},
		{name: "weight_consistency", fn: func(in scoreInput) float64 {
			if in.maxVal == 0 {
				return 0
			}
			return in.total / (float64(len(in.steps)) * in.maxVal)
		}},
		{name: "robustness", fn: func(in scoreInput) float64 {
			minCand := math.MaxFloat64
			for _, s := range in.steps {
				if c := float64(len(s.NFTs)); c < minCand {
					minCand = c
				}
			}
			return minCand / 2.0
		}},
		{name: "value_symmetry", fn: func(in scoreInput) float64 {
			if in.maxVal == 0 {
				return 0
			}
			return 1.0 - (in.maxVal-in.minVal)/in.maxVal
		}},
	}
}
