package discover

import (
	"context"
	"sort"
	"time"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/persist"
)

// sccOptions bound the decomposition. BatchSize limits how many roots are
// processed per batch so the iterator memory stays bounded; Budget is a
// wall-clock cap after which the partial flag is returned with whatever has
// been computed.
type sccOptions struct {
	BatchSize int
	Budget    time.Duration
}

// stronglyConnected decomposes the view (restricted to the given vertex
// subset, or all nodes when nil) into strongly connected components using
// an iterative Tarjan. Trivial size-1 components are discarded. Components
// and their members are returned in lexicographic order so downstream
// enumeration is deterministic.
func stronglyConnected(ctx context.Context, v *graph.View, subset []persist.WalletID, opts sccOptions) ([][]persist.WalletID, bool) {
	nodes := subset
	if nodes == nil {
		nodes = v.Nodes()
	}
	allowed := make(map[persist.WalletID]bool, len(nodes))
	for _, w := range nodes {
		allowed[w] = true
	}

	index := map[persist.WalletID]int{}
	lowlink := map[persist.WalletID]int{}
	onStack := map[persist.WalletID]bool{}
	var stack []persist.WalletID
	next := 0

	var comps [][]persist.WalletID
	partial := false
	deadline := time.Now().Add(opts.Budget)

	type frame struct {
		v  persist.WalletID
		ni int // next neighbor index
		ns []persist.WalletID
	}

	strongconnect := func(root persist.WalletID) {
		frames := []frame{{v: root, ns: restrict(v.Neighbors(root), allowed)}}
		index[root] = next
		lowlink[root] = next
		next++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			if f.ni < len(f.ns) {
				w := f.ns[f.ni]
				f.ni++
				if _, seen := index[w]; !seen {
					index[w] = next
					lowlink[w] = next
					next++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{v: w, ns: restrict(v.Neighbors(w), allowed)})
				} else if onStack[w] && index[w] < lowlink[f.v] {
					lowlink[f.v] = index[w]
				}
				continue
			}

			if lowlink[f.v] == index[f.v] {
				var comp []persist.WalletID
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == f.v {
						break
					}
				}
				if len(comp) > 1 {
					sort.Slice(comp, func(i, j int) bool { return comp[i] < comp[j] })
					comps = append(comps, comp)
				}
			}

			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[f.v] < lowlink[parent.v] {
					lowlink[parent.v] = lowlink[f.v]
				}
			}
		}
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = 3000
	}

	for i, root := range nodes {
		if i%batch == 0 {
			if err := ctx.Err(); err != nil || time.Now().After(deadline) {
				partial = true
				break
			}
		}
		if _, seen := index[root]; !seen {
			strongconnect(root)
		}
	}

	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })
	return comps, partial
}

func restrict(ns []persist.WalletID, allowed map[persist.WalletID]bool) []persist.WalletID {
	out := make([]persist.WalletID, 0, len(ns))
	for _, n := range ns {
		if allowed[n] {
			out = append(out, n)
		}
	}
	return out
}

// containsAny reports whether the component includes at least one root.
func containsAny(comp []persist.WalletID, roots map[persist.WalletID]struct{}) bool {
	for _, w := range comp {
		if _, ok := roots[w]; ok {
			return true
		}
	}
	return false
}
