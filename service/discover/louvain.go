package discover

import (
	"sort"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/persist"
)

const louvainMaxPasses = 10

// communities partitions one oversized SCC with a single-level Louvain pass
// over the undirected projection of the trade graph. The enumerator treats
// each community as an independent subproblem; edges between communities
// are handled by a bounded second pass over the boundary vertices.
func communities(v *graph.View, scc []persist.WalletID, resolution float64) [][]persist.WalletID {
	n := len(scc)
	if n == 0 {
		return nil
	}

	idx := make(map[persist.WalletID]int, n)
	for i, w := range scc {
		idx[w] = i
	}

	// Undirected projection: weight 1 per directed edge between members.
	weights := make([]map[int]float64, n)
	degree := make([]float64, n)
	var m float64
	for i, w := range scc {
		if weights[i] == nil {
			weights[i] = map[int]float64{}
		}
		for _, nb := range v.Neighbors(w) {
			j, ok := idx[nb]
			if !ok || j == i {
				continue
			}
			if weights[j] == nil {
				weights[j] = map[int]float64{}
			}
			weights[i][j]++
			weights[j][i]++
			degree[i]++
			degree[j]++
			m++
		}
	}
	if m == 0 {
		return [][]persist.WalletID{scc}
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i
	}
	commDegree := append([]float64(nil), degree...)

	for pass := 0; pass < louvainMaxPasses; pass++ {
		moved := false
		// Node order is the sorted SCC order, which keeps the partition
		// deterministic across runs.
		for i := 0; i < n; i++ {
			cur := community[i]
			commDegree[cur] -= degree[i]

			// Weight from i into each adjacent community.
			into := map[int]float64{}
			for j, w := range weights[i] {
				into[community[j]] += w
			}

			best := cur
			bestGain := into[cur] - resolution*commDegree[cur]*degree[i]/(2*m)
			// Candidate communities in ascending id order for stable ties.
			cands := make([]int, 0, len(into))
			for c := range into {
				cands = append(cands, c)
			}
			sort.Ints(cands)
			for _, c := range cands {
				gain := into[c] - resolution*commDegree[c]*degree[i]/(2*m)
				if gain > bestGain {
					bestGain = gain
					best = c
				}
			}

			community[i] = best
			commDegree[best] += degree[i]
			if best != cur {
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	groups := map[int][]persist.WalletID{}
	for i, c := range community {
		groups[c] = append(groups[c], scc[i])
	}
	out := make([][]persist.WalletID, 0, len(groups))
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i] < g[j] })
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// boundaryVertices returns the members of the SCC that have an edge to a
// different community, capped at limit. The second enumeration pass over
// these vertices recovers cycles that cross community borders.
func boundaryVertices(v *graph.View, parts [][]persist.WalletID, limit int) []persist.WalletID {
	home := map[persist.WalletID]int{}
	for ci, part := range parts {
		for _, w := range part {
			home[w] = ci
		}
	}

	var out []persist.WalletID
	for _, part := range parts {
		for _, w := range part {
			for _, nb := range v.Neighbors(w) {
				if hc, ok := home[nb]; ok && hc != home[w] {
					out = append(out, w)
					break
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
