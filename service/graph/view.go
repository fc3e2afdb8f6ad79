package graph

import (
	"github.com/swapslab/tradeloop/service/persist"
)

// View is a read-only, snapshot-consistent façade over the graph. It is
// built under the read lock and reflects a single mutation generation; the
// discovery algorithms consume only this type, so direct and
// collection-derived edges are indistinguishable except through the edge
// payload.
type View struct {
	generation uint64

	nodes   []persist.WalletID
	edges   map[persist.WalletID][]persist.Edge
	adj     map[persist.WalletID][]persist.WalletID
	owner   map[persist.NFTID]persist.WalletID
	wanters map[persist.NFTID][]persist.WalletID
	wants   map[persist.WalletID]map[persist.NFTID]struct{}
	values  map[persist.NFTID]float64
	nfts    []persist.NFTID

	hasCollections bool
	stats          persist.GraphStats
}

// View builds a snapshot of the whole graph.
func (s *Store) View() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildViewLocked(nil)
}

// ViewAround builds a snapshot restricted to wallets within depth hops of
// any root, following edges in both directions. Every elementary cycle of
// length at most depth through a root lies inside this subgraph.
func (s *Store) ViewAround(roots []persist.WalletID, depth int) *View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(roots) == 0 {
		return s.buildViewLocked(nil)
	}

	include := map[persist.WalletID]struct{}{}
	frontier := make([]persist.WalletID, 0, len(roots))
	for _, w := range roots {
		if _, ok := s.wallets[w]; ok {
			include[w] = struct{}{}
			frontier = append(frontier, w)
		}
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []persist.WalletID
		for _, w := range frontier {
			for _, nb := range s.neighborsLocked(w) {
				if _, ok := include[nb]; !ok {
					include[nb] = struct{}{}
					next = append(next, nb)
				}
			}
		}
		frontier = next
	}

	return s.buildViewLocked(include)
}

// neighborsLocked returns wallets adjacent to w in either direction.
func (s *Store) neighborsLocked(w persist.WalletID) []persist.WalletID {
	ws, ok := s.wallets[w]
	if !ok {
		return nil
	}
	set := map[persist.WalletID]struct{}{}
	for n := range ws.owned {
		for wanter := range s.wantersIndex[n] {
			set[wanter] = struct{}{}
		}
	}
	for n := range ws.wants {
		if owner, ok := s.ownerIndex[n]; ok {
			set[owner] = struct{}{}
		}
	}
	delete(set, w)
	return walletSetToSlice(set)
}

// buildViewLocked materializes the derived edges. include of nil means the
// whole graph.
func (s *Store) buildViewLocked(include map[persist.WalletID]struct{}) *View {
	in := func(w persist.WalletID) bool {
		if include == nil {
			return true
		}
		_, ok := include[w]
		return ok
	}

	v := &View{
		generation: s.generation,
		edges:      map[persist.WalletID][]persist.Edge{},
		adj:        map[persist.WalletID][]persist.WalletID{},
		owner:      map[persist.NFTID]persist.WalletID{},
		wanters:    map[persist.NFTID][]persist.WalletID{},
		wants:      map[persist.WalletID]map[persist.NFTID]struct{}{},
		values:     map[persist.NFTID]float64{},
	}

	for w := range s.wallets {
		if in(w) {
			v.nodes = append(v.nodes, w)
		}
	}
	sortWallets(v.nodes)

	directEdges, derivedEdges := 0, 0
	for _, from := range v.nodes {
		ws := s.wallets[from]
		owned := make([]persist.NFTID, 0, len(ws.owned))
		for n := range ws.owned {
			owned = append(owned, n)
		}
		sortNFTs(owned)

		adjSet := map[persist.WalletID]struct{}{}
		for _, n := range owned {
			v.owner[n] = from
			v.nfts = append(v.nfts, n)
			if nft, ok := s.nfts[n]; ok {
				v.values[n] = nft.EstimatedValue
			}

			for _, to := range walletSetToSlice(s.wantersIndex[n]) {
				if to == from || !in(to) {
					continue
				}
				e := persist.Edge{From: from, To: to, NFT: n, Kind: persist.EdgeKindDirect, Weight: edgeWeight(s.nfts[n])}
				if info := s.wallets[to].wants[n]; info != nil && !info.direct {
					e.Kind = persist.EdgeKindCollectionDerived
					e.SourceCollection = firstCollection(info.collections)
				}
				v.edges[from] = append(v.edges[from], e)
				v.wanters[n] = append(v.wanters[n], to)
				adjSet[to] = struct{}{}
				if e.Kind == persist.EdgeKindCollectionDerived {
					derivedEdges++
				} else {
					directEdges++
				}
			}
		}
		v.adj[from] = walletSetToSlice(adjSet)

		wants := make(map[persist.NFTID]struct{}, len(ws.wants))
		for n := range ws.wants {
			wants[n] = struct{}{}
		}
		v.wants[from] = wants
	}
	sortNFTs(v.nfts)

	v.hasCollections = len(s.collectionMembers) > 0
	v.stats = persist.GraphStats{
		Nodes:                  len(v.nodes),
		Edges:                  directEdges + derivedEdges,
		DirectEdges:            directEdges,
		CollectionDerivedEdges: derivedEdges,
		NFTs:                   len(s.nfts),
		Collections:            len(s.collectionMembers),
		Generation:             s.generation,
	}
	return v
}

func edgeWeight(nft persist.NFT) float64 {
	if nft.EstimatedValue > 0 {
		return nft.EstimatedValue
	}
	return 1.0
}

func firstCollection(set map[persist.CollectionID]struct{}) persist.CollectionID {
	var first persist.CollectionID
	for k := range set {
		if first == "" || k < first {
			first = k
		}
	}
	return first
}

// Generation returns the mutation generation the view was built at.
func (v *View) Generation() uint64 { return v.generation }

// Nodes returns every wallet in the view, sorted by id.
func (v *View) Nodes() []persist.WalletID { return v.nodes }

// EdgesFrom returns every outgoing edge of a wallet, ordered by target
// wallet then NFT id.
func (v *View) EdgesFrom(w persist.WalletID) []persist.Edge { return v.edges[w] }

// Neighbors returns the distinct target wallets of a wallet's outgoing
// edges, sorted by id.
func (v *View) Neighbors(w persist.WalletID) []persist.WalletID { return v.adj[w] }

// Wanters returns the wallets that want an NFT, sorted by id.
func (v *View) Wanters(n persist.NFTID) []persist.WalletID { return v.wanters[n] }

// Owner returns the owner of an NFT, or "" when unowned in this view.
func (v *View) Owner(n persist.NFTID) persist.WalletID { return v.owner[n] }

// HasEdge reports whether from can send any NFT to to.
func (v *View) HasEdge(from, to persist.WalletID) bool {
	for _, nb := range v.adj[from] {
		if nb == to {
			return true
		}
	}
	return false
}

// Wants reports whether w wants n in this view.
func (v *View) Wants(w persist.WalletID, n persist.NFTID) bool {
	_, ok := v.wants[w][n]
	return ok
}

// EdgeNFTs returns the NFTs from can send to to, sorted by id.
func (v *View) EdgeNFTs(from, to persist.WalletID) []persist.NFTID {
	var out []persist.NFTID
	for _, e := range v.edges[from] {
		if e.To == to {
			out = append(out, e.NFT)
		}
	}
	return out
}

// EdgeBetween returns the edge moving a specific NFT from from to to.
func (v *View) EdgeBetween(from, to persist.WalletID, n persist.NFTID) (persist.Edge, bool) {
	for _, e := range v.edges[from] {
		if e.To == to && e.NFT == n {
			return e, true
		}
	}
	return persist.Edge{}, false
}

// AllNFTs returns every owned NFT in the view, sorted by id.
func (v *View) AllNFTs() []persist.NFTID { return v.nfts }

// Value returns the estimated value of an NFT; zero means unknown.
func (v *View) Value(n persist.NFTID) float64 { return v.values[n] }

// Stats returns aggregate counts for the view.
func (v *View) Stats() persist.GraphStats { return v.stats }

// HasCollectionSupport reports whether any collection state exists.
func (v *View) HasCollectionSupport() bool { return v.hasCollections }
