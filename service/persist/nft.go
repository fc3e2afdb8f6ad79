package persist

// NFT represents a uniquely-owned tradable item throughout the engine.
type NFT struct {
	ID         NFTID        `json:"id" binding:"required"`
	Name       string       `json:"name"`
	Symbol     string       `json:"symbol"`
	Collection CollectionID `json:"collection,omitempty"`
	// EstimatedValue is an externally supplied valuation used by the scorer.
	// Zero means unknown; the scorer treats unknown values as the baseline.
	EstimatedValue float64 `json:"estimated_value,omitempty"`
}

// EdgeKind distinguishes how a trade edge was derived.
type EdgeKind int

const (
	// EdgeKindDirect is an edge derived from an explicit want on an NFT.
	EdgeKindDirect EdgeKind = iota
	// EdgeKindCollectionDerived is an edge derived from a want on a
	// collection that was expanded to a concrete member NFT.
	EdgeKindCollectionDerived
)

func (k EdgeKind) String() string {
	if k == EdgeKindCollectionDerived {
		return "collection_derived"
	}
	return "direct"
}

// Edge is a derived directed trade potential: the owner of NFT can send it
// to a wallet that wants it. Edges are never stored, they are materialized
// by the graph view from the ownership and want indexes.
type Edge struct {
	From WalletID `json:"from"`
	To   WalletID `json:"to"`
	NFT  NFTID    `json:"nft"`
	Kind EdgeKind `json:"kind"`
	// SourceCollection is set only for collection-derived edges.
	SourceCollection CollectionID `json:"source_collection,omitempty"`
	Weight           float64      `json:"weight"`
}

// GraphStats summarizes a tenant graph for the query surface.
type GraphStats struct {
	Nodes                  int    `json:"nodes"`
	Edges                  int    `json:"edges"`
	DirectEdges            int    `json:"direct_edges"`
	CollectionDerivedEdges int    `json:"collection_derived_edges"`
	NFTs                   int    `json:"nfts"`
	Collections            int    `json:"collections"`
	Generation             uint64 `json:"generation"`
}
