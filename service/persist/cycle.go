package persist

import "time"

// CycleStep is one hop of a trade cycle: From sends one of NFTs to To.
// NFTs holds every owned-and-wanted candidate for the hop; the first entry
// is the deterministic representative used for scoring and settlement.
type CycleStep struct {
	From WalletID `json:"from"`
	To   WalletID `json:"to"`
	NFTs []NFTID  `json:"nfts"`
	Kind EdgeKind `json:"kind"`
	// SourceCollection is set when the hop satisfies a collection want.
	SourceCollection CollectionID `json:"source_collection,omitempty"`
}

// NFT returns the representative NFT moved by this step.
func (s CycleStep) NFT() NFTID {
	if len(s.NFTs) == 0 {
		return ""
	}
	return s.NFTs[0]
}

// TradeCycle is a closed trade loop. Steps are stored in canonical rotation:
// Steps[0].From is the lexicographically smallest rotation start, and
// Steps[i].To == Steps[i+1].From with the last step closing back to the
// first wallet.
type TradeCycle struct {
	CanonicalID  string      `json:"canonical_id"`
	Steps        []CycleStep `json:"steps"`
	Participants int         `json:"participants"`

	Quality    float64 `json:"quality"`
	Efficiency float64 `json:"efficiency"`
	Fairness   float64 `json:"fairness"`
	Score      float64 `json:"score"`

	// Generation is the graph snapshot generation the cycle was discovered
	// against. Cycles older than the current generation are revalidated
	// before being surfaced.
	Generation   uint64    `json:"generation"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Wallets returns the ordered participant wallets of the cycle.
func (c TradeCycle) Wallets() []WalletID {
	out := make([]WalletID, len(c.Steps))
	for i, s := range c.Steps {
		out[i] = s.From
	}
	return out
}

// LoopState tracks the lifecycle of an active loop entry.
type LoopState string

const (
	LoopValid       LoopState = "valid"
	LoopStale       LoopState = "stale"
	LoopInvalidated LoopState = "invalidated"
	LoopExpired     LoopState = "expired"
)

// ActiveLoop is a currently-held trade cycle offered to clients.
type ActiveLoop struct {
	CanonicalID string     `json:"canonical_id"`
	Cycle       TradeCycle `json:"cycle"`
	Tenant      TenantID   `json:"tenant"`
	State       LoopState  `json:"state"`
	ExpiresAt   time.Time  `json:"expires_at"`
	// Watermark is the mutation generation the loop was last validated at.
	Watermark uint64 `json:"watermark"`
}

// RunStatus is the terminal state of a discovery run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunPartialTimeout RunStatus = "partial_timeout"
	RunPartialCap     RunStatus = "partial_cap"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
)

// Partial reports whether the run ended with an incomplete enumeration.
func (s RunStatus) Partial() bool {
	return s == RunPartialTimeout || s == RunPartialCap
}
