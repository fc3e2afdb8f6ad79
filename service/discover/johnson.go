package discover

import (
	"context"
	"errors"
	"time"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/persist"
)

var (
	errEnumTimeout   = errors.New("enumeration timed out")
	errEnumCap       = errors.New("enumeration cycle cap reached")
	errEnumCancelled = errors.New("enumeration cancelled")
)

// enumLimits bound a single-SCC enumeration.
type enumLimits struct {
	MaxDepth  int
	Deadline  time.Time
	MaxCycles int
}

// emitFunc receives each elementary cycle as its ordered wallet sequence,
// starting at the enumeration root. Returning an error aborts the SCC;
// errEnumCap flags the partial-cap outcome.
type emitFunc func(wallets []persist.WalletID) error

// enumerator runs Johnson's elementary-cycle algorithm over one SCC (or one
// community subproblem). Enumeration within an SCC is single threaded; the
// pipeline runs disjoint SCCs concurrently.
//
// The blocked set and block map keep vertices known not to reach back to
// the current start from being revisited until a successful return unblocks
// them, so every cycle is produced exactly once. The depth bound weakens
// Johnson's invariant: a vertex abandoned only because the stack hit
// MaxDepth may still close a shorter cycle along another path, so a
// depth-truncated subtree is treated like a found cycle for unblocking.
type enumerator struct {
	view    *graph.View
	order   []persist.WalletID
	allowed map[persist.WalletID]int // wallet -> position in order

	start    persist.WalletID
	startPos int
	blocked  map[persist.WalletID]bool
	blockMap map[persist.WalletID]map[persist.WalletID]struct{}
	stack    []persist.WalletID

	limits  enumLimits
	emit    emitFunc
	emitted int
	ctx     context.Context
	checks  int
}

// enumerateSCC enumerates every elementary cycle of length <= MaxDepth in
// the subgraph induced by subset. Returns the abort error, if any; nil
// means the SCC was fully enumerated.
func enumerateSCC(ctx context.Context, v *graph.View, subset []persist.WalletID, limits enumLimits, emit emitFunc) error {
	e := &enumerator{
		view:    v,
		order:   subset,
		allowed: make(map[persist.WalletID]int, len(subset)),
		limits:  limits,
		emit:    emit,
		ctx:     ctx,
	}
	for i, w := range subset {
		e.allowed[w] = i
	}

	// Standard Johnson outer loop: cycles through order[i] within the
	// subgraph induced by order[i:], then drop order[i].
	for i, s := range e.order {
		e.start = s
		e.startPos = i
		e.blocked = map[persist.WalletID]bool{}
		e.blockMap = map[persist.WalletID]map[persist.WalletID]struct{}{}
		e.stack = e.stack[:0]
		if _, err := e.circuit(s); err != nil {
			return err
		}
	}
	return nil
}

// checkBudget verifies cancellation, deadline, and the cycle cap. It is
// called at every neighbor step, which covers every suspension point the
// enumerator has.
func (e *enumerator) checkBudget() error {
	e.checks++
	if e.checks%64 == 0 {
		if err := e.ctx.Err(); err != nil {
			return errEnumCancelled
		}
		if !e.limits.Deadline.IsZero() && time.Now().After(e.limits.Deadline) {
			return errEnumTimeout
		}
	}
	if e.limits.MaxCycles > 0 && e.emitted >= e.limits.MaxCycles {
		return errEnumCap
	}
	return nil
}

// circuit explores from v; reports whether the subtree found a cycle (or
// was depth truncated, which unblocks identically).
func (e *enumerator) circuit(v persist.WalletID) (bool, error) {
	opened := false
	e.stack = append(e.stack, v)
	e.blocked[v] = true

	for _, w := range e.view.Neighbors(v) {
		pos, ok := e.allowed[w]
		if !ok || pos < e.startPos {
			continue
		}
		if err := e.checkBudget(); err != nil {
			e.stack = e.stack[:len(e.stack)-1]
			return opened, err
		}

		if w == e.start {
			cycle := make([]persist.WalletID, len(e.stack))
			copy(cycle, e.stack)
			e.emitted++
			if err := e.emit(cycle); err != nil {
				e.stack = e.stack[:len(e.stack)-1]
				return opened, err
			}
			opened = true
			continue
		}

		if e.blocked[w] {
			continue
		}
		if len(e.stack) >= e.limits.MaxDepth {
			// Depth truncation: w might close a shorter cycle elsewhere.
			opened = true
			continue
		}
		childOpened, err := e.circuit(w)
		if err != nil {
			e.stack = e.stack[:len(e.stack)-1]
			return opened, err
		}
		opened = opened || childOpened
	}

	if opened {
		e.unblock(v)
	} else {
		for _, w := range e.view.Neighbors(v) {
			if pos, ok := e.allowed[w]; !ok || pos < e.startPos {
				continue
			}
			set, ok := e.blockMap[w]
			if !ok {
				set = map[persist.WalletID]struct{}{}
				e.blockMap[w] = set
			}
			set[v] = struct{}{}
		}
	}

	e.stack = e.stack[:len(e.stack)-1]
	return opened, nil
}

func (e *enumerator) unblock(v persist.WalletID) {
	work := []persist.WalletID{v}
	for len(work) > 0 {
		u := work[len(work)-1]
		work = work[:len(work)-1]
		if !e.blocked[u] {
			continue
		}
		e.blocked[u] = false
		for w := range e.blockMap[u] {
			work = append(work, w)
		}
		delete(e.blockMap, u)
	}
}

// assignNFTs converts an ordered wallet cycle into trade steps. For each
// hop it lists every NFT the sender owns and the receiver wants, with the
// representative first: the lexicographically smallest NFT id not already
// used by an earlier step. Cycles where any hop has no unused candidate are
// rejected (an NFT cannot move twice in one loop).
func assignNFTs(v *graph.View, wallets []persist.WalletID) ([]persist.CycleStep, bool) {
	used := map[persist.NFTID]struct{}{}
	steps := make([]persist.CycleStep, len(wallets))

	for i, from := range wallets {
		to := wallets[(i+1)%len(wallets)]
		candidates := v.EdgeNFTs(from, to)
		if len(candidates) == 0 {
			return nil, false
		}

		var rep persist.NFTID
		rest := make([]persist.NFTID, 0, len(candidates))
		for _, n := range candidates {
			if _, taken := used[n]; taken {
				continue
			}
			if rep == "" {
				rep = n
				continue
			}
			rest = append(rest, n)
		}
		if rep == "" {
			return nil, false
		}
		used[rep] = struct{}{}

		step := persist.CycleStep{From: from, To: to, NFTs: append([]persist.NFTID{rep}, rest...)}
		if e, ok := v.EdgeBetween(from, to, rep); ok {
			step.Kind = e.Kind
			step.SourceCollection = e.SourceCollection
		}
		steps[i] = step
	}
	return steps, true
}
