package loopcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/logger"
	"github.com/swapslab/tradeloop/service/notify"
	"github.com/swapslab/tradeloop/service/persist"
)

const numShards = 16

type shard struct {
	mu      sync.RWMutex
	entries map[string]*persist.ActiveLoop
}

// invertedIndex maps wallets, NFTs, and source collections to the
// canonical ids of loops touching them. It has its own lock so loop reads
// do not contend with index maintenance.
type invertedIndex struct {
	mu           sync.RWMutex
	byWallet     map[persist.WalletID]map[string]struct{}
	byNFT        map[persist.NFTID]map[string]struct{}
	byCollection map[persist.CollectionID]map[string]struct{}
}

// Cache is the per-tenant store of currently-valid trade loops. Entries
// move Valid -> Stale on any mutation touching one of their steps, then
// either back to Valid on revalidation or out of the cache entirely.
type Cache struct {
	tenant   persist.TenantID
	settings func() persist.TenantSettings
	stream   *notify.Stream

	shards [numShards]shard
	idx    invertedIndex
}

// New returns an empty cache publishing lifecycle events to stream.
func New(tenant persist.TenantID, settings func() persist.TenantSettings, stream *notify.Stream) *Cache {
	c := &Cache{tenant: tenant, settings: settings, stream: stream}
	for i := range c.shards {
		c.shards[i].entries = map[string]*persist.ActiveLoop{}
	}
	c.idx.byWallet = map[persist.WalletID]map[string]struct{}{}
	c.idx.byNFT = map[persist.NFTID]map[string]struct{}{}
	c.idx.byCollection = map[persist.CollectionID]map[string]struct{}{}
	return c
}

func (c *Cache) shard(id string) *shard {
	if len(id) == 0 {
		return &c.shards[0]
	}
	return &c.shards[int(id[0])%numShards]
}

// Put inserts or refreshes a discovered loop and reports whether it was
// new. A refresh of an existing loop restores it to Valid and extends the
// TTL.
func (c *Cache) Put(ctx context.Context, cycle persist.TradeCycle) bool {
	sh := c.shard(cycle.CanonicalID)
	sh.mu.Lock()
	_, ok := sh.entries[cycle.CanonicalID]
	entry := &persist.ActiveLoop{
		CanonicalID: cycle.CanonicalID,
		Cycle:       cycle,
		Tenant:      c.tenant,
		State:       persist.LoopValid,
		ExpiresAt:   time.Now().Add(c.settings().LoopTTL()),
		Watermark:   cycle.Generation,
	}
	sh.entries[cycle.CanonicalID] = entry
	sh.mu.Unlock()

	if !ok {
		c.indexLoop(cycle)
		c.stream.Publish(ctx, notify.Event{
			Kind:        notify.LoopDiscovered,
			CanonicalID: cycle.CanonicalID,
			Cycle:       &cycle,
		})
		return true
	}
	return false
}

// Get returns a loop if it is currently valid.
func (c *Cache) Get(id string) (persist.ActiveLoop, bool) {
	sh := c.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	if !ok || e.State != persist.LoopValid || time.Now().After(e.ExpiresAt) {
		return persist.ActiveLoop{}, false
	}
	return *e, true
}

// Filter narrows List to loops touching a wallet, NFT, or collection.
type Filter struct {
	Wallet     persist.WalletID
	NFT        persist.NFTID
	Collection persist.CollectionID
}

// List returns valid loops matching the filter ordered by canonical id,
// resuming after cursor. The next cursor is empty when the listing is
// complete.
func (c *Cache) List(filter Filter, limit int, cursor string) ([]persist.ActiveLoop, string) {
	ids := c.matchingIDs(filter)
	sort.Strings(ids)

	if limit <= 0 {
		limit = 50
	}

	var out []persist.ActiveLoop
	var next string
	for _, id := range ids {
		if cursor != "" && id <= cursor {
			continue
		}
		if loop, ok := c.Get(id); ok {
			if len(out) == limit {
				next = out[len(out)-1].CanonicalID
				break
			}
			out = append(out, loop)
		}
	}
	return out, next
}

func (c *Cache) matchingIDs(filter Filter) []string {
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()

	var set map[string]struct{}
	switch {
	case filter.Wallet != "":
		set = c.idx.byWallet[filter.Wallet]
	case filter.NFT != "":
		set = c.idx.byNFT[filter.NFT]
	case filter.Collection != "":
		set = c.idx.byCollection[filter.Collection]
	default:
		ids := []string{}
		for i := range c.shards {
			sh := &c.shards[i]
			sh.mu.RLock()
			for id := range sh.entries {
				ids = append(ids, id)
			}
			sh.mu.RUnlock()
		}
		return ids
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of currently valid loops.
func (c *Cache) Count() int {
	now := time.Now()
	count := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			if e.State == persist.LoopValid && now.Before(e.ExpiresAt) {
				count++
			}
		}
		sh.mu.RUnlock()
	}
	return count
}

// MarkStale transitions loops matched by the mutation record to Stale and
// returns their canonical ids. Only mutations that can break an existing
// step match: removals, transfers, want retirement, collection shrinks.
func (c *Cache) MarkStale(ctx context.Context, rec persist.MutationRecord) []string {
	var candidates map[string]struct{}

	c.idx.mu.RLock()
	switch rec.Kind {
	case persist.MutationNFTRemoved, persist.MutationTransferred:
		candidates = copySet(c.idx.byNFT[rec.NFT])
	case persist.MutationWantRemoved:
		candidates = intersect(c.idx.byNFT[rec.NFT], c.idx.byWallet[rec.Wallet])
	case persist.MutationCollectionShrunk:
		candidates = map[string]struct{}{}
		for _, n := range rec.RemovedNFTs {
			for id := range c.idx.byNFT[n] {
				candidates[id] = struct{}{}
			}
		}
		if rec.Wallet != "" {
			// A subscription removal only breaks this wallet's loops
			// through the collection.
			for id := range intersect(c.idx.byCollection[rec.Collection], c.idx.byWallet[rec.Wallet]) {
				candidates[id] = struct{}{}
			}
		}
	}
	c.idx.mu.RUnlock()

	var stale []string
	for id := range candidates {
		sh := c.shard(id)
		sh.mu.Lock()
		if e, ok := sh.entries[id]; ok && e.State == persist.LoopValid {
			e.State = persist.LoopStale
			stale = append(stale, id)
		}
		sh.mu.Unlock()
	}
	sort.Strings(stale)
	return stale
}

// Revalidate resolves every stale loop against the view: steps that still
// hold restore the loop to Valid, anything else is removed and announced.
func (c *Cache) Revalidate(ctx context.Context, view *graph.View) {
	for i := range c.shards {
		sh := &c.shards[i]

		sh.mu.Lock()
		var staleIDs []string
		for id, e := range sh.entries {
			if e.State == persist.LoopStale {
				staleIDs = append(staleIDs, id)
			}
		}
		sort.Strings(staleIDs)

		for _, id := range staleIDs {
			e := sh.entries[id]
			if cycleHolds(view, e.Cycle) {
				e.State = persist.LoopValid
				e.Watermark = view.Generation()
				continue
			}
			delete(sh.entries, id)
			c.unindexLoop(e.Cycle)
			c.stream.Publish(ctx, notify.Event{
				Kind:        notify.LoopInvalidated,
				CanonicalID: id,
				Reason:      "step no longer holds",
			})
		}
		sh.mu.Unlock()
	}
}

// SweepExpired removes loops past their TTL. It is idempotent and runs on
// the scheduler's ticker.
func (c *Cache) SweepExpired(ctx context.Context) int {
	now := time.Now()
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			if now.After(e.ExpiresAt) {
				delete(sh.entries, id)
				c.unindexLoop(e.Cycle)
				c.stream.Publish(ctx, notify.Event{
					Kind:        notify.LoopInvalidated,
					CanonicalID: id,
					Reason:      "expired",
				})
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		logger.For(ctx).Debugf("swept %d expired loops", removed)
	}
	return removed
}

// cycleHolds checks every step of the cycle against the view: the sender
// still owns the representative NFT and the receiver still wants it.
func cycleHolds(view *graph.View, cycle persist.TradeCycle) bool {
	for _, s := range cycle.Steps {
		n := s.NFT()
		if view.Owner(n) != s.From || !view.Wants(s.To, n) {
			return false
		}
	}
	return true
}

func (c *Cache) indexLoop(cycle persist.TradeCycle) {
	c.idx.mu.Lock()
	defer c.idx.mu.Unlock()
	id := cycle.CanonicalID
	for _, s := range cycle.Steps {
		addToIndex(c.idx.byWallet, s.From, id)
		for _, n := range s.NFTs {
			addToIndex(c.idx.byNFT, n, id)
		}
		if s.SourceCollection != "" {
			addToIndex(c.idx.byCollection, s.SourceCollection, id)
		}
	}
}

func (c *Cache) unindexLoop(cycle persist.TradeCycle) {
	c.idx.mu.Lock()
	defer c.idx.mu.Unlock()
	id := cycle.CanonicalID
	for _, s := range cycle.Steps {
		dropFromIndex(c.idx.byWallet, s.From, id)
		for _, n := range s.NFTs {
			dropFromIndex(c.idx.byNFT, n, id)
		}
		if s.SourceCollection != "" {
			dropFromIndex(c.idx.byCollection, s.SourceCollection, id)
		}
	}
}

func addToIndex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = map[string]struct{}{}
		idx[key] = set
	}
	set[id] = struct{}{}
}

func dropFromIndex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for id := range set {
		out[id] = struct{}{}
	}
	return out
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}
