package graph

import (
	"context"
	"sync"
	"time"

	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/persist"
)

// wantInfo tracks every justification for a single want. A want survives as
// long as it has the direct flag or at least one source collection.
type wantInfo struct {
	direct      bool
	collections map[persist.CollectionID]struct{}
}

func (w *wantInfo) justified() bool {
	return w.direct || len(w.collections) > 0
}

type walletState struct {
	owned             map[persist.NFTID]struct{}
	wants             map[persist.NFTID]*wantInfo
	wantedCollections map[persist.CollectionID]struct{}
}

func (w *walletState) empty() bool {
	return len(w.owned) == 0 && len(w.wants) == 0 && len(w.wantedCollections) == 0
}

func newWalletState() *walletState {
	return &walletState{
		owned:             map[persist.NFTID]struct{}{},
		wants:             map[persist.NFTID]*wantInfo{},
		wantedCollections: map[persist.CollectionID]struct{}{},
	}
}

// Store is the per-tenant authoritative in-memory graph. It follows a
// single-writer discipline: every mutation runs under the write lock, bumps
// the generation, and emits a mutation record. Reads build snapshot views
// under the read lock.
type Store struct {
	tenant   persist.TenantID
	settings func() persist.TenantSettings
	metrics  metric.MetricReporter

	mu         sync.RWMutex
	generation uint64
	mutations  uint64

	wallets               map[persist.WalletID]*walletState
	nfts                  map[persist.NFTID]persist.NFT
	ownerIndex            map[persist.NFTID]persist.WalletID
	wantersIndex          map[persist.NFTID]map[persist.WalletID]struct{}
	collectionMembers     map[persist.CollectionID]map[persist.NFTID]struct{}
	collectionSubscribers map[persist.CollectionID]map[persist.WalletID]struct{}
	// expansionIndex keeps (wallet, collection) -> expanded NFTs provenance
	// so derived wants can be retired when membership changes.
	expansionIndex map[persist.WalletID]map[persist.CollectionID]map[persist.NFTID]struct{}
}

// NewStore returns an empty graph for the tenant. The settings getter is
// re-read on every operation so settings updates apply without restarts.
func NewStore(tenant persist.TenantID, settings func() persist.TenantSettings, metrics metric.MetricReporter) *Store {
	return &Store{
		tenant:                tenant,
		settings:              settings,
		metrics:               metrics,
		wallets:               map[persist.WalletID]*walletState{},
		nfts:                  map[persist.NFTID]persist.NFT{},
		ownerIndex:            map[persist.NFTID]persist.WalletID{},
		wantersIndex:          map[persist.NFTID]map[persist.WalletID]struct{}{},
		collectionMembers:     map[persist.CollectionID]map[persist.NFTID]struct{}{},
		collectionSubscribers: map[persist.CollectionID]map[persist.WalletID]struct{}{},
		expansionIndex:        map[persist.WalletID]map[persist.CollectionID]map[persist.NFTID]struct{}{},
	}
}

// Generation returns the current mutation generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// MutationsApplied returns the count of committed write transactions.
func (s *Store) MutationsApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mutations
}

func (s *Store) record(kind persist.MutationKind) persist.MutationRecord {
	s.generation++
	s.mutations++
	return persist.MutationRecord{
		SchemaVersion: persist.MutationSchemaVersion,
		Kind:          kind,
		Tenant:        s.tenant,
		Generation:    s.generation,
		OccurredAt:    time.Now(),
	}
}

func (s *Store) ensureWallet(w persist.WalletID) *walletState {
	ws, ok := s.wallets[w]
	if !ok {
		ws = newWalletState()
		s.wallets[w] = ws
	}
	return ws
}

func (s *Store) pruneWallet(w persist.WalletID) {
	if ws, ok := s.wallets[w]; ok && ws.empty() {
		delete(s.wallets, w)
	}
}

func (s *Store) wanters(n persist.NFTID) []persist.WalletID {
	out := make([]persist.WalletID, 0, len(s.wantersIndex[n]))
	for w := range s.wantersIndex[n] {
		out = append(out, w)
	}
	return out
}

// PutNFT registers ownership of an NFT by a wallet. It is an idempotent
// upsert: re-submitting an NFT already owned by the same wallet refreshes
// its metadata and emits no record. Returns ErrDuplicateOwnership when the
// NFT is owned by another wallet.
func (s *Store) PutNFT(ctx context.Context, owner persist.WalletID, nft persist.NFT) (*persist.MutationRecord, error) {
	if owner == "" || nft.ID == "" {
		return nil, persist.ErrInvalidArgument{Reason: "wallet and nft ids are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.ownerIndex[nft.ID]; ok {
		if cur != owner {
			return nil, persist.ErrDuplicateOwnership{NFT: nft.ID, Owner: cur}
		}
		s.nfts[nft.ID] = nft
		return nil, nil
	}

	ws := s.ensureWallet(owner)
	if len(ws.owned) >= s.settings().MaxNFTsPerWallet {
		return nil, persist.ErrQuotaExceeded
	}

	s.nfts[nft.ID] = nft
	s.ownerIndex[nft.ID] = owner
	ws.owned[nft.ID] = struct{}{}

	// An owner never wants its own NFT.
	s.dropWantLocked(owner, nft.ID)

	rec := s.record(persist.MutationNFTAdded)
	rec.NFT = nft.ID
	rec.Wallet = owner
	rec.Payload = &nft
	rec.AffectedWallets = append([]persist.WalletID{owner}, s.wanters(nft.ID)...)

	if nft.Collection != "" {
		s.addCollectionMemberLocked(nft.Collection, nft.ID)
		expandedTo, sampled := s.expandMemberToSubscribersLocked(ctx, nft.Collection, nft.ID)
		rec.AffectedWallets = append(rec.AffectedWallets, expandedTo...)
		rec.PartialSampling = sampled
	}
	rec.AffectedWallets = dedupeWallets(rec.AffectedWallets)

	return &rec, nil
}

// RemoveNFT deletes an NFT from the graph entirely, retiring every want
// pointing at it.
func (s *Store) RemoveNFT(ctx context.Context, n persist.NFTID) (*persist.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.ownerIndex[n]
	if !ok {
		return nil, persist.ErrUnknownNFT{NFT: n}
	}

	affected := append([]persist.WalletID{owner}, s.wanters(n)...)

	if ws, ok := s.wallets[owner]; ok {
		delete(ws.owned, n)
	}
	delete(s.ownerIndex, n)
	for w := range s.wantersIndex[n] {
		if ws, ok := s.wallets[w]; ok {
			delete(ws.wants, n)
			s.cleanExpansionLocked(w, n)
			s.pruneWallet(w)
		}
	}
	delete(s.wantersIndex, n)

	if nft, ok := s.nfts[n]; ok && nft.Collection != "" {
		if members, ok := s.collectionMembers[nft.Collection]; ok {
			delete(members, n)
			if len(members) == 0 {
				delete(s.collectionMembers, nft.Collection)
			}
		}
	}
	delete(s.nfts, n)
	s.pruneWallet(owner)

	rec := s.record(persist.MutationNFTRemoved)
	rec.NFT = n
	rec.Wallet = owner
	rec.AffectedWallets = dedupeWallets(affected)
	return &rec, nil
}

// Transfer moves ownership of an NFT to a new wallet. The new owner's want
// for the NFT, if any, is retired inside the same transaction.
func (s *Store) Transfer(ctx context.Context, n persist.NFTID, newOwner persist.WalletID) (*persist.MutationRecord, error) {
	if newOwner == "" {
		return nil, persist.ErrInvalidArgument{Reason: "new owner is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldOwner, ok := s.ownerIndex[n]
	if !ok {
		return nil, persist.ErrUnknownNFT{NFT: n}
	}
	if oldOwner == newOwner {
		return nil, nil
	}

	affected := append([]persist.WalletID{oldOwner, newOwner}, s.wanters(n)...)

	if ws, ok := s.wallets[oldOwner]; ok {
		delete(ws.owned, n)
	}
	nws := s.ensureWallet(newOwner)
	nws.owned[n] = struct{}{}
	s.ownerIndex[n] = newOwner

	s.dropWantLocked(newOwner, n)
	s.pruneWallet(oldOwner)

	rec := s.record(persist.MutationTransferred)
	rec.NFT = n
	rec.FromWallet = oldOwner
	rec.ToWallet = newOwner
	rec.AffectedWallets = dedupeWallets(affected)
	return &rec, nil
}

// AddWant registers a direct want by a wallet for a concrete NFT. Wants on
// NFTs the graph has not seen yet are accepted; the edge materializes when
// the NFT arrives.
func (s *Store) AddWant(ctx context.Context, w persist.WalletID, n persist.NFTID) (*persist.MutationRecord, error) {
	if w == "" || n == "" {
		return nil, persist.ErrInvalidArgument{Reason: "wallet and nft ids are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ownerIndex[n] == w {
		return nil, persist.ErrSelfWant{Wallet: w, NFT: n}
	}

	ws := s.ensureWallet(w)
	if info, ok := ws.wants[n]; ok {
		if info.direct {
			return nil, nil
		}
		info.direct = true
	} else {
		if len(ws.wants) >= s.settings().MaxWantsPerWallet {
			s.pruneWallet(w)
			return nil, persist.ErrQuotaExceeded
		}
		ws.wants[n] = &wantInfo{direct: true, collections: map[persist.CollectionID]struct{}{}}
		s.indexWantLocked(w, n)
	}

	rec := s.record(persist.MutationWantAdded)
	rec.NFT = n
	rec.Wallet = w
	rec.AffectedWallets = []persist.WalletID{w}
	if owner, ok := s.ownerIndex[n]; ok {
		rec.AffectedWallets = append(rec.AffectedWallets, owner)
	}
	return &rec, nil
}

// RemoveWant retires the direct justification of a want. The want survives
// if collection expansions still justify it.
func (s *Store) RemoveWant(ctx context.Context, w persist.WalletID, n persist.NFTID) (*persist.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.wallets[w]
	if !ok {
		return nil, nil
	}
	info, ok := ws.wants[n]
	if !ok || !info.direct {
		return nil, nil
	}
	info.direct = false
	removed := false
	if !info.justified() {
		delete(ws.wants, n)
		s.unindexWantLocked(w, n)
		removed = true
	}
	s.pruneWallet(w)

	if !removed {
		return nil, nil
	}

	rec := s.record(persist.MutationWantRemoved)
	rec.NFT = n
	rec.Wallet = w
	rec.AffectedWallets = []persist.WalletID{w}
	if owner, ok := s.ownerIndex[n]; ok {
		rec.AffectedWallets = append(rec.AffectedWallets, owner)
	}
	return &rec, nil
}

// SetCollectionMembers replaces the membership of a collection, expanding
// new members to subscribers and retiring derived wants for removed ones.
// It can emit up to two records: an expansion and a shrink.
func (s *Store) SetCollectionMembers(ctx context.Context, k persist.CollectionID, members []persist.NFTID) ([]persist.MutationRecord, error) {
	if k == "" {
		return nil, persist.ErrInvalidArgument{Reason: "collection id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[persist.NFTID]struct{}, len(members))
	for _, n := range members {
		next[n] = struct{}{}
	}
	prev := s.collectionMembers[k]

	var added, removed []persist.NFTID
	for n := range next {
		if _, ok := prev[n]; !ok {
			added = append(added, n)
		}
	}
	for n := range prev {
		if _, ok := next[n]; !ok {
			removed = append(removed, n)
		}
	}
	sortNFTs(added)
	sortNFTs(removed)

	if len(next) == 0 {
		delete(s.collectionMembers, k)
	} else {
		s.collectionMembers[k] = next
	}

	var records []persist.MutationRecord

	if len(added) > 0 {
		affected := map[persist.WalletID]struct{}{}
		sampledAny := false
		for _, n := range added {
			expanded, sampled := s.expandMemberToSubscribersLocked(ctx, k, n)
			sampledAny = sampledAny || sampled
			for _, w := range expanded {
				affected[w] = struct{}{}
			}
			if owner, ok := s.ownerIndex[n]; ok {
				affected[owner] = struct{}{}
			}
			for _, w := range s.wanters(n) {
				affected[w] = struct{}{}
			}
		}
		rec := s.record(persist.MutationCollectionExpanded)
		rec.Collection = k
		rec.AddedNFTs = added
		rec.PartialSampling = sampledAny
		rec.AffectedWallets = walletSetToSlice(affected)
		records = append(records, rec)
	}

	if len(removed) > 0 {
		affected := map[persist.WalletID]struct{}{}
		for _, n := range removed {
			for w := range s.collectionSubscribers[k] {
				if s.retireDerivedWantLocked(w, k, n) {
					affected[w] = struct{}{}
				}
			}
			if owner, ok := s.ownerIndex[n]; ok {
				affected[owner] = struct{}{}
			}
			for _, w := range s.wanters(n) {
				affected[w] = struct{}{}
			}
		}
		rec := s.record(persist.MutationCollectionShrunk)
		rec.Collection = k
		rec.RemovedNFTs = removed
		rec.AffectedWallets = walletSetToSlice(affected)
		records = append(records, rec)
	}

	return records, nil
}

// dropWantLocked removes a want entirely, regardless of justification.
func (s *Store) dropWantLocked(w persist.WalletID, n persist.NFTID) {
	ws, ok := s.wallets[w]
	if !ok {
		return
	}
	if _, ok := ws.wants[n]; !ok {
		return
	}
	delete(ws.wants, n)
	s.unindexWantLocked(w, n)
	s.cleanExpansionLocked(w, n)
}

func (s *Store) indexWantLocked(w persist.WalletID, n persist.NFTID) {
	set, ok := s.wantersIndex[n]
	if !ok {
		set = map[persist.WalletID]struct{}{}
		s.wantersIndex[n] = set
	}
	set[w] = struct{}{}
}

func (s *Store) unindexWantLocked(w persist.WalletID, n persist.NFTID) {
	if set, ok := s.wantersIndex[n]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(s.wantersIndex, n)
		}
	}
}

// cleanExpansionLocked drops every provenance entry pointing at n for w.
func (s *Store) cleanExpansionLocked(w persist.WalletID, n persist.NFTID) {
	for k, set := range s.expansionIndex[w] {
		delete(set, n)
		if len(set) == 0 {
			delete(s.expansionIndex[w], k)
		}
	}
	if len(s.expansionIndex[w]) == 0 {
		delete(s.expansionIndex, w)
	}
}

func (s *Store) addCollectionMemberLocked(k persist.CollectionID, n persist.NFTID) {
	members, ok := s.collectionMembers[k]
	if !ok {
		members = map[persist.NFTID]struct{}{}
		s.collectionMembers[k] = members
	}
	members[n] = struct{}{}
}

func dedupeWallets(ws []persist.WalletID) []persist.WalletID {
	seen := make(map[persist.WalletID]struct{}, len(ws))
	out := ws[:0]
	for _, w := range ws {
		if _, ok := seen[w]; !ok {
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}

func walletSetToSlice(set map[persist.WalletID]struct{}) []persist.WalletID {
	out := make([]persist.WalletID, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sortWallets(out)
	return out
}
