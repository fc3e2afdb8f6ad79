package graph

import (
	"context"

	"github.com/swapslab/tradeloop/service/persist"
)

// ExportedWallet is the serialized form of a wallet's state.
type ExportedWallet struct {
	ID                persist.WalletID       `json:"id"`
	Owned             []persist.NFTID        `json:"owned,omitempty"`
	DirectWants       []persist.NFTID        `json:"direct_wants,omitempty"`
	WantedCollections []persist.CollectionID `json:"wanted_collections,omitempty"`
}

// ExportedExpansion is a provenance tuple: the NFTs a wallet wants because
// of a collection subscription.
type ExportedExpansion struct {
	Wallet     persist.WalletID     `json:"wallet"`
	Collection persist.CollectionID `json:"collection"`
	NFTs       []persist.NFTID      `json:"nfts"`
}

// ExportedState is the schema-versioned snapshot of a tenant graph. Readers
// must ignore fields they do not recognize.
type ExportedState struct {
	SchemaVersion int              `json:"schema_version"`
	Tenant        persist.TenantID `json:"tenant"`
	Generation    uint64           `json:"generation"`
	Mutations     uint64           `json:"mutations"`

	NFTs        []persist.NFT                        `json:"nfts,omitempty"`
	Wallets     []ExportedWallet                     `json:"wallets,omitempty"`
	Collections map[persist.CollectionID][]persist.NFTID `json:"collections,omitempty"`
	Expansions  []ExportedExpansion                  `json:"expansions,omitempty"`
}

// SnapshotSchemaVersion is the current snapshot wire version.
const SnapshotSchemaVersion = 1

// Export serializes the graph under the read lock.
func (s *Store) Export() ExportedState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := ExportedState{
		SchemaVersion: SnapshotSchemaVersion,
		Tenant:        s.tenant,
		Generation:    s.generation,
		Mutations:     s.mutations,
		Collections:   map[persist.CollectionID][]persist.NFTID{},
	}

	for _, n := range s.nftIDsLocked() {
		state.NFTs = append(state.NFTs, s.nfts[n])
	}

	for _, w := range s.walletIDsLocked() {
		ws := s.wallets[w]
		ew := ExportedWallet{ID: w}
		for n := range ws.owned {
			ew.Owned = append(ew.Owned, n)
		}
		sortNFTs(ew.Owned)
		for n, info := range ws.wants {
			if info.direct {
				ew.DirectWants = append(ew.DirectWants, n)
			}
		}
		sortNFTs(ew.DirectWants)
		for k := range ws.wantedCollections {
			ew.WantedCollections = append(ew.WantedCollections, k)
		}
		sortCollections(ew.WantedCollections)
		state.Wallets = append(state.Wallets, ew)

		for _, k := range sortedCollectionKeys(s.expansionIndex[w]) {
			var ns []persist.NFTID
			for n := range s.expansionIndex[w][k] {
				ns = append(ns, n)
			}
			sortNFTs(ns)
			state.Expansions = append(state.Expansions, ExportedExpansion{Wallet: w, Collection: k, NFTs: ns})
		}
	}

	for k, members := range s.collectionMembers {
		var ns []persist.NFTID
		for n := range members {
			ns = append(ns, n)
		}
		sortNFTs(ns)
		state.Collections[k] = ns
	}

	return state
}

// Import replaces the graph with a previously exported state. Used only by
// crash recovery before the tenant admits new work.
func (s *Store) Import(state ExportedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation = state.Generation
	s.mutations = state.Mutations
	s.wallets = map[persist.WalletID]*walletState{}
	s.nfts = map[persist.NFTID]persist.NFT{}
	s.ownerIndex = map[persist.NFTID]persist.WalletID{}
	s.wantersIndex = map[persist.NFTID]map[persist.WalletID]struct{}{}
	s.collectionMembers = map[persist.CollectionID]map[persist.NFTID]struct{}{}
	s.collectionSubscribers = map[persist.CollectionID]map[persist.WalletID]struct{}{}
	s.expansionIndex = map[persist.WalletID]map[persist.CollectionID]map[persist.NFTID]struct{}{}

	for _, nft := range state.NFTs {
		s.nfts[nft.ID] = nft
	}

	for _, ew := range state.Wallets {
		ws := s.ensureWallet(ew.ID)
		for _, n := range ew.Owned {
			if cur, ok := s.ownerIndex[n]; ok && cur != ew.ID {
				return persist.ErrInvariantViolation{Tenant: s.tenant, Detail: "snapshot assigns nft " + n.String() + " to two owners"}
			}
			s.ownerIndex[n] = ew.ID
			ws.owned[n] = struct{}{}
		}
		for _, n := range ew.DirectWants {
			ws.wants[n] = &wantInfo{direct: true, collections: map[persist.CollectionID]struct{}{}}
			s.indexWantLocked(ew.ID, n)
		}
		for _, k := range ew.WantedCollections {
			ws.wantedCollections[k] = struct{}{}
			subs, ok := s.collectionSubscribers[k]
			if !ok {
				subs = map[persist.WalletID]struct{}{}
				s.collectionSubscribers[k] = subs
			}
			subs[ew.ID] = struct{}{}
		}
	}

	for k, ns := range state.Collections {
		members := map[persist.NFTID]struct{}{}
		for _, n := range ns {
			members[n] = struct{}{}
		}
		s.collectionMembers[k] = members
	}

	for _, ex := range state.Expansions {
		ws := s.ensureWallet(ex.Wallet)
		byCollection, ok := s.expansionIndex[ex.Wallet]
		if !ok {
			byCollection = map[persist.CollectionID]map[persist.NFTID]struct{}{}
			s.expansionIndex[ex.Wallet] = byCollection
		}
		set := map[persist.NFTID]struct{}{}
		for _, n := range ex.NFTs {
			set[n] = struct{}{}
			if info, ok := ws.wants[n]; ok {
				info.collections[ex.Collection] = struct{}{}
			} else {
				ws.wants[n] = &wantInfo{collections: map[persist.CollectionID]struct{}{ex.Collection: {}}}
				s.indexWantLocked(ex.Wallet, n)
			}
		}
		byCollection[ex.Collection] = set
	}

	return nil
}

// ApplyRecord replays a mutation record against the graph. Used by crash
// recovery to apply the log tail on top of a snapshot; errors from records
// that no longer apply are swallowed since the log can overlap the snapshot.
func (s *Store) ApplyRecord(rec persist.MutationRecord) {
	ctx := context.TODO()
	switch rec.Kind {
	case persist.MutationNFTAdded:
		nft := persist.NFT{ID: rec.NFT}
		if rec.Payload != nil {
			nft = *rec.Payload
		} else if known, ok := s.lookup(rec.NFT); ok {
			// Records from before the payload field carry only the id.
			nft = known
		}
		s.PutNFT(ctx, rec.Wallet, nft)
	case persist.MutationNFTRemoved:
		s.RemoveNFT(ctx, rec.NFT)
	case persist.MutationTransferred:
		s.Transfer(ctx, rec.NFT, rec.ToWallet)
	case persist.MutationWantAdded:
		s.AddWant(ctx, rec.Wallet, rec.NFT)
	case persist.MutationWantRemoved:
		s.RemoveWant(ctx, rec.Wallet, rec.NFT)
	case persist.MutationCollectionExpanded:
		if rec.CollectionDerived && rec.Wallet != "" {
			s.AddCollectionWant(ctx, rec.Wallet, rec.Collection)
		} else {
			s.applyMembershipDelta(ctx, rec.Collection, rec.AddedNFTs, nil)
		}
	case persist.MutationCollectionShrunk:
		if rec.Wallet != "" {
			s.RemoveCollectionWant(ctx, rec.Wallet, rec.Collection)
		} else {
			s.applyMembershipDelta(ctx, rec.Collection, nil, rec.RemovedNFTs)
		}
	}
}

func (s *Store) applyMembershipDelta(ctx context.Context, k persist.CollectionID, added, removed []persist.NFTID) {
	s.mu.RLock()
	current := make([]persist.NFTID, 0, len(s.collectionMembers[k]))
	for n := range s.collectionMembers[k] {
		current = append(current, n)
	}
	s.mu.RUnlock()

	next := map[persist.NFTID]struct{}{}
	for _, n := range current {
		next[n] = struct{}{}
	}
	for _, n := range added {
		next[n] = struct{}{}
	}
	for _, n := range removed {
		delete(next, n)
	}
	members := make([]persist.NFTID, 0, len(next))
	for n := range next {
		members = append(members, n)
	}
	sortNFTs(members)
	s.SetCollectionMembers(ctx, k, members)
}

func (s *Store) lookup(n persist.NFTID) (persist.NFT, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nft, ok := s.nfts[n]
	return nft, ok
}

func (s *Store) nftIDsLocked() []persist.NFTID {
	out := make([]persist.NFTID, 0, len(s.nfts))
	for n := range s.nfts {
		out = append(out, n)
	}
	sortNFTs(out)
	return out
}

func (s *Store) walletIDsLocked() []persist.WalletID {
	out := make([]persist.WalletID, 0, len(s.wallets))
	for w := range s.wallets {
		out = append(out, w)
	}
	sortWallets(out)
	return out
}

func sortedCollectionKeys(m map[persist.CollectionID]map[persist.NFTID]struct{}) []persist.CollectionID {
	out := make([]persist.CollectionID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortCollections(out)
	return out
}
