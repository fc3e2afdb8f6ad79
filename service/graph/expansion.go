package graph

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/persist"
)

// AddCollectionWant subscribes a wallet to a collection and materializes a
// derived want for every current member the wallet does not own. Expansion
// is bounded by MaxCollectionSize with reservoir sampling at the cap.
func (s *Store) AddCollectionWant(ctx context.Context, w persist.WalletID, k persist.CollectionID) (*persist.MutationRecord, error) {
	if w == "" || k == "" {
		return nil, persist.ErrInvalidArgument{Reason: "wallet and collection ids are required"}
	}

	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.ensureWallet(w)
	if _, ok := ws.wantedCollections[k]; ok {
		return nil, nil
	}
	ws.wantedCollections[k] = struct{}{}

	subs, ok := s.collectionSubscribers[k]
	if !ok {
		subs = map[persist.WalletID]struct{}{}
		s.collectionSubscribers[k] = subs
	}
	subs[w] = struct{}{}

	candidates := make([]persist.NFTID, 0, len(s.collectionMembers[k]))
	for n := range s.collectionMembers[k] {
		if s.ownerIndex[n] != w {
			candidates = append(candidates, n)
		}
	}
	sortNFTs(candidates)

	maxSize := s.settings().MaxCollectionSize
	originalSize := len(candidates)
	sampled := false
	if len(candidates) > maxSize {
		candidates = reservoirSample(candidates, maxSize, expansionSeed(s.tenant, w, k))
		sampled = true
	}

	var expanded []persist.NFTID
	affected := map[persist.WalletID]struct{}{w: {}}
	for _, n := range candidates {
		if s.addDerivedWantLocked(w, k, n) {
			expanded = append(expanded, n)
			if owner, ok := s.ownerIndex[n]; ok {
				affected[owner] = struct{}{}
			}
		}
	}

	s.reportExpansion(ctx, k, originalSize, len(expanded), sampled, time.Since(start))

	rec := s.record(persist.MutationCollectionExpanded)
	rec.Wallet = w
	rec.Collection = k
	rec.AddedNFTs = expanded
	rec.CollectionDerived = true
	rec.PartialSampling = sampled
	rec.AffectedWallets = walletSetToSlice(affected)
	return &rec, nil
}

// RemoveCollectionWant unsubscribes a wallet from a collection and retires
// every derived want whose only justification was that subscription.
// Direct wants persist.
func (s *Store) RemoveCollectionWant(ctx context.Context, w persist.WalletID, k persist.CollectionID) (*persist.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.wallets[w]
	if !ok {
		return nil, nil
	}
	if _, ok := ws.wantedCollections[k]; !ok {
		return nil, nil
	}
	delete(ws.wantedCollections, k)
	if subs, ok := s.collectionSubscribers[k]; ok {
		delete(subs, w)
		if len(subs) == 0 {
			delete(s.collectionSubscribers, k)
		}
	}

	var retired []persist.NFTID
	for n := range s.expansionIndex[w][k] {
		retired = append(retired, n)
	}
	sortNFTs(retired)
	affected := map[persist.WalletID]struct{}{w: {}}
	for _, n := range retired {
		if s.retireDerivedWantLocked(w, k, n) {
			if owner, ok := s.ownerIndex[n]; ok {
				affected[owner] = struct{}{}
			}
		}
	}
	s.pruneWallet(w)

	rec := s.record(persist.MutationCollectionShrunk)
	rec.Wallet = w
	rec.Collection = k
	rec.RemovedNFTs = retired
	rec.AffectedWallets = walletSetToSlice(affected)
	return &rec, nil
}

// addDerivedWantLocked records provenance and materializes the want. It is
// a no-op when the wallet owns the NFT or the (wallet, collection) cap is
// reached.
func (s *Store) addDerivedWantLocked(w persist.WalletID, k persist.CollectionID, n persist.NFTID) bool {
	if s.ownerIndex[n] == w {
		return false
	}

	byCollection, ok := s.expansionIndex[w]
	if !ok {
		byCollection = map[persist.CollectionID]map[persist.NFTID]struct{}{}
		s.expansionIndex[w] = byCollection
	}
	set, ok := byCollection[k]
	if !ok {
		set = map[persist.NFTID]struct{}{}
		byCollection[k] = set
	}
	if _, ok := set[n]; ok {
		return false
	}
	if len(set) >= s.settings().MaxCollectionSize {
		return false
	}
	set[n] = struct{}{}

	ws := s.ensureWallet(w)
	if info, ok := ws.wants[n]; ok {
		info.collections[k] = struct{}{}
		return true
	}
	ws.wants[n] = &wantInfo{collections: map[persist.CollectionID]struct{}{k: {}}}
	s.indexWantLocked(w, n)
	return true
}

// retireDerivedWantLocked removes the k-membership justification for w's
// want of n. Reports whether the want itself was removed.
func (s *Store) retireDerivedWantLocked(w persist.WalletID, k persist.CollectionID, n persist.NFTID) bool {
	if byCollection, ok := s.expansionIndex[w]; ok {
		if set, ok := byCollection[k]; ok {
			delete(set, n)
			if len(set) == 0 {
				delete(byCollection, k)
			}
		}
		if len(byCollection) == 0 {
			delete(s.expansionIndex, w)
		}
	}

	ws, ok := s.wallets[w]
	if !ok {
		return false
	}
	info, ok := ws.wants[n]
	if !ok {
		return false
	}
	delete(info.collections, k)
	if info.justified() {
		return false
	}
	delete(ws.wants, n)
	s.unindexWantLocked(w, n)
	return true
}

// expandMemberToSubscribersLocked materializes derived wants for a new
// collection member across every subscriber. Returns the wallets that
// gained a want and whether any subscriber hit its expansion cap.
func (s *Store) expandMemberToSubscribersLocked(ctx context.Context, k persist.CollectionID, n persist.NFTID) ([]persist.WalletID, bool) {
	var expandedTo []persist.WalletID
	capped := false
	for w := range s.collectionSubscribers[k] {
		set := s.expansionIndex[w][k]
		if len(set) >= s.settings().MaxCollectionSize {
			capped = true
			continue
		}
		if s.addDerivedWantLocked(w, k, n) {
			expandedTo = append(expandedTo, w)
		}
	}
	sortWallets(expandedTo)
	return expandedTo, capped
}

func (s *Store) reportExpansion(ctx context.Context, k persist.CollectionID, original, expanded int, sampled bool, d time.Duration) {
	tags := metric.LogOptions.WithTags(map[string]string{
		"tenant":     s.tenant.String(),
		"collection": k.String(),
	})
	msg := metric.LogOptions.WithLogMessage("collection expansion")
	s.metrics.Record(ctx, metric.Measure{Name: "expansion.original_size", Value: float64(original)}, tags, msg)
	s.metrics.Record(ctx, metric.Measure{Name: "expansion.expanded_size", Value: float64(expanded)}, tags)
	s.metrics.Record(ctx, metric.Measure{Name: "expansion.duration_ms", Value: float64(d.Milliseconds())}, tags)
	if sampled {
		s.metrics.Record(ctx, metric.Measure{Name: "expansion.sampled", Value: 1}, tags)
	}
}

// reservoirSample picks size elements from members with a deterministic
// seed so repeated expansions of the same (wallet, collection) agree.
func reservoirSample(members []persist.NFTID, size int, seed int64) []persist.NFTID {
	rng := rand.New(rand.NewSource(seed))
	out := make([]persist.NFTID, size)
	copy(out, members[:size])
	for i := size; i < len(members); i++ {
		j := rng.Intn(i + 1)
		if j < size {
			out[j] = members[i]
		}
	}
	sortNFTs(out)
	return out
}

func expansionSeed(t persist.TenantID, w persist.WalletID, k persist.CollectionID) int64 {
	h := sha3.Sum256([]byte(string(t) + "|" + string(w) + "|" + string(k)))
	return int64(binary.BigEndian.Uint64(h[:8]))
}

func sortNFTs(ns []persist.NFTID) {
	sort.Slice(ns, func(i, j int) bool { return ns[i] < ns[j] })
}

func sortWallets(ws []persist.WalletID) {
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
}

func sortCollections(ks []persist.CollectionID) {
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
}
