package publicapi

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/service/scheduler"
	"github.com/swapslab/tradeloop/service/tenant"
)

// Ack is the response to a mutation submission. Accepted means the graph
// committed the change and a discovery was queued; the run fields are
// filled only when the discovery finished within the tenant's synchronous
// wait window.
type Ack struct {
	Accepted        bool              `json:"accepted"`
	Records         int               `json:"records"`
	Completed       bool              `json:"completed"`
	RunID           persist.RunID     `json:"run_id,omitempty"`
	Status          persist.RunStatus `json:"status,omitempty"`
	DiscoveredLoops int               `json:"discovered_loops"`
}

// EventAPI ingests graph mutations.
type EventAPI struct {
	registry  *tenant.Registry
	validator *validator.Validate
}

// SubmitInventory upserts a wallet's NFTs. Re-submitting unchanged
// ownership is a no-op; the first hard error aborts the batch but changes
// already committed still trigger discovery.
func (api *EventAPI) SubmitInventory(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID, nfts []persist.NFT) (Ack, error) {
	return api.apply(ctx, tenantID, func(r *tenant.Runtime) ([]persist.MutationRecord, error) {
		var recs []persist.MutationRecord
		for _, nft := range nfts {
			rec, err := r.Store().PutNFT(ctx, wallet, nft)
			if rec != nil {
				recs = append(recs, *rec)
			}
			if err != nil {
				return recs, err
			}
		}
		return recs, nil
	})
}

// RemoveInventory deletes an NFT from the tenant's graph.
func (api *EventAPI) RemoveInventory(ctx context.Context, tenantID persist.TenantID, nft persist.NFTID) (Ack, error) {
	return api.apply(ctx, tenantID, func(r *tenant.Runtime) ([]persist.MutationRecord, error) {
		rec, err := r.Store().RemoveNFT(ctx, nft)
		return optional(rec), err
	})
}

// SubmitWants registers direct wants and collection subscriptions for a
// wallet in one batch.
func (api *EventAPI) SubmitWants(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID, nfts []persist.NFTID, collections []persist.CollectionID) (Ack, error) {
	return api.apply(ctx, tenantID, func(r *tenant.Runtime) ([]persist.MutationRecord, error) {
		var recs []persist.MutationRecord
		for _, n := range nfts {
			rec, err := r.Store().AddWant(ctx, wallet, n)
			if rec != nil {
				recs = append(recs, *rec)
			}
			if err != nil {
				return recs, err
			}
		}
		for _, k := range collections {
			rec, err := r.Store().AddCollectionWant(ctx, wallet, k)
			if rec != nil {
				recs = append(recs, *rec)
			}
			if err != nil {
				return recs, err
			}
		}
		return recs, nil
	})
}

// RemoveWant retires a wallet's direct want. The want survives when a
// collection subscription still justifies it.
func (api *EventAPI) RemoveWant(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID, nft persist.NFTID) (Ack, error) {
	return api.apply(ctx, tenantID, func(r *tenant.Runtime) ([]persist.MutationRecord, error) {
		rec, err := r.Store().RemoveWant(ctx, wallet, nft)
		return optional(rec), err
	})
}

// RemoveCollectionWant retires a wallet's collection subscription and its
// derived wants.
func (api *EventAPI) RemoveCollectionWant(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID, collection persist.CollectionID) (Ack, error) {
	return api.apply(ctx, tenantID, func(r *tenant.Runtime) ([]persist.MutationRecord, error) {
		rec, err := r.Store().RemoveCollectionWant(ctx, wallet, collection)
		return optional(rec), err
	})
}

// NotifyTransfer moves ownership of an NFT between wallets.
func (api *EventAPI) NotifyTransfer(ctx context.Context, tenantID persist.TenantID, nft persist.NFTID, newOwner persist.WalletID) (Ack, error) {
	return api.apply(ctx, tenantID, func(r *tenant.Runtime) ([]persist.MutationRecord, error) {
		rec, err := r.Store().Transfer(ctx, nft, newOwner)
		return optional(rec), err
	})
}

// NotifyCollectionMembership replaces a collection's membership. A nil
// member list asks the external resolver for the current membership.
func (api *EventAPI) NotifyCollectionMembership(ctx context.Context, tenantID persist.TenantID, collection persist.CollectionID, members []persist.NFTID) (Ack, error) {
	return api.apply(ctx, tenantID, func(r *tenant.Runtime) ([]persist.MutationRecord, error) {
		if members == nil {
			resolved, err := r.Scheduler().ResolveCollection(ctx, collection)
			if err != nil {
				return nil, err
			}
			members = resolved
		}
		return r.Store().SetCollectionMembers(ctx, collection, members)
	})
}

// apply runs a graph mutation for the tenant, persists the emitted
// records, queues the coalesced discovery, and waits the synchronous
// window for the run's outcome.
func (api *EventAPI) apply(ctx context.Context, tenantID persist.TenantID, fn func(r *tenant.Runtime) ([]persist.MutationRecord, error)) (Ack, error) {
	r, err := api.registry.Get(tenantID)
	if err != nil {
		return Ack{}, err
	}
	if r.Quarantined() {
		return Ack{}, persist.ErrTenantQuarantined{Tenant: tenantID}
	}

	recs, mutErr := fn(r)
	if mutErr != nil {
		if iv, ok := mutErr.(persist.ErrInvariantViolation); ok {
			r.Quarantine(ctx, iv.Error())
		}
		if len(recs) == 0 {
			return Ack{}, mutErr
		}
	}
	if len(recs) == 0 {
		// Idempotent no-op; nothing to discover.
		return Ack{Accepted: true}, nil
	}

	for _, rec := range recs {
		r.Persist(ctx, rec)
	}

	ch, err := r.Scheduler().Submit(ctx, recs...)
	if err != nil {
		return Ack{Records: len(recs)}, err
	}

	ack := Ack{Accepted: true, Records: len(recs)}
	wait := r.Settings().SyncDiscoveryWait()
	if wait <= 0 {
		return ack, mutErr
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case out := <-ch:
		ack = withOutcome(ack, out)
	case <-timer.C:
	case <-ctx.Done():
	}
	return ack, mutErr
}

func withOutcome(ack Ack, out scheduler.Outcome) Ack {
	if out.Err != nil {
		return ack
	}
	ack.Completed = true
	ack.RunID = out.Result.RunID
	ack.Status = out.Result.Status
	ack.DiscoveredLoops = len(out.Result.Cycles)
	return ack
}

func optional(rec *persist.MutationRecord) []persist.MutationRecord {
	if rec == nil {
		return nil
	}
	return []persist.MutationRecord{*rec}
}
