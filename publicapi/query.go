package publicapi

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/swapslab/tradeloop/service/loopcache"
	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/service/tenant"
)

const maxPageSize = 200

// LoopPage is one page of active loops.
type LoopPage struct {
	Loops      []persist.ActiveLoop `json:"loops"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// QueryAPI serves read-only views of the active loop cache and graph.
// Reads stay available while a tenant is quarantined; only writes are
// fenced.
type QueryAPI struct {
	registry  *tenant.Registry
	validator *validator.Validate
}

// GetActiveLoops lists currently valid loops, optionally filtered to those
// touching a wallet, NFT, or collection.
func (api *QueryAPI) GetActiveLoops(ctx context.Context, tenantID persist.TenantID, filter loopcache.Filter, limit int, cursor string) (LoopPage, error) {
	r, err := api.registry.Get(tenantID)
	if err != nil {
		return LoopPage{}, err
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	loops, next := r.Cache().List(filter, limit, cursor)
	return LoopPage{Loops: loops, NextCursor: next}, nil
}

// GetLoopDetail returns a single active loop by canonical id.
func (api *QueryAPI) GetLoopDetail(ctx context.Context, tenantID persist.TenantID, canonicalID string) (persist.ActiveLoop, error) {
	r, err := api.registry.Get(tenantID)
	if err != nil {
		return persist.ActiveLoop{}, err
	}
	loop, ok := r.Cache().Get(canonicalID)
	if !ok {
		return persist.ActiveLoop{}, persist.ErrInvalidArgument{Reason: "no active loop with id " + canonicalID}
	}
	return loop, nil
}

// GetStats returns graph statistics from the current snapshot.
func (api *QueryAPI) GetStats(ctx context.Context, tenantID persist.TenantID) (persist.GraphStats, error) {
	r, err := api.registry.Get(tenantID)
	if err != nil {
		return persist.GraphStats{}, err
	}
	return r.Store().View().Stats(), nil
}
