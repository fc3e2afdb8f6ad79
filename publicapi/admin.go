package publicapi

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/service/tenant"
)

// AdminAPI is the tenant provisioning and operations surface.
type AdminAPI struct {
	registry  *tenant.Registry
	validator *validator.Validate
}

// CreateTenant provisions a new isolated tenant. settings may be nil for
// engine defaults.
func (api *AdminAPI) CreateTenant(ctx context.Context, name string, settings *persist.TenantSettings, persistEnabled bool) (persist.Tenant, error) {
	if name == "" {
		return persist.Tenant{}, persist.ErrInvalidArgument{Reason: "tenant name is required"}
	}
	return api.registry.Create(ctx, name, settings, persistEnabled)
}

// DeleteTenant tears a tenant down, including any persisted state.
func (api *AdminAPI) DeleteTenant(ctx context.Context, id persist.TenantID) error {
	return api.registry.Delete(ctx, id)
}

// ListTenants returns every tenant descriptor.
func (api *AdminAPI) ListTenants(ctx context.Context) []persist.Tenant {
	return api.registry.List()
}

// GetSettings returns the tenant's current settings.
func (api *AdminAPI) GetSettings(ctx context.Context, id persist.TenantID) (persist.TenantSettings, error) {
	r, err := api.registry.Get(id)
	if err != nil {
		return persist.TenantSettings{}, err
	}
	return r.Settings(), nil
}

// UpdateSettings swaps the tenant's settings after validation. In-flight
// runs finish under the settings they started with.
func (api *AdminAPI) UpdateSettings(ctx context.Context, id persist.TenantID, settings persist.TenantSettings) error {
	return api.registry.UpdateSettings(ctx, id, settings)
}

// Usage reports the tenant's live resource usage.
func (api *AdminAPI) Usage(ctx context.Context, id persist.TenantID) (persist.TenantUsage, error) {
	return api.registry.Usage(ctx, id)
}

// Snapshot forces an immediate full snapshot for a persistence-enabled
// tenant.
func (api *AdminAPI) Snapshot(ctx context.Context, id persist.TenantID) error {
	r, err := api.registry.Get(id)
	if err != nil {
		return err
	}
	if r.Bridge() == nil {
		return persist.ErrInvalidArgument{Reason: "persistence is not enabled for this tenant"}
	}
	return r.Bridge().Snapshot(ctx, r.Store().Export())
}
