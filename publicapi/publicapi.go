package publicapi

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/service/tenant"
	"github.com/swapslab/tradeloop/util"
)

const apiContextKey = "publicapi.api"

// PublicAPI is the operation surface of the engine, grouped by concern.
// Handlers resolve it from the request context with For.
type PublicAPI struct {
	registry  *tenant.Registry
	validator *validator.Validate

	Admin *AdminAPI
	Event *EventAPI
	Query *QueryAPI
}

// New assembles the API over a tenant registry.
func New(registry *tenant.Registry) *PublicAPI {
	v := validator.New()
	return &PublicAPI{
		registry:  registry,
		validator: v,
		Admin:     &AdminAPI{registry: registry, validator: v},
		Event:     &EventAPI{registry: registry, validator: v},
		Query:     &QueryAPI{registry: registry, validator: v},
	}
}

// Runtime exposes a tenant's runtime for transport-level integrations like
// the websocket stream.
func (api *PublicAPI) Runtime(ctx context.Context, id persist.TenantID) (*tenant.Runtime, error) {
	r, err := api.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// AddTo stashes the API on the gin context for downstream handlers.
func AddTo(ctx *gin.Context, api *PublicAPI) {
	ctx.Set(apiContextKey, api)
}

// For retrieves the API from a context carrying a gin context.
func For(ctx context.Context) *PublicAPI {
	gc := util.GinContextFromContext(ctx)
	return gc.Value(apiContextKey).(*PublicAPI)
}
