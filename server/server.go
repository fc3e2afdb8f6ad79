package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/swapslab/tradeloop/env"
	"github.com/swapslab/tradeloop/middleware"
	"github.com/swapslab/tradeloop/publicapi"
	"github.com/swapslab/tradeloop/service/limit"
	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/service/sentryutil"
	"github.com/swapslab/tradeloop/util"
)

// NewRouter assembles the HTTP surface: admin routes behind the admin
// password, tenant routes behind tenant-scoped bearer tokens, and the
// websocket notification stream.
func NewRouter(api *publicapi.PublicAPI) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Sentry(), middleware.GinContextToContext())
	router.Use(func(c *gin.Context) {
		publicapi.AddTo(c, api)
		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	admin := router.Group("/admin", middleware.AdminRequired())
	admin.POST("/tenants", createTenant)
	admin.GET("/tenants", listTenants)
	admin.DELETE("/tenants/:tenantID", deleteTenant)
	admin.GET("/tenants/:tenantID/settings", getSettings)
	admin.PUT("/tenants/:tenantID/settings", updateSettings)
	admin.GET("/tenants/:tenantID/usage", usage)
	admin.POST("/tenants/:tenantID/snapshot", forceSnapshot)

	apiLimiter := limit.NewKeyRateLimiter(
		int64(env.GetInt("API_RATE_BURST", 100)),
		time.Duration(env.GetInt("API_RATE_MS", 1000))*time.Millisecond,
	)

	tenants := router.Group("/tenants/:tenantID", middleware.TenantRequired(), middleware.TenantRateLimited(apiLimiter))
	tenants.POST("/inventory", submitInventory)
	tenants.DELETE("/inventory/:nftID", removeInventory)
	tenants.POST("/wants", submitWants)
	tenants.DELETE("/wants/:nftID", removeWant)
	tenants.DELETE("/collection-wants/:collectionID", removeCollectionWant)
	tenants.POST("/transfers", notifyTransfer)
	tenants.PUT("/collections/:collectionID/members", setCollectionMembers)
	tenants.GET("/loops", getActiveLoops)
	tenants.GET("/loops/:canonicalID", getLoopDetail)
	tenants.GET("/stats", getStats)
	tenants.GET("/stream", streamEvents)

	return router
}

// respondError maps engine errors onto HTTP statuses. Unexpected errors go
// to sentry.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &persist.ErrUnknownTenant{}), errors.As(err, &persist.ErrUnknownNFT{}):
		status = http.StatusNotFound
	case errors.As(err, &persist.ErrDuplicateOwnership{}):
		status = http.StatusConflict
	case persist.IsInputError(err):
		status = http.StatusBadRequest
	case errors.Is(err, persist.ErrBusy), errors.Is(err, persist.ErrRateLimited), errors.Is(err, persist.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.As(err, &persist.ErrTenantQuarantined{}):
		status = http.StatusLocked
	case errors.Is(err, persist.ErrDependencyUnavailable), errors.Is(err, persist.ErrPersistenceDegraded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		sentryutil.ReportError(c.Request.Context(), err)
	}
	c.AbortWithStatusJSON(status, util.ErrorResponse{Error: err.Error()})
}
