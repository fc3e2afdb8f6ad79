package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	sentrygin "github.com/getsentry/sentry-go/gin"

	"github.com/swapslab/tradeloop/env"
	"github.com/swapslab/tradeloop/service/auth"
	"github.com/swapslab/tradeloop/service/logger"
	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/util"
)

const tenantContextKey = "middleware.tenant"

// GinContextToContext makes the gin context reachable through the standard
// request context so lower layers can recover it with
// util.GinContextFromContext.
func GinContextToContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), util.GinContextKey, c))
		c.Next()
	}
}

// Sentry reports panics and attached errors, repanicking so gin's recovery
// still produces the 500.
func Sentry() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{Repanic: true})
}

// AdminRequired gates the tenant provisioning surface.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != env.GetString("ADMIN_PASS") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, util.ErrorResponse{Error: "Unauthorized"})
			return
		}
		c.Next()
	}
}

// TenantRequired validates the bearer token and checks that it is scoped to
// the tenant named in the route. The authenticated tenant id lands on the
// context for handlers.
func TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.StripBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, util.ErrorResponse{Error: "Unauthorized"})
			return
		}

		tenantID, err := auth.ParseTenantToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, util.ErrorResponse{Error: err.Error()})
			return
		}

		if routed := c.Param("tenantID"); routed != "" && routed != tenantID.String() {
			logger.For(c.Request.Context()).Warnf("token for tenant %s used against tenant %s", tenantID, routed)
			c.AbortWithStatusJSON(http.StatusForbidden, util.ErrorResponse{Error: "token not valid for this tenant"})
			return
		}

		c.Set(tenantContextKey, tenantID)
		c.Next()
	}
}

// TenantFromContext returns the authenticated tenant set by TenantRequired.
func TenantFromContext(c *gin.Context) persist.TenantID {
	if id, ok := c.Get(tenantContextKey); ok {
		return id.(persist.TenantID)
	}
	return ""
}
