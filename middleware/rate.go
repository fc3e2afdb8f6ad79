package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swapslab/tradeloop/service/limit"
	"github.com/swapslab/tradeloop/util"
)

// TenantRateLimited applies a token bucket per authenticated tenant,
// falling back to client IP for unauthenticated routes.
func TenantRateLimited(lim *limit.KeyRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := TenantFromContext(c).String()
		if key == "" {
			key = c.ClientIP()
		}

		ok, wait, err := lim.ForKey(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, util.ErrorResponse{Error: err.Error()})
			return
		}
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%.0f", wait.Seconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, util.ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
