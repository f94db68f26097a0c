package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obsmetrics "github.com/smallbiznis/ledgerd/internal/observability/metrics"
	"github.com/smallbiznis/ledgerd/internal/orgcontext"
	"github.com/smallbiznis/ledgerd/internal/ratelimit"
)

// OrgContextMiddleware scopes the request to an organization and livemode.
// Livemode defaults to live; test traffic must opt in explicitly.
func OrgContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgHeader := strings.TrimSpace(c.GetHeader("X-Org-Id"))
		if orgHeader == "" {
			AbortWithError(c, errMissingOrg)
			return
		}
		orgID, err := snowflake.ParseString(orgHeader)
		if err != nil || orgID == 0 {
			AbortWithError(c, errMissingOrg)
			return
		}

		livemode := true
		if mode := strings.TrimSpace(c.GetHeader("X-Livemode")); mode != "" {
			livemode = mode != "false" && mode != "0"
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), int64(orgID))
		ctx = orgcontext.WithLivemode(ctx, livemode)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CommandRateLimitMiddleware throttles ledger command dispatch per org.
func CommandRateLimitMiddleware(limiter *ratelimit.CommandLimiter, metrics *obsmetrics.Metrics) gin.HandlerFunc {
	return rateLimitMiddleware(metrics, "ledger_commands", func(c *gin.Context, orgID string) (bool, error) {
		return limiter.AllowCommand(c.Request.Context(), orgID)
	})
}

// IngestRateLimitMiddleware throttles usage ingest per org.
func IngestRateLimitMiddleware(limiter *ratelimit.CommandLimiter, metrics *obsmetrics.Metrics) gin.HandlerFunc {
	return rateLimitMiddleware(metrics, "usage_ingest", func(c *gin.Context, orgID string) (bool, error) {
		return limiter.AllowIngest(c.Request.Context(), orgID)
	})
}

func rateLimitMiddleware(metrics *obsmetrics.Metrics, endpoint string, allow func(*gin.Context, string) (bool, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		allowed, err := allow(c, orgID.String())
		if err != nil {
			// Redis being down must not take the write path with it.
			c.Next()
			return
		}
		if !allowed {
			if metrics != nil {
				metrics.RecordRateLimitDenied(c.Request.Context(), orgID.String(), endpoint)
			}
			AbortWithError(c, errRateLimited)
			return
		}
		c.Next()
	}
}
