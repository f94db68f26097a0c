package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// OrgContextKey is the request context key for the active organization ID.
type OrgContextKey struct{}

// LivemodeContextKey is the request context key for the livemode flag.
type LivemodeContextKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// WithLivemode stores the livemode flag in the context. Test-mode requests
// never see production ledger rows and vice versa.
func WithLivemode(ctx context.Context, livemode bool) context.Context {
	return context.WithValue(ctx, LivemodeContextKey{}, livemode)
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}

	value := ctx.Value(OrgContextKey{})
	if value == nil {
		return 0, false
	}
	switch typed := value.(type) {
	case int64:
		return snowflake.ID(typed), true
	case snowflake.ID:
		return typed, true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// LivemodeFromContext returns the livemode flag, defaulting to live.
func LivemodeFromContext(ctx context.Context) bool {
	if ctx == nil {
		return true
	}
	if value, ok := ctx.Value(LivemodeContextKey{}).(bool); ok {
		return value
	}
	return true
}
