package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

const DefaultTTL = 5 * time.Minute

var ErrCacheUnavailable = errors.New("cache_unavailable")

// EntitlementCache stores one snapshot per tenant. Implementations must be
// interchangeable; callers use Available to tell "backend down" apart from
// "key not present".
type EntitlementCache interface {
	Get(ctx context.Context, tenantID snowflake.ID) (entdomain.Snapshot, bool, error)
	Set(ctx context.Context, tenantID snowflake.ID, snapshot entdomain.Snapshot, ttl time.Duration) error
	Invalidate(ctx context.Context, tenantID snowflake.ID) error
	InvalidateAll(ctx context.Context) error
	Available() bool
	Backend() string
	Close() error
}
