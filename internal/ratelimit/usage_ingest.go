package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
)

const keyUsageIngestTenant = "entitlements:usage:ingest:tenant:%s"

var ErrRateLimited = errors.New("rate_limited")

type UsageLimiterParams struct {
	fx.In

	Cfg   config.Config
	Redis *redis.Client `optional:"true"`
}

// UsageIngestLimiter throttles usage recording per tenant.
type UsageIngestLimiter struct {
	enabled bool
	bucket  *TokenBucket

	tenantRate  float64
	tenantBurst int
}

// NewUsageIngestLimiter returns a disabled limiter when rate limiting is off
// or redis is not configured.
func NewUsageIngestLimiter(p UsageLimiterParams) (*UsageIngestLimiter, error) {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled || p.Redis == nil {
		return &UsageIngestLimiter{}, nil
	}
	if limitCfg.UsageTenantRate <= 0 || limitCfg.UsageTenantBurst <= 0 {
		return nil, errors.New("usage ingest tenant rate limit must be positive")
	}
	return &UsageIngestLimiter{
		enabled:     true,
		bucket:      NewTokenBucket(p.Redis),
		tenantRate:  limitCfg.UsageTenantRate,
		tenantBurst: limitCfg.UsageTenantBurst,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *UsageIngestLimiter) AllowTenant(ctx context.Context, tenantID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestTenant, strings.TrimSpace(tenantID)), l.tenantRate, l.tenantBurst)
}
