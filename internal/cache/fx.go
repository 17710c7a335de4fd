package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache",
	fx.Provide(NewEntitlementCache),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Redis     *redis.Client `optional:"true"`
}

// NewEntitlementCache picks the backend from config. A redis backend without a
// redis client falls back to memory.
func NewEntitlementCache(p Params) EntitlementCache {
	log := p.Log.Named("cache")
	var c EntitlementCache
	switch {
	case p.Cfg.Cache.Backend == config.CacheBackendRedis && p.Redis != nil:
		c = NewRedisCache(p.Redis, p.Cfg.Cache.KeyPrefix, log)
	default:
		if p.Cfg.Cache.Backend == config.CacheBackendRedis {
			log.Warn("redis cache requested but redis is disabled, using memory")
		}
		c = NewMemoryCache(p.Clock.Now)
	}
	log.Info("entitlement cache ready", zap.String("backend", c.Backend()))

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
	return c
}
