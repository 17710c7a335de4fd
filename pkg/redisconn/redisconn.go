// Package redisconn provides the shared redis client used by the cache
// backend, the scheduler lock and the usage rate limiter.
package redisconn

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrRedisNotReady = errors.New("redis_not_ready")

const (
	connectAttempts = 3
	retryInterval   = 200 * time.Millisecond
	pingTimeout     = 2 * time.Second
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Log       *zap.Logger
}

// New returns nil when redis is disabled. An unreachable server is logged but
// does not fail startup; callers degrade through their own availability checks.
func New(p Params) *redis.Client {
	if !p.Cfg.Redis.Enabled || strings.TrimSpace(p.Cfg.Redis.Addr) == "" {
		return nil
	}

	log := p.Log.Named("redis")
	client := redis.NewClient(&redis.Options{
		Addr:     p.Cfg.Redis.Addr,
		Password: p.Cfg.Redis.Password,
		DB:       p.Cfg.Redis.DB,
	})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := Ping(ctx, client); err != nil {
				log.Warn("redis not reachable at startup", zap.String("addr", p.Cfg.Redis.Addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

// Ping retries a few times before giving up.
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return ErrRedisNotReady
	}
	var lastErr error
	for range connectAttempts {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
	return errors.Join(ErrRedisNotReady, lastErr)
}
