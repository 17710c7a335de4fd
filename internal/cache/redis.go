package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/zap"
)

const (
	BackendRedis = "redis"

	defaultKeyPrefix = "entitlements"
	recheckInterval  = 5 * time.Second
	opTimeout        = 500 * time.Millisecond
)

// redisCache stores JSON snapshots under a generation-scoped key. Bumping the
// generation counter orphans every key at once; orphans age out on their TTL.
type redisCache struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	available   bool
	lastFailure time.Time
}

func NewRedisCache(client *redis.Client, prefix string, log *zap.Logger) EntitlementCache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &redisCache{
		client:    client,
		prefix:    prefix,
		log:       log.Named("cache.redis"),
		now:       time.Now,
		available: client != nil,
	}
}

func (r *redisCache) generationKey() string {
	return r.prefix + ":generation"
}

func (r *redisCache) snapshotKey(generation int64, tenantID snowflake.ID) string {
	return fmt.Sprintf("%s:snapshot:%d:%s", r.prefix, generation, tenantID.String())
}

func (r *redisCache) generation(ctx context.Context) (int64, error) {
	raw, err := r.client.Get(ctx, r.generationKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (r *redisCache) Get(ctx context.Context, tenantID snowflake.ID) (entdomain.Snapshot, bool, error) {
	if !r.Available() {
		return entdomain.Snapshot{}, false, ErrCacheUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	gen, err := r.generation(ctx)
	if err != nil {
		return entdomain.Snapshot{}, false, r.fail(err)
	}
	raw, err := r.client.Get(ctx, r.snapshotKey(gen, tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.succeed()
		return entdomain.Snapshot{}, false, nil
	}
	if err != nil {
		return entdomain.Snapshot{}, false, r.fail(err)
	}
	r.succeed()

	var snap entdomain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// unreadable entries are dropped and treated as a miss
		r.log.Warn("discarding undecodable snapshot", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		_ = r.client.Del(ctx, r.snapshotKey(gen, tenantID)).Err()
		return entdomain.Snapshot{}, false, nil
	}
	if snap.SchemaVersion != entdomain.SchemaVersion {
		return entdomain.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (r *redisCache) Set(ctx context.Context, tenantID snowflake.ID, snapshot entdomain.Snapshot, ttl time.Duration) error {
	if !r.Available() {
		return ErrCacheUnavailable
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	gen, err := r.generation(ctx)
	if err != nil {
		return r.fail(err)
	}
	if err := r.client.Set(ctx, r.snapshotKey(gen, tenantID), payload, ttl).Err(); err != nil {
		return r.fail(err)
	}
	r.succeed()
	return nil
}

func (r *redisCache) Invalidate(ctx context.Context, tenantID snowflake.ID) error {
	if !r.Available() {
		return ErrCacheUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	gen, err := r.generation(ctx)
	if err != nil {
		return r.fail(err)
	}
	if err := r.client.Del(ctx, r.snapshotKey(gen, tenantID)).Err(); err != nil {
		return r.fail(err)
	}
	r.succeed()
	return nil
}

func (r *redisCache) InvalidateAll(ctx context.Context) error {
	if !r.Available() {
		return ErrCacheUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.Incr(ctx, r.generationKey()).Err(); err != nil {
		return r.fail(err)
	}
	r.succeed()
	return nil
}

// Available reports false after a connection failure until recheckInterval
// has passed, then lets one call probe the server again.
func (r *redisCache) Available() bool {
	if r.client == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.available {
		return true
	}
	if r.now().Sub(r.lastFailure) >= recheckInterval {
		r.available = true
	}
	return r.available
}

func (r *redisCache) Backend() string { return BackendRedis }

// Close leaves the client open; pkg/redisconn owns its lifecycle.
func (r *redisCache) Close() error { return nil }

func (r *redisCache) fail(err error) error {
	r.mu.Lock()
	wasAvailable := r.available
	r.available = false
	r.lastFailure = r.now()
	r.mu.Unlock()
	if wasAvailable {
		r.log.Warn("redis cache unavailable", zap.Error(err))
	}
	return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
}

func (r *redisCache) succeed() {
	r.mu.Lock()
	r.available = true
	r.mu.Unlock()
}
