package cache

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/clock"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTTLCacheExpiresOnRead(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCacheWithClock[string, int](clk.Now)

	c.Set("a", 1, time.Minute)
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	clk.Advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheExpiredReadKeepsRefreshedEntry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCacheWithClock[string, int](clk.Now)
	c.Set("a", 1, time.Minute)
	clk.Advance(time.Minute)

	// A writer refreshes the key between a reader seeing it expired and the
	// reader's delete.
	c.Set("a", 2, time.Minute)
	c.deleteExpired("a")

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestTTLCacheSweep(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCacheWithClock[string, int](clk.Now)
	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)

	clk.Advance(time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCacheNeverServesPastTTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryCache(clk.Now)
	tenant := snowflake.ID(42)

	snap := entdomain.Snapshot{TenantID: tenant, Tier: "PRO", Features: []string{"a"}, SchemaVersion: entdomain.SchemaVersion}
	require.NoError(t, c.Set(ctx, tenant, snap, 5*time.Minute))

	clk.Advance(4*time.Minute + 59*time.Second)
	got, ok, err := c.Get(ctx, tenant)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PRO", got.Tier)

	clk.Advance(time.Second)
	_, ok, err = c.Get(ctx, tenant)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Now)
	tenant := snowflake.ID(7)
	require.NoError(t, c.Set(ctx, tenant, entdomain.Snapshot{TenantID: tenant, Features: []string{"a"}}, time.Minute))

	got, ok, _ := c.Get(ctx, tenant)
	require.True(t, ok)
	got.Features[0] = "mutated"

	again, _, _ := c.Get(ctx, tenant)
	assert.Equal(t, "a", again.Features[0])
}

func TestMemoryCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Now)
	require.NoError(t, c.Set(ctx, 1, entdomain.Snapshot{TenantID: 1}, time.Minute))
	require.NoError(t, c.Set(ctx, 2, entdomain.Snapshot{TenantID: 2}, time.Minute))

	require.NoError(t, c.Invalidate(ctx, 1))
	_, ok, _ := c.Get(ctx, 1)
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, 2)
	assert.True(t, ok)

	require.NoError(t, c.InvalidateAll(ctx))
	_, ok, _ = c.Get(ctx, 2)
	assert.False(t, ok)
}

func TestRedisCacheReportsUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewRedisCache(client, "test", zap.NewNop())
	require.True(t, c.Available())

	_, ok, err := c.Get(context.Background(), 1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	assert.False(t, c.Available())

	err = c.Set(context.Background(), 1, entdomain.Snapshot{TenantID: 1}, time.Minute)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
}

func TestRedisCacheWithoutClient(t *testing.T) {
	c := NewRedisCache(nil, "", nil)
	assert.False(t, c.Available())
	assert.Equal(t, BackendRedis, c.Backend())
}
