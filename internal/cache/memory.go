package cache

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

const BackendMemory = "memory"

type memoryCache struct {
	items *TTLCache[snowflake.ID, entdomain.Snapshot]
}

// NewMemoryCache keeps snapshots in-process. now drives expiry so tests can
// move time.
func NewMemoryCache(now func() time.Time) EntitlementCache {
	return &memoryCache{items: NewTTLCacheWithClock[snowflake.ID, entdomain.Snapshot](now)}
}

func (m *memoryCache) Get(_ context.Context, tenantID snowflake.ID) (entdomain.Snapshot, bool, error) {
	snap, ok := m.items.Get(tenantID)
	if !ok {
		return entdomain.Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

func (m *memoryCache) Set(_ context.Context, tenantID snowflake.ID, snapshot entdomain.Snapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.items.Set(tenantID, snapshot.Clone(), ttl)
	return nil
}

func (m *memoryCache) Invalidate(_ context.Context, tenantID snowflake.ID) error {
	m.items.Delete(tenantID)
	return nil
}

func (m *memoryCache) InvalidateAll(context.Context) error {
	m.items.Clear()
	return nil
}

func (m *memoryCache) Available() bool { return true }

func (m *memoryCache) Backend() string { return BackendMemory }

func (m *memoryCache) Close() error {
	m.items.Clear()
	return nil
}

// Sweep drops expired entries. Expiry is already enforced on read.
func (m *memoryCache) Sweep() int {
	return m.items.Sweep()
}

// Sweeper is implemented by backends that hold expired entries in memory.
type Sweeper interface {
	Sweep() int
}
