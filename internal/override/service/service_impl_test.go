package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitlements/internal/clock"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	"github.com/smallbiznis/entitlements/internal/override/domain"
	"github.com/smallbiznis/entitlements/internal/override/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingDispatcher struct {
	tenants []snowflake.ID
	all     int
}

func (d *recordingDispatcher) Register(string, invalidationdomain.Invalidator) {}

func (d *recordingDispatcher) Invalidate(_ context.Context, tenantID snowflake.ID, _ string, _ map[string]any) error {
	d.tenants = append(d.tenants, tenantID)
	return nil
}

func (d *recordingDispatcher) InvalidateAll(context.Context, string, map[string]any) error {
	d.all++
	return nil
}

type fixture struct {
	svc        domain.Service
	clock      *clock.FakeClock
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Override{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	dispatcher := &recordingDispatcher{}
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fc,
		Repo:       repository.Provide(),
		Dispatcher: dispatcher,
	})
	return fixture{svc: svc, clock: fc, dispatcher: dispatcher}
}

func tenantPtr(id int64) *snowflake.ID {
	v := snowflake.ID(id)
	return &v
}

func TestUpsertTenantOverrideReplacesValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Upsert(ctx, domain.UpsertOverrideRequest{
		TenantID: tenantPtr(10), Kind: "limit", Key: "seats", Value: json.RawMessage(`20`), Reason: "pilot",
	})
	require.NoError(t, err)

	second, err := f.svc.Upsert(ctx, domain.UpsertOverrideRequest{
		TenantID: tenantPtr(10), Kind: "limit", Key: "seats", Value: json.RawMessage(`40`), Reason: "expanded pilot",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "upsert keeps the original row")

	items, err := f.svc.ListForTenant(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	v, ok := items[0].IntValue()
	require.True(t, ok)
	assert.EqualValues(t, 40, v)
	assert.Equal(t, "system:entitlements", items[0].CreatedBy)

	assert.Equal(t, []snowflake.ID{10, 10}, f.dispatcher.tenants)
}

func TestTierOverrideInvalidatesEveryone(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Upsert(context.Background(), domain.UpsertOverrideRequest{
		Tier: "pro", Kind: "feature", Key: "sso", Value: json.RawMessage(`true`), Reason: "tier tuning",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.dispatcher.all)

	items, err := f.svc.ListForTier(context.Background(), "PRO")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Tier)
	assert.Equal(t, "PRO", *items[0].Tier)
}

func TestUpsertRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := f.clock.Now().Add(-time.Hour)

	cases := []struct {
		name string
		req  domain.UpsertOverrideRequest
		want error
	}{
		{"both scopes", domain.UpsertOverrideRequest{TenantID: tenantPtr(1), Tier: "PRO", Kind: "feature", Key: "x", Value: json.RawMessage(`true`), Reason: "r"}, domain.ErrInvalidScope},
		{"no scope", domain.UpsertOverrideRequest{Kind: "feature", Key: "x", Value: json.RawMessage(`true`), Reason: "r"}, domain.ErrInvalidScope},
		{"bad value", domain.UpsertOverrideRequest{TenantID: tenantPtr(1), Kind: "feature", Key: "x", Value: json.RawMessage(`1`), Reason: "r"}, domain.ErrInvalidOverride},
		{"no reason", domain.UpsertOverrideRequest{TenantID: tenantPtr(1), Kind: "feature", Key: "x", Value: json.RawMessage(`true`)}, domain.ErrInvalidReason},
		{"expiry in past", domain.UpsertOverrideRequest{TenantID: tenantPtr(1), Kind: "feature", Key: "x", Value: json.RawMessage(`true`), Reason: "r", ExpiresAt: &past}, domain.ErrInvalidExpiry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Upsert(ctx, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	assert.Empty(t, f.dispatcher.tenants)
}

func TestExpiredOverridesAreIgnoredThenPurged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expires := f.clock.Now().Add(24 * time.Hour)

	_, err := f.svc.Upsert(ctx, domain.UpsertOverrideRequest{
		TenantID: tenantPtr(5), Kind: "feature", Key: "beta", Value: json.RawMessage(`true`), Reason: "beta", ExpiresAt: &expires,
	})
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, domain.UpsertOverrideRequest{
		TenantID: tenantPtr(5), Kind: "quota", Key: "api_calls", Value: json.RawMessage(`5000`), Reason: "bump",
	})
	require.NoError(t, err)

	set, err := f.svc.ActiveFor(ctx, 5, "STARTER")
	require.NoError(t, err)
	assert.Len(t, set.Tenant, 2)

	f.clock.AdvanceDays(2)
	set, err = f.svc.ActiveFor(ctx, 5, "STARTER")
	require.NoError(t, err)
	require.Len(t, set.Tenant, 1)
	assert.Equal(t, "api_calls", set.Tenant[0].Key)

	purged, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	all, err := f.svc.ListForTenant(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeleteOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.svc.Upsert(ctx, domain.UpsertOverrideRequest{
		TenantID: tenantPtr(3), Kind: "feature", Key: "sso", Value: json.RawMessage(`false`), Reason: "offboarding",
	})
	require.NoError(t, err)

	deleted, err := f.svc.Delete(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, deleted.ID)

	_, err = f.svc.Delete(ctx, item.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
