package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/smallbiznis/entitlements/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) domain.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.SubscriptionMirror{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
}

func TestSyncOnlyMovesForward(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	t0 := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	res, err := svc.Sync(ctx, domain.SyncRequest{
		ExternalSubscriptionID: "sub_1", TenantID: 9, Provider: "stripe",
		Status: domain.SubscriptionStatusActive, Tier: "pro", EventAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "PRO", res.Mirror.Tier)

	// an older event arriving late is ignored
	res, err = svc.Sync(ctx, domain.SyncRequest{
		ExternalSubscriptionID: "sub_1", TenantID: 9, Provider: "stripe",
		Status: domain.SubscriptionStatusCanceled, EventAt: t0,
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, domain.SubscriptionStatusActive, res.Mirror.Status)

	// replaying the latest event is harmless
	res, err = svc.Sync(ctx, domain.SyncRequest{
		ExternalSubscriptionID: "sub_1", TenantID: 9, Provider: "stripe",
		Status: domain.SubscriptionStatusActive, Tier: "PRO", EventAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, res.Mirror.Status)

	paid, err := svc.HasActivePaid(ctx, 9)
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestCurrentTrial(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Sync(ctx, domain.SyncRequest{
		ExternalSubscriptionID: domain.TrialExternalID(77), TenantID: 4, Provider: "local",
		Status: domain.SubscriptionStatusTrialing, Tier: "PRO", Source: domain.SourceTrial,
		Features: []string{"sso", "sso", "audit"}, Limits: map[string]any{"seats": 3},
	})
	require.NoError(t, err)

	trial, err := svc.CurrentTrial(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, trial)
	assert.Equal(t, []string{"sso", "audit"}, []string(trial.Features))

	paid, err := svc.HasActivePaid(ctx, 4)
	require.NoError(t, err)
	assert.False(t, paid, "a trial is not a paid subscription")
}

func TestStatusFromProvider(t *testing.T) {
	assert.Equal(t, domain.SubscriptionStatusPastDue, domain.StatusFromProvider("past_due"))
	assert.Equal(t, domain.SubscriptionStatusCanceled, domain.StatusFromProvider("incomplete_expired"))
	assert.True(t, domain.SubscriptionStatusTrialing.Current())
	assert.False(t, domain.SubscriptionStatusIncomplete.Current())
}
