package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/invoice/domain"
	"github.com/smallbiznis/entitlements/internal/invoice/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestInvoiceSyncForwardOnly(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.InvoiceMirror{}))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	ctx := context.Background()
	tenant := snowflake.ID(12)
	t1 := time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

	applied, err := svc.Sync(ctx, domain.InvoiceMirror{ID: "in_1", Provider: "stripe", TenantID: &tenant, Status: domain.StatusPaid, AmountDue: 4900, AmountPaid: 4900, Currency: "usd", ProviderEventAt: t1})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = svc.Sync(ctx, domain.InvoiceMirror{ID: "in_1", Provider: "stripe", Status: domain.StatusOpen, ProviderEventAt: t1.Add(-time.Minute)})
	require.NoError(t, err)
	assert.False(t, applied)

	items, err := svc.ListForTenant(ctx, tenant, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusPaid, items[0].Status)
	assert.Equal(t, "USD", items[0].Currency)
}
