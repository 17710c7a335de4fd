package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	"github.com/smallbiznis/entitlements/internal/audit/repository"
	"github.com/smallbiznis/entitlements/internal/auditcontext"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (auditdomain.Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
	return svc, db
}

func TestAuditLogUsesContextActorAndMasks(t *testing.T) {
	svc, db := newTestService(t)
	tenantID := snowflake.ID(42)

	ctx := auditcontext.WithActor(context.Background(), "token", "ops")
	ctx = auditcontext.WithRequestID(ctx, "req-1")
	ctx = auditcontext.WithReason(ctx, "support ticket 12")

	target := "42"
	err := svc.AuditLog(ctx, &tenantID, "", nil, auditdomain.ActionCacheInvalidated, "tenant", &target, map[string]any{
		"external_customer_id": "cus_ABCDEFGH1234",
	})
	require.NoError(t, err)

	var entry auditdomain.AuditLog
	require.NoError(t, db.First(&entry).Error)
	assert.Equal(t, "token", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "ops", *entry.ActorID)
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	assert.Equal(t, "support ticket 12", entry.Metadata["reason"])
	assert.Equal(t, "cus_****1234", entry.Metadata["external_customer_id"])
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.AuditLog(context.Background(), nil, "", nil, " ", "tenant", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListFiltersByTenantAndPages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tenantA := snowflake.ID(1)
	tenantB := snowflake.ID(2)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.AuditLog(ctx, &tenantA, "", nil, auditdomain.ActionTrialStarted, "trial", nil, nil))
	}
	require.NoError(t, svc.AuditLog(ctx, &tenantB, "", nil, auditdomain.ActionTrialStarted, "trial", nil, nil))

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		TenantID:   &tenantA,
	})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 2)
	assert.True(t, resp.HasMore)
	assert.NotEmpty(t, resp.NextPageToken)
	for _, entry := range resp.AuditLogs {
		require.NotNil(t, entry.TenantID)
		assert.Equal(t, tenantA, *entry.TenantID)
		assert.Equal(t, "system", entry.ActorType)
	}
}

func TestListRejectsBadPageToken(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: "not-a-token"},
	})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
