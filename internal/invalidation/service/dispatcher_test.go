package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	"github.com/smallbiznis/entitlements/internal/invalidation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingInvalidator struct {
	failures int
	calls    int
	allCalls int
}

func (c *countingInvalidator) Invalidate(context.Context, snowflake.ID) error {
	c.calls++
	if c.calls <= c.failures {
		return errors.New("boom")
	}
	return nil
}

func (c *countingInvalidator) InvalidateAll(context.Context) error {
	c.allCalls++
	if c.allCalls <= c.failures {
		return errors.New("boom")
	}
	return nil
}

type auditRecorder struct {
	actions  []string
	metadata []map[string]any
}

func (a *auditRecorder) AuditLog(_ context.Context, _ *snowflake.ID, _ string, _ *string, action string, _ string, _ *string, metadata map[string]any) error {
	a.actions = append(a.actions, action)
	a.metadata = append(a.metadata, metadata)
	return nil
}

func (a *auditRecorder) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func newDispatcher(audit *auditRecorder) domain.Dispatcher {
	return NewDispatcher(Params{Log: zap.NewNop(), AuditSvc: audit})
}

func TestInvalidateRetriesOnce(t *testing.T) {
	audit := &auditRecorder{}
	d := newDispatcher(audit)
	flaky := &countingInvalidator{failures: 1}
	d.Register("flaky", flaky)

	err := d.Invalidate(context.Background(), 42, domain.ReasonSubscriptionChange, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, flaky.calls)
	assert.Equal(t, []string{auditdomain.ActionCacheInvalidated}, audit.actions)
	assert.Equal(t, domain.ReasonSubscriptionChange, audit.metadata[0]["reason"])
}

func TestInvalidateJoinsPersistentFailures(t *testing.T) {
	audit := &auditRecorder{}
	d := newDispatcher(audit)
	broken := &countingInvalidator{failures: 10}
	healthy := &countingInvalidator{}
	d.Register("broken", broken)
	d.Register("healthy", healthy)

	err := d.Invalidate(context.Background(), 42, "", map[string]any{"event_id": "evt_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidationFailed)
	assert.Equal(t, 2, broken.calls)
	assert.Equal(t, 1, healthy.calls)

	require.Len(t, audit.metadata, 1)
	assert.Equal(t, domain.ReasonManual, audit.metadata[0]["reason"])
	assert.Equal(t, "evt_1", audit.metadata[0]["event_id"])
	assert.Contains(t, audit.metadata[0]["error"], "broken")
}

func TestInvalidateAllReachesEveryComponent(t *testing.T) {
	audit := &auditRecorder{}
	d := newDispatcher(audit)
	a := &countingInvalidator{}
	b := &countingInvalidator{}
	d.Register("a", a)
	d.Register("b", b)

	require.NoError(t, d.InvalidateAll(context.Background(), domain.ReasonCatalogChange, nil))
	assert.Equal(t, 1, a.allCalls)
	assert.Equal(t, 1, b.allCalls)
	assert.Equal(t, []string{auditdomain.ActionCacheInvalidatedAll}, audit.actions)
}

func TestInvalidateRejectsZeroTenant(t *testing.T) {
	d := newDispatcher(&auditRecorder{})
	err := d.Invalidate(context.Background(), 0, domain.ReasonManual, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
}
