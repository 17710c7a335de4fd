package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	"github.com/smallbiznis/entitlements/internal/invalidation/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	scopeTenant = "tenant"
	scopeAll    = "all"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	AuditSvc auditdomain.Service `optional:"true"`
	Metrics  *metrics.Metrics    `optional:"true"`
}

type Dispatcher struct {
	log      *zap.Logger
	auditSvc auditdomain.Service
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]domain.Invalidator
}

func NewDispatcher(p Params) domain.Dispatcher {
	return &Dispatcher{
		log:      p.Log.Named("invalidation.dispatcher"),
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
		handlers: map[string]domain.Invalidator{},
	}
}

// Register adds or replaces the invalidator under name.
func (d *Dispatcher) Register(name string, inv domain.Invalidator) {
	if inv == nil {
		return
	}
	d.mu.Lock()
	d.handlers[name] = inv
	d.mu.Unlock()
	d.log.Debug("invalidator registered", zap.String("name", name))
}

func (d *Dispatcher) Invalidate(ctx context.Context, tenantID snowflake.ID, reason string, metadata map[string]any) error {
	if tenantID == 0 {
		return domain.ErrInvalidTenant
	}
	reason = normalizeReason(reason)
	err := d.fanOut(ctx, scopeTenant, reason, func(ctx context.Context, inv domain.Invalidator) error {
		return inv.Invalidate(ctx, tenantID)
	})

	tenant := tenantID
	d.audit(ctx, &tenant, auditdomain.ActionCacheInvalidated, reason, metadata, err)
	return err
}

func (d *Dispatcher) InvalidateAll(ctx context.Context, reason string, metadata map[string]any) error {
	reason = normalizeReason(reason)
	err := d.fanOut(ctx, scopeAll, reason, func(ctx context.Context, inv domain.Invalidator) error {
		return inv.InvalidateAll(ctx)
	})
	d.audit(ctx, nil, auditdomain.ActionCacheInvalidatedAll, reason, metadata, err)
	return err
}

// fanOut calls every registered invalidator, in name order, retrying each
// failure once.
func (d *Dispatcher) fanOut(ctx context.Context, scope, reason string, call func(context.Context, domain.Invalidator) error) error {
	d.mu.RLock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	handlers := make(map[string]domain.Invalidator, len(d.handlers))
	for k, v := range d.handlers {
		handlers[k] = v
	}
	d.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		inv := handlers[name]
		err := call(ctx, inv)
		if err != nil {
			d.log.Warn("invalidation failed, retrying",
				zap.String("component", name),
				zap.String("scope", scope),
				zap.Error(err),
			)
			err = call(ctx, inv)
		}
		if err != nil {
			d.log.Error("invalidation failed",
				zap.String("component", name),
				zap.String("scope", scope),
				zap.String("reason", reason),
				zap.Error(err),
			)
			d.metrics.RecordInvalidation(ctx, scope, reason, "error")
			errs = append(errs, fmt.Errorf("%w: %s: %w", domain.ErrInvalidationFailed, name, err))
			continue
		}
		d.metrics.RecordInvalidation(ctx, scope, reason, "ok")
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) audit(ctx context.Context, tenantID *snowflake.ID, action, reason string, metadata map[string]any, failure error) {
	if d.auditSvc == nil {
		return
	}
	payload := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		payload[k] = v
	}
	payload["reason"] = reason
	if failure != nil {
		payload["error"] = failure.Error()
	}
	var targetID *string
	if tenantID != nil {
		id := tenantID.String()
		targetID = &id
	}
	if err := d.auditSvc.AuditLog(ctx, tenantID, "", nil, action, "entitlement_cache", targetID, payload); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn("failed to write invalidation audit log", zap.Error(err))
	}
}

func normalizeReason(reason string) string {
	if reason == "" {
		return domain.ReasonManual
	}
	return reason
}
