package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	"github.com/smallbiznis/entitlements/internal/auditcontext"
	"github.com/smallbiznis/entitlements/internal/clock"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	"github.com/smallbiznis/entitlements/internal/override/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	AuditSvc   auditdomain.Service           `optional:"true"`
	Dispatcher invalidationdomain.Dispatcher `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	auditSvc   auditdomain.Service
	dispatcher invalidationdomain.Dispatcher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("override.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		auditSvc:   p.AuditSvc,
		dispatcher: p.Dispatcher,
	}
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertOverrideRequest) (domain.Override, error) {
	scope, tenantID, tier, err := resolveScope(req)
	if err != nil {
		return domain.Override{}, err
	}

	kind := domain.NormalizeKind(req.Kind)
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return domain.Override{}, domain.ErrInvalidKey
	}
	if err := domain.ValidateValue(kind, key, req.Value); err != nil {
		return domain.Override{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.Override{}, domain.ErrInvalidReason
	}

	now := s.clock.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return domain.Override{}, domain.ErrInvalidExpiry
	}

	createdBy := strings.TrimSpace(req.CreatedBy)
	if createdBy == "" {
		actorType, actorID := auditcontext.ActorFromContext(ctx)
		createdBy = actorType + ":" + actorID
	}

	item := domain.Override{
		ID:        s.genID.Generate(),
		Scope:     scope,
		TenantID:  tenantID,
		Tier:      tier,
		Kind:      kind,
		Key:       key,
		Value:     datatypes.JSON(req.Value),
		Reason:    reason,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Upsert(ctx, s.db, &item); err != nil {
		return domain.Override{}, err
	}

	stored, err := s.repo.FindByScopeKey(ctx, s.db, scope, kind, key)
	if err != nil {
		return domain.Override{}, err
	}
	if stored != nil {
		item = *stored
	}

	s.audit(ctx, auditdomain.ActionOverrideUpserted, item)
	if err := s.invalidate(ctx, item); err != nil {
		return item, err
	}
	return item, nil
}

func (s *Service) Delete(ctx context.Context, id snowflake.ID) (domain.Override, error) {
	if id == 0 {
		return domain.Override{}, domain.ErrNotFound
	}
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Override{}, err
	}
	if item == nil {
		return domain.Override{}, domain.ErrNotFound
	}
	affected, err := s.repo.Delete(ctx, s.db, id)
	if err != nil {
		return domain.Override{}, err
	}
	if affected == 0 {
		return domain.Override{}, domain.ErrNotFound
	}

	s.audit(ctx, auditdomain.ActionOverrideDeleted, *item)
	if err := s.invalidate(ctx, *item); err != nil {
		return *item, err
	}
	return *item, nil
}

func (s *Service) ListForTenant(ctx context.Context, tenantID snowflake.ID) ([]domain.Override, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidScope
	}
	return s.repo.ListByScope(ctx, s.db, domain.TenantScope(tenantID))
}

func (s *Service) ListForTier(ctx context.Context, tier string) ([]domain.Override, error) {
	if strings.TrimSpace(tier) == "" {
		return nil, domain.ErrInvalidScope
	}
	return s.repo.ListByScope(ctx, s.db, domain.TierScope(tier))
}

func (s *Service) ActiveFor(ctx context.Context, tenantID snowflake.ID, tier string) (domain.Set, error) {
	now := s.clock.Now()
	var set domain.Set
	if strings.TrimSpace(tier) != "" {
		items, err := s.repo.ListActiveByScope(ctx, s.db, domain.TierScope(tier), now)
		if err != nil {
			return domain.Set{}, err
		}
		set.Tier = items
	}
	if tenantID != 0 {
		items, err := s.repo.ListActiveByScope(ctx, s.db, domain.TenantScope(tenantID), now)
		if err != nil {
			return domain.Set{}, err
		}
		set.Tenant = items
	}
	return set, nil
}

func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	deleted, err := s.repo.DeleteExpired(ctx, s.db, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("purged expired overrides", zap.Int64("count", deleted))
	}
	return deleted, nil
}

func resolveScope(req domain.UpsertOverrideRequest) (string, *snowflake.ID, *string, error) {
	tier := strings.ToUpper(strings.TrimSpace(req.Tier))
	hasTenant := req.TenantID != nil && *req.TenantID != 0
	switch {
	case hasTenant && tier == "":
		id := *req.TenantID
		return domain.TenantScope(id), &id, nil, nil
	case !hasTenant && tier != "":
		return domain.TierScope(tier), nil, &tier, nil
	default:
		return "", nil, nil, domain.ErrInvalidScope
	}
}

func (s *Service) invalidate(ctx context.Context, item domain.Override) error {
	if s.dispatcher == nil {
		return nil
	}
	metadata := map[string]any{
		"override_id": item.ID.String(),
		"kind":        item.Kind,
		"key":         item.Key,
	}
	var err error
	if item.TenantID != nil {
		err = s.dispatcher.Invalidate(ctx, *item.TenantID, invalidationdomain.ReasonOverrideChange, metadata)
	} else {
		metadata["scope"] = item.Scope
		err = s.dispatcher.InvalidateAll(ctx, invalidationdomain.ReasonOverrideChange, metadata)
	}
	if err != nil {
		return fmt.Errorf("override saved but cache invalidation failed: %w", err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, action string, item domain.Override) {
	if s.auditSvc == nil {
		return
	}
	targetID := item.ID.String()
	metadata := map[string]any{
		"scope": item.Scope,
		"kind":  item.Kind,
		"key":   item.Key,
		"value": string(item.Value),
	}
	if item.ExpiresAt != nil {
		metadata["expires_at"] = item.ExpiresAt.Format(time.RFC3339)
	}
	if item.Reason != "" {
		metadata["reason"] = item.Reason
	}
	if err := s.auditSvc.AuditLog(ctx, item.TenantID, "", nil, action, "override", &targetID, metadata); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("failed to write override audit log", zap.Error(err))
	}
}
