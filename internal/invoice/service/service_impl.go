package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/invoice/domain"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Sync(ctx context.Context, inv domain.InvoiceMirror) (bool, error) {
	inv.ID = strings.TrimSpace(inv.ID)
	if inv.ID == "" || strings.TrimSpace(inv.Status) == "" {
		return false, domain.ErrInvalidInvoice
	}
	if inv.TenantID != nil && *inv.TenantID == 0 {
		inv.TenantID = nil
	}
	now := s.clock.Now()
	if inv.ProviderEventAt.IsZero() {
		inv.ProviderEventAt = now
	}
	inv.Currency = strings.ToUpper(strings.TrimSpace(inv.Currency))
	inv.UpdatedAt = now

	applied, err := s.repo.Upsert(ctx, s.db, &inv)
	if err != nil {
		return false, err
	}
	if !applied {
		s.log.Debug("stale invoice event ignored", zap.String("invoice_id", inv.ID))
	}
	return applied, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.InvoiceMirror, error) {
	item, err := s.repo.FindByID(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return domain.InvoiceMirror{}, err
	}
	if item == nil {
		return domain.InvoiceMirror{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) ListForTenant(ctx context.Context, tenantID snowflake.ID, limit int) ([]domain.InvoiceMirror, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	page := pagination.Pagination{PageSize: limit}
	return s.repo.ListByTenant(ctx, s.db, tenantID, page.Limit())
}
