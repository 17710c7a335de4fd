package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/customer/domain"
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

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("customer.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Link(ctx context.Context, req domain.LinkCustomerRequest) (domain.BillingCustomer, error) {
	if req.TenantID == 0 {
		return domain.BillingCustomer{}, domain.ErrInvalidTenant
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		return domain.BillingCustomer{}, domain.ErrInvalidProvider
	}
	externalID := strings.TrimSpace(req.ExternalCustomerID)
	if externalID == "" {
		return domain.BillingCustomer{}, domain.ErrInvalidExternalID
	}
	email := strings.TrimSpace(req.Email)
	if email != "" && !strings.Contains(email, "@") {
		return domain.BillingCustomer{}, domain.ErrInvalidEmail
	}

	now := s.clock.Now()
	customer := domain.BillingCustomer{
		TenantID:           req.TenantID,
		Provider:           provider,
		ExternalCustomerID: externalID,
		Email:              email,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Upsert(ctx, s.db, &customer); err != nil {
		return domain.BillingCustomer{}, err
	}

	s.log.Info("billing customer linked",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("provider", provider),
	)

	stored, err := s.repo.FindByTenant(ctx, s.db, req.TenantID)
	if err != nil {
		return domain.BillingCustomer{}, err
	}
	if stored == nil {
		return customer, nil
	}
	return *stored, nil
}

func (s *Service) GetByTenant(ctx context.Context, tenantID snowflake.ID) (domain.BillingCustomer, error) {
	if tenantID == 0 {
		return domain.BillingCustomer{}, domain.ErrInvalidTenant
	}
	item, err := s.repo.FindByTenant(ctx, s.db, tenantID)
	if err != nil {
		return domain.BillingCustomer{}, err
	}
	if item == nil {
		return domain.BillingCustomer{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) ResolveTenant(ctx context.Context, provider string, externalCustomerID string) (snowflake.ID, error) {
	externalCustomerID = strings.TrimSpace(externalCustomerID)
	if externalCustomerID == "" {
		return 0, domain.ErrInvalidExternalID
	}
	item, err := s.repo.FindByExternalID(ctx, s.db, strings.ToLower(strings.TrimSpace(provider)), externalCustomerID)
	if err != nil {
		return 0, err
	}
	if item == nil {
		return 0, domain.ErrNotFound
	}
	return item.TenantID, nil
}
