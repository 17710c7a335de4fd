package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Sync(ctx context.Context, req domain.SyncRequest) (domain.SyncResult, error) {
	return s.SyncTx(ctx, s.db, req)
}

func (s *Service) SyncTx(ctx context.Context, tx *gorm.DB, req domain.SyncRequest) (domain.SyncResult, error) {
	externalID := strings.TrimSpace(req.ExternalSubscriptionID)
	if externalID == "" {
		return domain.SyncResult{}, domain.ErrInvalidSubscription
	}
	if req.TenantID == 0 {
		return domain.SyncResult{}, domain.ErrInvalidTenant
	}
	if req.Status == "" {
		return domain.SyncResult{}, domain.ErrInvalidStatus
	}

	now := s.clock.Now()
	eventAt := req.EventAt
	if eventAt.IsZero() {
		eventAt = now
	}
	source := req.Source
	if source == "" {
		source = domain.SourceProvider
	}

	mirror := domain.SubscriptionMirror{
		ID:                     s.genID.Generate(),
		ExternalSubscriptionID: externalID,
		TenantID:               req.TenantID,
		Provider:               strings.ToLower(strings.TrimSpace(req.Provider)),
		ExternalCustomerID:     strings.TrimSpace(req.ExternalCustomerID),
		Status:                 req.Status,
		Tier:                   strings.ToUpper(strings.TrimSpace(req.Tier)),
		ProductID:              req.ProductID,
		PriceID:                req.PriceID,
		SubscriptionItemID:     req.SubscriptionItemID,
		CurrentPeriodEnd:       req.CurrentPeriodEnd,
		CancelAtPeriodEnd:      req.CancelAtPeriodEnd,
		Source:                 source,
		Features:               datatypes.JSONSlice[string](lo.Uniq(req.Features)),
		Limits:                 datatypes.JSONMap(req.Limits),
		ProviderEventAt:        eventAt.UTC(),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if mirror.Limits == nil {
		mirror.Limits = datatypes.JSONMap{}
	}
	if mirror.Features == nil {
		mirror.Features = datatypes.JSONSlice[string]{}
	}

	applied, err := s.repo.Upsert(ctx, tx, &mirror)
	if err != nil {
		return domain.SyncResult{}, err
	}
	if !applied {
		s.log.Info("ignored out-of-order subscription update",
			zap.String("external_subscription_id", externalID),
			zap.Time("event_at", eventAt),
		)
	}

	stored, err := s.repo.FindByExternalID(ctx, tx, externalID)
	if err != nil {
		return domain.SyncResult{}, err
	}
	if stored == nil {
		return domain.SyncResult{Mirror: mirror, Applied: applied}, nil
	}
	return domain.SyncResult{Mirror: *stored, Applied: applied}, nil
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (domain.SubscriptionMirror, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.SubscriptionMirror{}, domain.ErrInvalidSubscription
	}
	item, err := s.repo.FindByExternalID(ctx, s.db, externalID)
	if err != nil {
		return domain.SubscriptionMirror{}, err
	}
	if item == nil {
		return domain.SubscriptionMirror{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) CurrentForTenant(ctx context.Context, tenantID snowflake.ID) (*domain.SubscriptionMirror, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	return s.repo.FindCurrentByTenant(ctx, s.db, tenantID, "")
}

func (s *Service) CurrentTrial(ctx context.Context, tenantID snowflake.ID) (*domain.SubscriptionMirror, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	item, err := s.repo.FindCurrentByTenant(ctx, s.db, tenantID, domain.SourceTrial)
	if err != nil || item == nil {
		return nil, err
	}
	if item.Status != domain.SubscriptionStatusTrialing {
		return nil, nil
	}
	return item, nil
}

func (s *Service) HasActivePaid(ctx context.Context, tenantID snowflake.ID) (bool, error) {
	if tenantID == 0 {
		return false, domain.ErrInvalidTenant
	}
	item, err := s.repo.FindCurrentByTenant(ctx, s.db, tenantID, domain.SourceProvider)
	if err != nil {
		return false, err
	}
	return item != nil && item.Status == domain.SubscriptionStatusActive, nil
}

func (s *Service) ListForTenant(ctx context.Context, tenantID snowflake.ID) ([]domain.SubscriptionMirror, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	return s.repo.ListByTenant(ctx, s.db, tenantID)
}
