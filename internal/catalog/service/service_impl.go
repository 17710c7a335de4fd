package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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
		log:   p.Log.Named("catalog.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) SyncProduct(ctx context.Context, product domain.ProductMirror) (bool, error) {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return false, domain.ErrInvalidProduct
	}
	now := s.clock.Now()
	if product.ProviderEventAt.IsZero() {
		product.ProviderEventAt = now
	}
	if product.Metadata == nil {
		product.Metadata = datatypes.JSONMap{}
	}
	product.UpdatedAt = now

	applied, err := s.repo.UpsertProduct(ctx, s.db, &product)
	if err != nil {
		return false, err
	}
	if !applied {
		s.log.Debug("stale product event ignored", zap.String("product_id", product.ID))
	}
	return applied, nil
}

func (s *Service) SyncPrice(ctx context.Context, price domain.PriceMirror) (bool, error) {
	price.ID = strings.TrimSpace(price.ID)
	if price.ID == "" {
		return false, domain.ErrInvalidPrice
	}
	now := s.clock.Now()
	if price.ProviderEventAt.IsZero() {
		price.ProviderEventAt = now
	}
	price.Currency = strings.ToUpper(strings.TrimSpace(price.Currency))
	price.UpdatedAt = now

	applied, err := s.repo.UpsertPrice(ctx, s.db, &price)
	if err != nil {
		return false, err
	}
	if !applied {
		s.log.Debug("stale price event ignored", zap.String("price_id", price.ID))
	}
	return applied, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.ProductMirror, error) {
	item, err := s.repo.FindProduct(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return domain.ProductMirror{}, err
	}
	if item == nil {
		return domain.ProductMirror{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) GetPrice(ctx context.Context, id string) (domain.PriceMirror, error) {
	item, err := s.repo.FindPrice(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return domain.PriceMirror{}, err
	}
	if item == nil {
		return domain.PriceMirror{}, domain.ErrNotFound
	}
	return *item, nil
}
