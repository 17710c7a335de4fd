package repository

import (
	"context"

	"github.com/smallbiznis/entitlements/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) UpsertProduct(ctx context.Context, db *gorm.DB, p *domain.ProductMirror) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO product_mirrors (id, provider, name, active, metadata, provider_event_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			provider = excluded.provider,
			name = excluded.name,
			active = excluded.active,
			metadata = excluded.metadata,
			provider_event_at = excluded.provider_event_at,
			updated_at = excluded.updated_at
		 WHERE product_mirrors.provider_event_at <= excluded.provider_event_at`,
		p.ID, p.Provider, p.Name, p.Active, p.Metadata, p.ProviderEventAt, p.UpdatedAt,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *repo) UpsertPrice(ctx context.Context, db *gorm.DB, p *domain.PriceMirror) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO price_mirrors (id, provider, product_id, currency, unit_amount, recurring_interval, active, provider_event_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			provider = excluded.provider,
			product_id = excluded.product_id,
			currency = excluded.currency,
			unit_amount = excluded.unit_amount,
			recurring_interval = excluded.recurring_interval,
			active = excluded.active,
			provider_event_at = excluded.provider_event_at,
			updated_at = excluded.updated_at
		 WHERE price_mirrors.provider_event_at <= excluded.provider_event_at`,
		p.ID, p.Provider, p.ProductID, p.Currency, p.UnitAmount, p.RecurringInterval, p.Active, p.ProviderEventAt, p.UpdatedAt,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *repo) FindProduct(ctx context.Context, db *gorm.DB, id string) (*domain.ProductMirror, error) {
	var item domain.ProductMirror
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, name, active, metadata, provider_event_at, updated_at
		 FROM product_mirrors WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindPrice(ctx context.Context, db *gorm.DB, id string) (*domain.PriceMirror, error) {
	var item domain.PriceMirror
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, product_id, currency, unit_amount, recurring_interval, active, provider_event_at, updated_at
		 FROM price_mirrors WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}
