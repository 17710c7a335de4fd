package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/subscription/domain"
	"gorm.io/gorm"
)

const mirrorColumns = `id, external_subscription_id, tenant_id, provider, external_customer_id, status, tier,
	product_id, price_id, subscription_item_id, current_period_end, cancel_at_period_end, source,
	features, limits, provider_event_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, m *domain.SubscriptionMirror) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO subscription_mirrors (`+mirrorColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_subscription_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			provider = excluded.provider,
			external_customer_id = excluded.external_customer_id,
			status = excluded.status,
			tier = excluded.tier,
			product_id = excluded.product_id,
			price_id = excluded.price_id,
			subscription_item_id = excluded.subscription_item_id,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			source = excluded.source,
			features = excluded.features,
			limits = excluded.limits,
			provider_event_at = excluded.provider_event_at,
			updated_at = excluded.updated_at
		 WHERE subscription_mirrors.provider_event_at <= excluded.provider_event_at`,
		m.ID,
		m.ExternalSubscriptionID,
		m.TenantID,
		m.Provider,
		m.ExternalCustomerID,
		m.Status,
		m.Tier,
		m.ProductID,
		m.PriceID,
		m.SubscriptionItemID,
		m.CurrentPeriodEnd,
		m.CancelAtPeriodEnd,
		m.Source,
		m.Features,
		m.Limits,
		m.ProviderEventAt,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.SubscriptionMirror, error) {
	var item domain.SubscriptionMirror
	err := db.WithContext(ctx).Raw(
		`SELECT `+mirrorColumns+` FROM subscription_mirrors WHERE external_subscription_id = ?`,
		externalID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindCurrentByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, source string) (*domain.SubscriptionMirror, error) {
	stmt := `SELECT ` + mirrorColumns + ` FROM subscription_mirrors
		 WHERE tenant_id = ? AND status IN (?, ?, ?, ?)`
	args := []any{
		tenantID,
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusTrialing,
		domain.SubscriptionStatusPastDue,
		domain.SubscriptionStatusUnpaid,
	}
	if source != "" {
		stmt += ` AND source = ?`
		args = append(args, source)
	}
	stmt += ` ORDER BY provider_event_at DESC, id DESC LIMIT 1`

	var item domain.SubscriptionMirror
	if err := db.WithContext(ctx).Raw(stmt, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]domain.SubscriptionMirror, error) {
	var items []domain.SubscriptionMirror
	err := db.WithContext(ctx).Raw(
		`SELECT `+mirrorColumns+` FROM subscription_mirrors
		 WHERE tenant_id = ?
		 ORDER BY provider_event_at DESC, id DESC`,
		tenantID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
