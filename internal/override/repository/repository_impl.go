package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/override/domain"
	"gorm.io/gorm"
)

const overrideColumns = `id, scope, tenant_id, tier, kind, override_key, value, reason, expires_at, created_by, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, o *domain.Override) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO entitlement_overrides (`+overrideColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope, kind, override_key) DO UPDATE SET
			value = excluded.value,
			reason = excluded.reason,
			expires_at = excluded.expires_at,
			created_by = excluded.created_by,
			updated_at = excluded.updated_at`,
		o.ID,
		o.Scope,
		o.TenantID,
		o.Tier,
		o.Kind,
		o.Key,
		o.Value,
		o.Reason,
		o.ExpiresAt,
		o.CreatedBy,
		o.CreatedAt,
		o.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Override, error) {
	var item domain.Override
	err := db.WithContext(ctx).Raw(
		`SELECT `+overrideColumns+` FROM entitlement_overrides WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByScopeKey(ctx context.Context, db *gorm.DB, scope, kind, key string) (*domain.Override, error) {
	var item domain.Override
	err := db.WithContext(ctx).Raw(
		`SELECT `+overrideColumns+` FROM entitlement_overrides
		 WHERE scope = ? AND kind = ? AND override_key = ?`,
		scope, kind, key,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByScope(ctx context.Context, db *gorm.DB, scope string) ([]domain.Override, error) {
	var items []domain.Override
	err := db.WithContext(ctx).Raw(
		`SELECT `+overrideColumns+` FROM entitlement_overrides
		 WHERE scope = ?
		 ORDER BY kind ASC, override_key ASC`,
		scope,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListActiveByScope(ctx context.Context, db *gorm.DB, scope string, now time.Time) ([]domain.Override, error) {
	var items []domain.Override
	err := db.WithContext(ctx).Raw(
		`SELECT `+overrideColumns+` FROM entitlement_overrides
		 WHERE scope = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY kind ASC, override_key ASC`,
		scope, now,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM entitlement_overrides WHERE id = ?`, id)
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM entitlement_overrides WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now,
	)
	return result.RowsAffected, result.Error
}
