package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/trial/domain"
	"gorm.io/gorm"
)

const (
	accountColumns = `id, tenant_id, trial_config_id, config_code, status, target_tier, started_at, expires_at, grace_period_days, grace_ends_at, extension_count, usage_stats, converted_subscription_id, converted_tier, cancel_reason, cancelled_at, expired_at, converted_at, created_at, updated_at`
	configColumns  = `id, code, name, duration_days, target_tier, features, limitations, requires_payment_method, auto_convert, grace_period_days, retention_offers, default_price_id, created_at, updated_at`
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, a *domain.TrialAccount) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO trial_accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.TenantID,
		a.TrialConfigID,
		a.ConfigCode,
		a.Status,
		a.TargetTier,
		a.StartedAt,
		a.ExpiresAt,
		a.GracePeriodDays,
		a.GraceEndsAt,
		a.ExtensionCount,
		a.UsageStats,
		a.ConvertedSubscriptionID,
		a.ConvertedTier,
		a.CancelReason,
		a.CancelledAt,
		a.ExpiredAt,
		a.ConvertedAt,
		a.CreatedAt,
		a.UpdatedAt,
	).Error
}

func (r *repo) UpdateAccount(ctx context.Context, db *gorm.DB, a *domain.TrialAccount, expected domain.TrialStatus) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE trial_accounts SET
			status = ?,
			expires_at = ?,
			grace_ends_at = ?,
			extension_count = ?,
			usage_stats = ?,
			converted_subscription_id = ?,
			converted_tier = ?,
			cancel_reason = ?,
			cancelled_at = ?,
			expired_at = ?,
			converted_at = ?,
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		a.Status,
		a.ExpiresAt,
		a.GraceEndsAt,
		a.ExtensionCount,
		a.UsageStats,
		a.ConvertedSubscriptionID,
		a.ConvertedTier,
		a.CancelReason,
		a.CancelledAt,
		a.ExpiredAt,
		a.ConvertedAt,
		a.UpdatedAt,
		a.ID,
		expected,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindLatestByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.TrialAccount, error) {
	var item domain.TrialAccount
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM trial_accounts
		 WHERE tenant_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		tenantID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListActivePastGrace(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.TrialAccount, error) {
	var items []domain.TrialAccount
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM trial_accounts
		 WHERE status = ? AND grace_ends_at < ?
		 ORDER BY grace_ends_at ASC, id ASC
		 LIMIT ?`,
		domain.TrialStatusActive, before.UTC(), limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindConfigByCode(ctx context.Context, db *gorm.DB, code string) (*domain.TrialConfig, error) {
	return r.findConfig(ctx, db, `code = ?`, code)
}

func (r *repo) FindConfigByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.TrialConfig, error) {
	return r.findConfig(ctx, db, `id = ?`, id)
}

func (r *repo) findConfig(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.TrialConfig, error) {
	var item domain.TrialConfig
	err := db.WithContext(ctx).Raw(
		`SELECT `+configColumns+` FROM trial_configs WHERE `+where,
		arg,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListConfigs(ctx context.Context, db *gorm.DB) ([]domain.TrialConfig, error) {
	var items []domain.TrialConfig
	err := db.WithContext(ctx).Raw(
		`SELECT ` + configColumns + ` FROM trial_configs ORDER BY code ASC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpsertConfig(ctx context.Context, db *gorm.DB, c *domain.TrialConfig) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO trial_configs (`+configColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (code) DO UPDATE SET
			name = excluded.name,
			duration_days = excluded.duration_days,
			target_tier = excluded.target_tier,
			features = excluded.features,
			limitations = excluded.limitations,
			requires_payment_method = excluded.requires_payment_method,
			auto_convert = excluded.auto_convert,
			grace_period_days = excluded.grace_period_days,
			retention_offers = excluded.retention_offers,
			default_price_id = excluded.default_price_id,
			updated_at = excluded.updated_at`,
		c.ID,
		c.Code,
		c.Name,
		c.DurationDays,
		c.TargetTier,
		c.Features,
		c.Limitations,
		c.RequiresPaymentMethod,
		c.AutoConvert,
		c.GracePeriodDays,
		c.RetentionOffers,
		c.DefaultPriceID,
		c.CreatedAt,
		c.UpdatedAt,
	).Error
}
