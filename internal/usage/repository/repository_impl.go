package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/usage/domain"
	"gorm.io/gorm"
)

const (
	recordColumns = `id, tenant_id, feature, quantity, recorded_at, idempotency_key, remote_record_id, created_at`
	quotaColumns  = `id, tenant_id, feature, quota_limit, reset_period, reset_anchor, overage_allowed, overage_rate, max_overage, created_at, updated_at`
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert reports false when a record with the same idempotency key already
// exists; the caller re-reads it.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO usage_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		record.ID,
		record.TenantID,
		record.Feature,
		record.Quantity,
		record.RecordedAt,
		record.IdempotencyKey,
		record.RemoteRecordID,
		record.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, feature, key string) (*domain.UsageRecord, error) {
	var record domain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+` FROM usage_records
		 WHERE tenant_id = ? AND feature = ? AND idempotency_key = ?`,
		tenantID, feature, key,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) SetRemoteRecordID(ctx context.Context, db *gorm.DB, id snowflake.ID, remoteID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_records SET remote_record_id = ? WHERE id = ? AND remote_record_id IS NULL`,
		remoteID, id,
	).Error
}

func (r *repo) SumQuantity(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, feature string, from, to time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0) FROM usage_records
		 WHERE tenant_id = ? AND feature = ? AND recorded_at >= ? AND recorded_at <= ?`,
		tenantID, feature, from.UTC(), to.UTC(),
	).Scan(&total).Error
	return total, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, feature string, cursor *domain.UsageCursor, limit int) ([]*domain.UsageRecord, error) {
	var items []*domain.UsageRecord
	stmt := db.WithContext(ctx).Model(&domain.UsageRecord{}).Where("tenant_id = ?", tenantID)
	if feature != "" {
		stmt = stmt.Where("feature = ?", feature)
	}
	if cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt,
			cursor.CreatedAt,
			cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if limit > 0 {
		stmt = stmt.Limit(limit + 1)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindQuota(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, feature string) (*domain.UsageQuota, error) {
	var quota domain.UsageQuota
	err := db.WithContext(ctx).Raw(
		`SELECT `+quotaColumns+` FROM usage_quotas WHERE tenant_id = ? AND feature = ?`,
		tenantID, feature,
	).Scan(&quota).Error
	if err != nil {
		return nil, err
	}
	if quota.ID == 0 {
		return nil, nil
	}
	return &quota, nil
}

func (r *repo) ListQuotas(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]domain.UsageQuota, error) {
	var quotas []domain.UsageQuota
	err := db.WithContext(ctx).Raw(
		`SELECT `+quotaColumns+` FROM usage_quotas WHERE tenant_id = ? ORDER BY feature ASC`,
		tenantID,
	).Scan(&quotas).Error
	if err != nil {
		return nil, err
	}
	return quotas, nil
}

func (r *repo) UpsertQuota(ctx context.Context, db *gorm.DB, quota *domain.UsageQuota) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_quotas (`+quotaColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, feature) DO UPDATE SET
			quota_limit = excluded.quota_limit,
			reset_period = excluded.reset_period,
			reset_anchor = excluded.reset_anchor,
			overage_allowed = excluded.overage_allowed,
			overage_rate = excluded.overage_rate,
			max_overage = excluded.max_overage,
			updated_at = excluded.updated_at`,
		quota.ID,
		quota.TenantID,
		quota.Feature,
		quota.Limit,
		quota.ResetPeriod,
		quota.ResetAnchor,
		quota.OverageAllowed,
		quota.OverageRate,
		quota.MaxOverage,
		quota.CreatedAt,
		quota.UpdatedAt,
	).Error
}
