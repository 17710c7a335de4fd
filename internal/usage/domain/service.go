package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
	"gorm.io/gorm"
)

type RecordUsageRequest struct {
	TenantID       snowflake.ID `json:"-"`
	Feature        string       `json:"feature"`
	Quantity       int64        `json:"quantity"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type SetQuotaRequest struct {
	TenantID       snowflake.ID `json:"-"`
	Feature        string       `json:"-"`
	Limit          int64        `json:"limit"`
	ResetPeriod    string       `json:"reset_period"`
	ResetAnchor    *time.Time   `json:"reset_anchor"`
	OverageAllowed bool         `json:"overage_allowed"`
	OverageRate    string       `json:"overage_rate"`
	MaxOverage     int64        `json:"max_overage"`
}

type ListUsageRequest struct {
	pagination.Pagination
	TenantID snowflake.ID
	Feature  string
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageRecords []UsageRecord `json:"usage_records"`
}

type Service interface {
	RecordUsage(ctx context.Context, req RecordUsageRequest) (UsageRecord, error)
	CheckQuota(ctx context.Context, tenantID snowflake.ID, feature string, quantity int64) (QuotaCheckResult, error)
	SetQuota(ctx context.Context, req SetQuotaRequest) (UsageQuota, error)
	GetUsageSummary(ctx context.Context, tenantID snowflake.ID) (UsageSummary, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}

type UsageCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) (bool, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, feature, key string) (*UsageRecord, error)
	SetRemoteRecordID(ctx context.Context, db *gorm.DB, id snowflake.ID, remoteID string) error
	SumQuantity(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, feature string, from, to time.Time) (int64, error)
	List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, feature string, cursor *UsageCursor, limit int) ([]*UsageRecord, error)

	FindQuota(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, feature string) (*UsageQuota, error)
	ListQuotas(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]UsageQuota, error)
	UpsertQuota(ctx context.Context, db *gorm.DB, quota *UsageQuota) error
}

var (
	ErrInvalidTenant         = errors.New("invalid_tenant")
	ErrInvalidFeature        = errors.New("invalid_feature")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidQuota          = errors.New("invalid_quota")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
	ErrQuotaExceeded         = errors.New("quota_exceeded")
)

// QuotaExceededError carries the check that rejected a usage record.
type QuotaExceededError struct {
	Result QuotaCheckResult
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: %s used %d of %d", ErrQuotaExceeded, e.Result.Feature, e.Result.Current, e.Result.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }
