// Package domain contains usage records and per-tenant quota settings.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// UsageRecord stores a single metered increment. Rows are never updated
// except to attach the provider's usage-record reference.
type UsageRecord struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID       snowflake.ID `gorm:"not null;index:idx_usage_tenant_feature_time,priority:1;uniqueIndex:ux_usage_idempotency,priority:1" json:"tenant_id"`
	Feature        string       `gorm:"type:text;not null;index:idx_usage_tenant_feature_time,priority:2;uniqueIndex:ux_usage_idempotency,priority:2" json:"feature"`
	Quantity       int64        `gorm:"not null" json:"quantity"`
	RecordedAt     time.Time    `gorm:"not null;index:idx_usage_tenant_feature_time,priority:3" json:"recorded_at"`
	IdempotencyKey *string      `gorm:"type:text;uniqueIndex:ux_usage_idempotency,priority:3" json:"idempotency_key,omitempty"`
	RemoteRecordID *string      `gorm:"type:text" json:"remote_record_id,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

type ResetPeriod string

const (
	ResetDay   ResetPeriod = "day"
	ResetWeek  ResetPeriod = "week"
	ResetMonth ResetPeriod = "month"
	ResetYear  ResetPeriod = "year"
)

func (p ResetPeriod) Valid() bool {
	switch p {
	case ResetDay, ResetWeek, ResetMonth, ResetYear:
		return true
	default:
		return false
	}
}

// UsageQuota is an explicit per-tenant quota. Without one, limits come from
// the tenant's entitlement snapshot.
type UsageQuota struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID       snowflake.ID    `gorm:"not null;uniqueIndex:ux_quota_tenant_feature,priority:1" json:"tenant_id"`
	Feature        string          `gorm:"type:text;not null;uniqueIndex:ux_quota_tenant_feature,priority:2" json:"feature"`
	Limit          int64           `gorm:"column:quota_limit;not null" json:"limit"`
	ResetPeriod    ResetPeriod     `gorm:"type:text;not null" json:"reset_period"`
	ResetAnchor    time.Time       `gorm:"not null" json:"reset_anchor"`
	OverageAllowed bool            `gorm:"not null;default:false" json:"overage_allowed"`
	OverageRate    decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"overage_rate"`
	MaxOverage     int64           `gorm:"not null;default:0" json:"max_overage"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"not null" json:"updated_at"`
}

func (UsageQuota) TableName() string { return "usage_quotas" }

// OveragePolicy decides what happens past the limit.
type OveragePolicy struct {
	Allowed bool            `json:"allowed"`
	Rate    decimal.Decimal `json:"rate"`
	Max     int64           `json:"max"`
}

// Quota sources reported with a check.
const (
	QuotaSourceTenant      = "tenant"
	QuotaSourceEntitlement = "entitlement"
	QuotaSourceNone        = "none"
)

type Overage struct {
	Allowed       bool            `json:"allowed"`
	Current       int64           `json:"current"`
	Max           int64           `json:"max"`
	Rate          decimal.Decimal `json:"rate"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

type QuotaCheckResult struct {
	Feature     string    `json:"feature"`
	Allowed     bool      `json:"allowed"`
	Unlimited   bool      `json:"unlimited"`
	Requested   int64     `json:"requested"`
	Current     int64     `json:"current"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	Overage     Overage   `json:"overage"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Source      string    `json:"source"`
}

type UsageSummary struct {
	TenantID snowflake.ID       `json:"tenant_id,string"`
	Tier     string             `json:"tier"`
	Quotas   []QuotaCheckResult `json:"quotas"`
}
