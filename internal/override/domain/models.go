package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	KindFeature = "feature"
	KindLimit   = "limit"
	KindQuota   = "quota"
	KindPricing = "pricing"
)

// Limit keys accepted for KindLimit.
const (
	LimitSeats        = "seats"
	LimitLocations    = "locations"
	LimitRefreshQuota = "refresh_quota"
)

// Override is an administrator-set value that beats provider metadata for the
// same key. Scope is "tenant:<id>" or "tier:<TIER>".
type Override struct {
	ID        snowflake.ID   `gorm:"primaryKey" json:"id"`
	Scope     string         `gorm:"not null;uniqueIndex:ux_override_scope_kind_key" json:"scope"`
	TenantID  *snowflake.ID  `gorm:"index" json:"tenant_id,omitempty"`
	Tier      *string        `json:"tier,omitempty"`
	Kind      string         `gorm:"not null;uniqueIndex:ux_override_scope_kind_key" json:"kind"`
	Key       string         `gorm:"column:override_key;not null;uniqueIndex:ux_override_scope_kind_key" json:"key"`
	Value     datatypes.JSON `gorm:"not null" json:"value"`
	Reason    string         `gorm:"not null" json:"reason"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	CreatedBy string         `gorm:"not null" json:"created_by"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (Override) TableName() string { return "entitlement_overrides" }

// Active reports whether the override is still in force at now.
func (o Override) Active(now time.Time) bool {
	return o.ExpiresAt == nil || now.Before(*o.ExpiresAt)
}

func TenantScope(tenantID snowflake.ID) string {
	return "tenant:" + tenantID.String()
}

func TierScope(tier string) string {
	return "tier:" + strings.ToUpper(strings.TrimSpace(tier))
}

// Set is the active overrides relevant to one resolution.
type Set struct {
	Tier   []Override
	Tenant []Override
}
