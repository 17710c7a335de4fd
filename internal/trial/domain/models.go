// Package domain contains trial templates, per-tenant trial accounts and the
// trial state machine.
package domain

import (
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TrialStatus string

const (
	TrialStatusActive    TrialStatus = "active"
	TrialStatusExpired   TrialStatus = "expired"
	TrialStatusConverted TrialStatus = "converted"
	TrialStatusCancelled TrialStatus = "cancelled"
)

// Terminal states never transition again.
func (s TrialStatus) Terminal() bool {
	return s == TrialStatusExpired || s == TrialStatusConverted || s == TrialStatusCancelled
}

// CanTransition reports whether from -> to is an edge of the trial state
// machine. Only active trials move, and only into a terminal state.
func CanTransition(from, to TrialStatus) bool {
	return from == TrialStatusActive && to.Terminal()
}

// TrialConfig is a named template. Fields are copied into the trial's mirror
// at start; later edits do not affect running trials.
type TrialConfig struct {
	ID                    snowflake.ID                `gorm:"primaryKey" json:"id"`
	Code                  string                      `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name                  string                      `gorm:"type:text;not null" json:"name"`
	DurationDays          int                         `gorm:"not null" json:"duration_days"`
	TargetTier            string                      `gorm:"type:text;not null" json:"target_tier"`
	Features              datatypes.JSONSlice[string] `gorm:"type:jsonb;not null" json:"features"`
	Limitations           datatypes.JSONMap           `gorm:"type:jsonb;not null" json:"limitations"`
	RequiresPaymentMethod bool                        `gorm:"not null;default:false" json:"requires_payment_method"`
	AutoConvert           bool                        `gorm:"not null;default:false" json:"auto_convert"`
	GracePeriodDays       int                         `gorm:"not null;default:0" json:"grace_period_days"`
	RetentionOffers       datatypes.JSON              `gorm:"type:jsonb" json:"retention_offers,omitempty"`
	DefaultPriceID        string                      `gorm:"type:text" json:"default_price_id,omitempty"`
	CreatedAt             time.Time                   `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time                   `gorm:"not null" json:"updated_at"`
}

func (TrialConfig) TableName() string { return "trial_configs" }

// TrialAccount is one trial attempt by a tenant.
type TrialAccount struct {
	ID                      snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID                snowflake.ID      `gorm:"not null;index" json:"tenant_id"`
	TrialConfigID           snowflake.ID      `gorm:"not null" json:"trial_config_id"`
	ConfigCode              string            `gorm:"type:text;not null" json:"config_code"`
	Status                  TrialStatus       `gorm:"type:text;not null;index" json:"status"`
	TargetTier              string            `gorm:"type:text;not null" json:"target_tier"`
	StartedAt               time.Time         `gorm:"not null" json:"started_at"`
	ExpiresAt               time.Time         `gorm:"not null;index" json:"expires_at"`
	GracePeriodDays         int               `gorm:"not null;default:0" json:"grace_period_days"`
	GraceEndsAt             time.Time         `gorm:"not null;index" json:"grace_ends_at"`
	ExtensionCount          int               `gorm:"not null;default:0" json:"extension_count"`
	UsageStats              datatypes.JSONMap `gorm:"type:jsonb" json:"usage_stats,omitempty"`
	ConvertedSubscriptionID *string           `gorm:"type:text" json:"converted_subscription_id,omitempty"`
	ConvertedTier           *string           `gorm:"type:text" json:"converted_tier,omitempty"`
	CancelReason            *string           `gorm:"type:text" json:"cancel_reason,omitempty"`
	CancelledAt             *time.Time        `json:"cancelled_at,omitempty"`
	ExpiredAt               *time.Time        `json:"expired_at,omitempty"`
	ConvertedAt             *time.Time        `json:"converted_at,omitempty"`
	CreatedAt               time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time         `gorm:"not null" json:"updated_at"`
}

func (TrialAccount) TableName() string { return "trial_accounts" }

// EndedAt is when a terminal trial stopped granting access.
func (t TrialAccount) EndedAt() *time.Time {
	switch t.Status {
	case TrialStatusCancelled:
		return t.CancelledAt
	case TrialStatusExpired:
		return t.ExpiredAt
	case TrialStatusConverted:
		return t.ConvertedAt
	default:
		return nil
	}
}

type Expiration struct {
	Status             TrialStatus `json:"status"`
	Expired            bool        `json:"expired"`
	InGrace            bool        `json:"in_grace"`
	GraceRemainingDays int         `json:"grace_remaining_days"`
	DaysRemaining      int         `json:"days_remaining"`
	ExpiresAt          time.Time   `json:"expires_at"`
	GraceEndsAt        time.Time   `json:"grace_ends_at"`
}

const day = 24 * time.Hour

// GraceEnd is the instant an active trial stops granting access.
func GraceEnd(expiresAt time.Time, graceDays int) time.Time {
	return expiresAt.Add(time.Duration(graceDays) * day)
}

// EvaluateExpiration counts in whole days past expiry, rounding partial days
// up. With 14 days and 3 days of grace, day 15 is in grace with 2 days left
// and day 18 is expired.
func EvaluateExpiration(t TrialAccount, now time.Time) Expiration {
	graceEnd := GraceEnd(t.ExpiresAt, t.GracePeriodDays)
	out := Expiration{
		Status:      t.Status,
		ExpiresAt:   t.ExpiresAt,
		GraceEndsAt: graceEnd,
	}
	switch t.Status {
	case TrialStatusExpired:
		out.Expired = true
		return out
	case TrialStatusCancelled, TrialStatusConverted:
		return out
	}
	if !now.After(t.ExpiresAt) {
		out.DaysRemaining = ceilDays(t.ExpiresAt.Sub(now))
		out.GraceRemainingDays = t.GracePeriodDays
		return out
	}
	if now.After(graceEnd) {
		out.Expired = true
		return out
	}
	out.InGrace = true
	out.GraceRemainingDays = max(t.GracePeriodDays-ceilDays(now.Sub(t.ExpiresAt)), 0)
	return out
}

func ceilDays(d time.Duration) int {
	return int(math.Ceil(d.Hours() / 24))
}
