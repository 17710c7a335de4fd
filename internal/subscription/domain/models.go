// Package domain contains the local mirror of provider subscriptions.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus is the mirrored lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "ACTIVE"
	SubscriptionStatusTrialing   SubscriptionStatus = "TRIALING"
	SubscriptionStatusPastDue    SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusUnpaid     SubscriptionStatus = "UNPAID"
	SubscriptionStatusIncomplete SubscriptionStatus = "INCOMPLETE"
	SubscriptionStatusCanceled   SubscriptionStatus = "CANCELED"
)

const (
	SourceProvider = "provider"
	SourceTrial    = "trial"
)

// Current reports whether the status still grants entitlements.
func (s SubscriptionStatus) Current() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue, SubscriptionStatusUnpaid:
		return true
	default:
		return false
	}
}

// StatusFromProvider maps the provider's lower-case status.
func StatusFromProvider(status string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return SubscriptionStatusActive
	case "trialing":
		return SubscriptionStatusTrialing
	case "past_due":
		return SubscriptionStatusPastDue
	case "unpaid":
		return SubscriptionStatusUnpaid
	case "incomplete":
		return SubscriptionStatusIncomplete
	default:
		return SubscriptionStatusCanceled
	}
}

// SubscriptionMirror is the last known state of a provider subscription, or
// of a local trial grant (Source == SourceTrial).
type SubscriptionMirror struct {
	ID                     snowflake.ID                `gorm:"primaryKey" json:"id"`
	ExternalSubscriptionID string                      `gorm:"not null;uniqueIndex" json:"external_subscription_id"`
	TenantID               snowflake.ID                `gorm:"not null;index" json:"tenant_id"`
	Provider               string                      `gorm:"not null" json:"provider"`
	ExternalCustomerID     string                      `json:"external_customer_id,omitempty"`
	Status                 SubscriptionStatus          `gorm:"type:text;not null" json:"status"`
	Tier                   string                      `json:"tier,omitempty"`
	ProductID              string                      `json:"product_id,omitempty"`
	PriceID                string                      `json:"price_id,omitempty"`
	SubscriptionItemID     string                      `json:"subscription_item_id,omitempty"`
	CurrentPeriodEnd       *time.Time                  `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool                        `gorm:"not null;default:false" json:"cancel_at_period_end"`
	Source                 string                      `gorm:"not null" json:"source"`
	Features               datatypes.JSONSlice[string] `json:"features,omitempty"`
	Limits                 datatypes.JSONMap           `json:"limits,omitempty"`
	ProviderEventAt        time.Time                   `gorm:"not null" json:"provider_event_at"`
	CreatedAt              time.Time                   `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time                   `gorm:"not null" json:"updated_at"`
}

func (SubscriptionMirror) TableName() string { return "subscription_mirrors" }

// TrialExternalID is the mirror key used for a local trial grant.
func TrialExternalID(trialID snowflake.ID) string {
	return "trial_" + trialID.String()
}
