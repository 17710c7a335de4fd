package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	StatusDraft         = "draft"
	StatusOpen          = "open"
	StatusPaid          = "paid"
	StatusPaymentFailed = "payment_failed"
	StatusVoid          = "void"
	StatusUncollectible = "uncollectible"
)

// InvoiceMirror is the last seen provider invoice for a tenant.
type InvoiceMirror struct {
	ID                     string        `gorm:"primaryKey" json:"id"`
	Provider               string        `gorm:"not null" json:"provider"`
	TenantID               *snowflake.ID `gorm:"index" json:"tenant_id,omitempty"`
	ExternalCustomerID     string        `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string        `json:"external_subscription_id,omitempty"`
	Status                 string        `gorm:"not null" json:"status"`
	AmountDue              int64         `json:"amount_due"`
	AmountPaid             int64         `json:"amount_paid"`
	Currency               string        `json:"currency"`
	ProviderEventAt        time.Time     `gorm:"not null" json:"provider_event_at"`
	UpdatedAt              time.Time     `gorm:"not null" json:"updated_at"`
}

func (InvoiceMirror) TableName() string { return "invoice_mirrors" }
