package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingCustomer links a tenant to its customer record at the billing provider.
type BillingCustomer struct {
	TenantID           snowflake.ID `gorm:"primaryKey" json:"tenant_id"`
	Provider           string       `gorm:"not null" json:"provider"`
	ExternalCustomerID string       `gorm:"not null;uniqueIndex" json:"external_customer_id"`
	Email              string       `json:"email,omitempty"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

func (BillingCustomer) TableName() string { return "billing_customers" }
