// Package domain holds the provider-neutral form of billing webhooks.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"gorm.io/gorm"
)

// EventType is the normalized event name every adapter maps onto.
type EventType string

const (
	EventSubscriptionCreated     EventType = "subscription.created"
	EventSubscriptionUpdated     EventType = "subscription.updated"
	EventSubscriptionDeleted     EventType = "subscription.deleted"
	EventInvoiceCreated          EventType = "invoice.created"
	EventInvoiceUpdated          EventType = "invoice.updated"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
	EventProductCreated          EventType = "product.created"
	EventProductUpdated          EventType = "product.updated"
	EventPriceCreated            EventType = "price.created"
	EventPriceUpdated            EventType = "price.updated"
)

// Event is a verified, parsed delivery. Exactly one payload pointer is set for
// known types; all are nil when Type is empty.
type Event struct {
	Provider   string
	ID         string
	Type       EventType
	RawType    string
	OccurredAt time.Time

	Subscription *billingdomain.Subscription
	Invoice      *Invoice
	Product      *billingdomain.Product
	Price        *Price
}

type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Status         string
	AmountDue      int64
	AmountPaid     int64
	Currency       string
}

type Price struct {
	ID                string
	ProductID         string
	Currency          string
	UnitAmount        int64
	RecurringInterval string
	Active            bool
}

// Adapter verifies and parses one provider's deliveries.
type Adapter interface {
	Provider() string
	// Verify must run before Parse and returns ErrInvalidWebhookSignature on
	// any signature problem.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse returns an Event with an empty Type for events it does not map.
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

type Result struct {
	Processed bool   `json:"processed"`
	Type      string `json:"type"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type Service interface {
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (Result, error)
}

// WebhookEvent records a processed delivery so redeliveries are acknowledged
// without reapplying them.
type WebhookEvent struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	Provider    string       `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1" json:"provider"`
	EventID     string       `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2" json:"event_id"`
	EventType   string       `gorm:"type:text;not null" json:"event_type"`
	Processed   bool         `gorm:"not null;default:false" json:"processed"`
	OccurredAt  time.Time    `gorm:"not null" json:"occurred_at"`
	ProcessedAt time.Time    `gorm:"not null" json:"processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

type Repository interface {
	Exists(ctx context.Context, db *gorm.DB, provider, eventID string) (bool, error)
	Insert(ctx context.Context, db *gorm.DB, event *WebhookEvent) error
}

var (
	ErrInvalidWebhookSignature = errors.New("invalid_webhook_signature")
	ErrUnknownProvider         = errors.New("unknown_webhook_provider")
	ErrInvalidPayload          = errors.New("invalid_webhook_payload")
)
