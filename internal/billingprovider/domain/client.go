package domain

import (
	"context"
	"errors"
	"time"
)

// Provider subscription statuses, lower-case as the provider reports them.
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusUnpaid            = "unpaid"
	StatusPaused            = "paused"
)

type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	Items             []SubscriptionItem
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}

// PrimaryItem is the first item; it decides the tier.
func (s Subscription) PrimaryItem() (SubscriptionItem, bool) {
	if len(s.Items) == 0 {
		return SubscriptionItem{}, false
	}
	return s.Items[0], true
}

type SubscriptionItem struct {
	ID        string
	PriceID   string
	ProductID string
	Quantity  int64
}

type Product struct {
	ID       string
	Name     string
	Active   bool
	Metadata map[string]string
}

type CreateSubscriptionRequest struct {
	CustomerID     string
	PriceID        string
	Metadata       map[string]string
	IdempotencyKey string
}

type UpdateSubscriptionRequest struct {
	SubscriptionID    string
	PriceID           string
	CancelAtPeriodEnd *bool
	Metadata          map[string]string
}

type ReportUsageRequest struct {
	SubscriptionItemID string
	Quantity           int64
	Timestamp          time.Time
	IdempotencyKey     string
}

type UsageReport struct {
	ID string
}

type PortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client is the boundary to the external billing provider.
type Client interface {
	Name() string
	// GetActiveSubscription returns nil, nil when the customer has none.
	GetActiveSubscription(ctx context.Context, customerID string) (*Subscription, error)
	GetProduct(ctx context.Context, productID string) (*Product, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	UpdateSubscription(ctx context.Context, req UpdateSubscriptionRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)
	ReportUsage(ctx context.Context, req ReportUsageRequest) (*UsageReport, error)
	CreatePortalSession(ctx context.Context, customerID string, returnURL string) (*PortalSession, error)
}

var (
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrNotFound            = errors.New("provider_resource_not_found")
	ErrNotConfigured       = errors.New("billing_provider_not_configured")
	ErrInvalidRequest      = errors.New("provider_invalid_request")
)
