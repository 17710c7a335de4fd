// Package paddle verifies and normalizes Paddle Billing webhook deliveries.
package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"
	billingdomain "github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/smallbiznis/entitlements/internal/webhook/domain"
)

const (
	ProviderName    = "paddle"
	SignatureHeader = "Paddle-Signature"
)

var eventTypes = map[string]domain.EventType{
	"subscription.created":       domain.EventSubscriptionCreated,
	"subscription.activated":     domain.EventSubscriptionUpdated,
	"subscription.updated":       domain.EventSubscriptionUpdated,
	"subscription.trialing":      domain.EventSubscriptionUpdated,
	"subscription.past_due":      domain.EventSubscriptionUpdated,
	"subscription.paused":        domain.EventSubscriptionUpdated,
	"subscription.resumed":       domain.EventSubscriptionUpdated,
	"subscription.canceled":      domain.EventSubscriptionDeleted,
	"transaction.created":        domain.EventInvoiceCreated,
	"transaction.updated":        domain.EventInvoiceUpdated,
	"transaction.billed":         domain.EventInvoiceUpdated,
	"transaction.paid":           domain.EventInvoicePaymentSucceeded,
	"transaction.completed":      domain.EventInvoicePaymentSucceeded,
	"transaction.payment_failed": domain.EventInvoicePaymentFailed,
	"product.created":            domain.EventProductCreated,
	"product.updated":            domain.EventProductUpdated,
	"price.created":              domain.EventPriceCreated,
	"price.updated":              domain.EventPriceUpdated,
}

type Adapter struct {
	verifier *paddlesdk.WebhookVerifier
}

func New(secret string) *Adapter {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Adapter{}
	}
	return &Adapter{verifier: paddlesdk.NewWebhookVerifier(secret)}
}

func (a *Adapter) Provider() string { return ProviderName }

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.verifier == nil || strings.TrimSpace(headers.Get(SignatureHeader)) == "" {
		return domain.ErrInvalidWebhookSignature
	}
	// The SDK verifier reads the signature and body from a request.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhooks/paddle", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set(SignatureHeader, headers.Get(SignatureHeader))

	valid, err := a.verifier.Verify(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidWebhookSignature, err)
	}
	if !valid {
		return domain.ErrInvalidWebhookSignature
	}
	return nil
}

type paddleEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddleSubscription struct {
	ID                   string           `json:"id"`
	Status               string           `json:"status"`
	CustomerID           string           `json:"customer_id"`
	CustomData           map[string]any   `json:"custom_data"`
	Items                []paddleItem     `json:"items"`
	CurrentBillingPeriod *paddlePeriod    `json:"current_billing_period"`
	ScheduledChange      *paddleScheduled `json:"scheduled_change"`
}

type paddleItem struct {
	Quantity int64       `json:"quantity"`
	Price    paddlePrice `json:"price"`
}

type paddlePeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type paddleScheduled struct {
	Action string `json:"action"`
}

type paddleTransaction struct {
	ID             string        `json:"id"`
	Status         string        `json:"status"`
	CustomerID     string        `json:"customer_id"`
	SubscriptionID string        `json:"subscription_id"`
	CurrencyCode   string        `json:"currency_code"`
	Details        *paddleTotals `json:"details"`
}

type paddleTotals struct {
	Totals struct {
		GrandTotal string `json:"grand_total"`
	} `json:"totals"`
}

type paddleProduct struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	CustomData map[string]any `json:"custom_data"`
}

type paddlePrice struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Status    string `json:"status"`
	UnitPrice struct {
		Amount       string `json:"amount"`
		CurrencyCode string `json:"currency_code"`
	} `json:"unit_price"`
	BillingCycle *struct {
		Interval string `json:"interval"`
	} `json:"billing_cycle"`
}

func (a *Adapter) Parse(_ context.Context, payload []byte) (*domain.Event, error) {
	var evt paddleEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if strings.TrimSpace(evt.EventID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	out := &domain.Event{
		Provider:   ProviderName,
		ID:         evt.EventID,
		RawType:    evt.EventType,
		OccurredAt: evt.OccurredAt.UTC(),
	}
	eventType, ok := eventTypes[evt.EventType]
	if !ok {
		return out, nil
	}
	out.Type = eventType

	var err error
	switch eventType {
	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		out.Subscription, err = parseSubscription(evt.Data)
	case domain.EventInvoiceCreated, domain.EventInvoiceUpdated, domain.EventInvoicePaymentSucceeded, domain.EventInvoicePaymentFailed:
		out.Invoice, err = parseTransaction(evt.Data, eventType)
	case domain.EventProductCreated, domain.EventProductUpdated:
		out.Product, err = parseProduct(evt.Data)
	case domain.EventPriceCreated, domain.EventPriceUpdated:
		out.Price, err = parsePrice(evt.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, evt.EventType, err)
	}
	return out, nil
}

func parseSubscription(raw json.RawMessage) (*billingdomain.Subscription, error) {
	var sub paddleSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	out := &billingdomain.Subscription{
		ID:                sub.ID,
		CustomerID:        sub.CustomerID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.ScheduledChange != nil && sub.ScheduledChange.Action == "cancel",
		Metadata:          stringMap(sub.CustomData),
	}
	if sub.CurrentBillingPeriod != nil && !sub.CurrentBillingPeriod.EndsAt.IsZero() {
		end := sub.CurrentBillingPeriod.EndsAt.UTC()
		out.CurrentPeriodEnd = &end
	}
	for _, item := range sub.Items {
		out.Items = append(out.Items, billingdomain.SubscriptionItem{
			PriceID:   item.Price.ID,
			ProductID: item.Price.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return out, nil
}

func parseTransaction(raw json.RawMessage, eventType domain.EventType) (*domain.Invoice, error) {
	var txn paddleTransaction
	if err := json.Unmarshal(raw, &txn); err != nil {
		return nil, err
	}
	out := &domain.Invoice{
		ID:             txn.ID,
		CustomerID:     txn.CustomerID,
		SubscriptionID: txn.SubscriptionID,
		Status:         txn.Status,
		Currency:       strings.ToLower(txn.CurrencyCode),
	}
	if txn.Details != nil {
		total, _ := strconv.ParseInt(txn.Details.Totals.GrandTotal, 10, 64)
		out.AmountDue = total
		if eventType == domain.EventInvoicePaymentSucceeded {
			out.AmountPaid = total
		}
	}
	return out, nil
}

func parseProduct(raw json.RawMessage) (*billingdomain.Product, error) {
	var product paddleProduct
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil, err
	}
	return &billingdomain.Product{
		ID:       product.ID,
		Name:     product.Name,
		Active:   product.Status == "active",
		Metadata: stringMap(product.CustomData),
	}, nil
}

func parsePrice(raw json.RawMessage) (*domain.Price, error) {
	var price paddlePrice
	if err := json.Unmarshal(raw, &price); err != nil {
		return nil, err
	}
	amount, _ := strconv.ParseInt(price.UnitPrice.Amount, 10, 64)
	out := &domain.Price{
		ID:         price.ID,
		ProductID:  price.ProductID,
		Currency:   strings.ToLower(price.UnitPrice.CurrencyCode),
		UnitAmount: amount,
		Active:     price.Status == "active",
	}
	if price.BillingCycle != nil {
		out.RecurringInterval = price.BillingCycle.Interval
	}
	return out, nil
}

// stringMap flattens Paddle custom_data into the string map product metadata
// parsing expects. Non-string values are JSON encoded.
func stringMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
