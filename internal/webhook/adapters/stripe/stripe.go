// Package stripe verifies and normalizes Stripe webhook deliveries.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	billingdomain "github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/smallbiznis/entitlements/internal/webhook/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	ProviderName    = "stripe"
	SignatureHeader = "Stripe-Signature"
)

var eventTypes = map[string]domain.EventType{
	"customer.subscription.created": domain.EventSubscriptionCreated,
	"customer.subscription.updated": domain.EventSubscriptionUpdated,
	"customer.subscription.deleted": domain.EventSubscriptionDeleted,
	"invoice.created":               domain.EventInvoiceCreated,
	"invoice.updated":               domain.EventInvoiceUpdated,
	"invoice.finalized":             domain.EventInvoiceUpdated,
	"invoice.paid":                  domain.EventInvoicePaymentSucceeded,
	"invoice.payment_succeeded":     domain.EventInvoicePaymentSucceeded,
	"invoice.payment_failed":        domain.EventInvoicePaymentFailed,
	"product.created":               domain.EventProductCreated,
	"product.updated":               domain.EventProductUpdated,
	"price.created":                 domain.EventPriceCreated,
	"price.updated":                 domain.EventPriceUpdated,
}

type Adapter struct {
	secret string
}

func New(secret string) *Adapter {
	return &Adapter{secret: strings.TrimSpace(secret)}
}

func (a *Adapter) Provider() string { return ProviderName }

func (a *Adapter) Verify(_ context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" || a.secret == "" {
		return domain.ErrInvalidWebhookSignature
	}
	if err := webhook.ValidatePayload(payload, sigHeader, a.secret); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidWebhookSignature, err)
	}
	return nil
}

func (a *Adapter) Parse(_ context.Context, payload []byte) (*domain.Event, error) {
	var evt stripego.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if strings.TrimSpace(evt.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	out := &domain.Event{
		Provider:   ProviderName,
		ID:         evt.ID,
		RawType:    string(evt.Type),
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
	}
	eventType, ok := eventTypes[string(evt.Type)]
	if !ok {
		return out, nil
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, domain.ErrInvalidPayload
	}
	out.Type = eventType

	var err error
	switch eventType {
	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		out.Subscription, err = parseSubscription(evt.Data.Raw)
	case domain.EventInvoiceCreated, domain.EventInvoiceUpdated, domain.EventInvoicePaymentSucceeded, domain.EventInvoicePaymentFailed:
		out.Invoice, err = parseInvoice(evt.Data.Raw)
	case domain.EventProductCreated, domain.EventProductUpdated:
		out.Product, err = parseProduct(evt.Data.Raw)
	case domain.EventPriceCreated, domain.EventPriceUpdated:
		out.Price, err = parsePrice(evt.Data.Raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, evt.Type, err)
	}
	return out, nil
}

func parseSubscription(raw json.RawMessage) (*billingdomain.Subscription, error) {
	var sub stripego.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	out := &billingdomain.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		out.CurrentPeriodEnd = &end
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			mapped := billingdomain.SubscriptionItem{ID: item.ID, Quantity: item.Quantity}
			if item.Price != nil {
				mapped.PriceID = item.Price.ID
				if item.Price.Product != nil {
					mapped.ProductID = item.Price.Product.ID
				}
			}
			out.Items = append(out.Items, mapped)
		}
	}
	return out, nil
}

func parseInvoice(raw json.RawMessage) (*domain.Invoice, error) {
	var inv stripego.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, err
	}
	out := &domain.Invoice{
		ID:         inv.ID,
		Status:     string(inv.Status),
		AmountDue:  inv.AmountDue,
		AmountPaid: inv.AmountPaid,
		Currency:   string(inv.Currency),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	return out, nil
}

func parseProduct(raw json.RawMessage) (*billingdomain.Product, error) {
	var product stripego.Product
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil, err
	}
	return &billingdomain.Product{
		ID:       product.ID,
		Name:     product.Name,
		Active:   product.Active,
		Metadata: product.Metadata,
	}, nil
}

func parsePrice(raw json.RawMessage) (*domain.Price, error) {
	var price stripego.Price
	if err := json.Unmarshal(raw, &price); err != nil {
		return nil, err
	}
	out := &domain.Price{
		ID:         price.ID,
		Currency:   string(price.Currency),
		UnitAmount: price.UnitAmount,
		Active:     price.Active,
	}
	if price.Product != nil {
		out.ProductID = price.Product.ID
	}
	if price.Recurring != nil {
		out.RecurringInterval = string(price.Recurring.Interval)
	}
	return out, nil
}
