package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const ProviderName = "stripe"

// statusRank orders the statuses that count as "the active subscription".
var statusRank = map[stripego.SubscriptionStatus]int{
	stripego.SubscriptionStatusActive:   0,
	stripego.SubscriptionStatusTrialing: 1,
	stripego.SubscriptionStatusPastDue:  2,
	stripego.SubscriptionStatusUnpaid:   3,
}

type Client struct {
	api *client.API
}

// NewClient builds a client on the given http.Client so outbound calls carry
// tracing.
func NewClient(secretKey string, httpClient *http.Client) *Client {
	return newClientWithConfig(secretKey, &stripego.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripego.Int64(1),
		LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelError},
	})
}

func newClientWithConfig(secretKey string, cfg *stripego.BackendConfig) *Client {
	backend := stripego.GetBackendWithConfig(stripego.APIBackend, cfg)
	api := &client.API{}
	api.Init(secretKey, &stripego.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})
	return &Client{api: api}
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) GetActiveSubscription(ctx context.Context, customerID string) (*domain.Subscription, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, domain.ErrInvalidRequest
	}

	params := &stripego.SubscriptionListParams{
		Customer: stripego.String(customerID),
		Status:   stripego.String("all"),
	}
	params.Context = ctx
	params.Limit = stripego.Int64(20)

	var best *stripego.Subscription
	iter := c.api.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		rank, ok := statusRank[sub.Status]
		if !ok {
			continue
		}
		if best == nil || rank < statusRank[best.Status] {
			best = sub
		}
	}
	if err := iter.Err(); err != nil {
		return nil, mapError(err)
	}
	if best == nil {
		return nil, nil
	}
	return toSubscription(best), nil
}

func (c *Client) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, domain.ErrInvalidRequest
	}
	params := &stripego.ProductParams{}
	params.Context = ctx
	product, err := c.api.Products.Get(productID, params)
	if err != nil {
		return nil, mapError(err)
	}
	return &domain.Product{
		ID:       product.ID,
		Name:     product.Name,
		Active:   product.Active,
		Metadata: product.Metadata,
	}, nil
}

func (c *Client) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	if strings.TrimSpace(req.CustomerID) == "" || strings.TrimSpace(req.PriceID) == "" {
		return nil, domain.ErrInvalidRequest
	}
	params := &stripego.SubscriptionParams{
		Customer: stripego.String(req.CustomerID),
		Items: []*stripego.SubscriptionItemsParams{
			{Price: stripego.String(req.PriceID)},
		},
	}
	params.Context = ctx
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return nil, mapError(err)
	}
	return toSubscription(sub), nil
}

func (c *Client) UpdateSubscription(ctx context.Context, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	if strings.TrimSpace(req.SubscriptionID) == "" {
		return nil, domain.ErrInvalidRequest
	}

	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	if req.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripego.Bool(*req.CancelAtPeriodEnd)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}

	if priceID := strings.TrimSpace(req.PriceID); priceID != "" {
		getParams := &stripego.SubscriptionParams{}
		getParams.Context = ctx
		current, err := c.api.Subscriptions.Get(req.SubscriptionID, getParams)
		if err != nil {
			return nil, mapError(err)
		}
		if current.Items == nil || len(current.Items.Data) == 0 {
			return nil, fmt.Errorf("%w: subscription has no items", domain.ErrInvalidRequest)
		}
		params.Items = []*stripego.SubscriptionItemsParams{
			{ID: stripego.String(current.Items.Data[0].ID), Price: stripego.String(priceID)},
		}
		params.ProrationBehavior = stripego.String("create_prorations")
	}

	sub, err := c.api.Subscriptions.Update(req.SubscriptionID, params)
	if err != nil {
		return nil, mapError(err)
	}
	return toSubscription(sub), nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*domain.Subscription, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, domain.ErrInvalidRequest
	}
	if atPeriodEnd {
		cancel := true
		return c.UpdateSubscription(ctx, domain.UpdateSubscriptionRequest{
			SubscriptionID:    subscriptionID,
			CancelAtPeriodEnd: &cancel,
		})
	}
	params := &stripego.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return nil, mapError(err)
	}
	return toSubscription(sub), nil
}

func (c *Client) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (*domain.UsageReport, error) {
	if strings.TrimSpace(req.SubscriptionItemID) == "" || req.Quantity <= 0 {
		return nil, domain.ErrInvalidRequest
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	params := &stripego.UsageRecordParams{
		SubscriptionItem: stripego.String(req.SubscriptionItemID),
		Quantity:         stripego.Int64(req.Quantity),
		Timestamp:        stripego.Int64(ts.Unix()),
		Action:           stripego.String(string(stripego.UsageRecordActionIncrement)),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	record, err := c.api.UsageRecords.New(params)
	if err != nil {
		return nil, mapError(err)
	}
	return &domain.UsageReport{ID: record.ID}, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerID string, returnURL string) (*domain.PortalSession, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, domain.ErrInvalidRequest
	}
	params := &stripego.BillingPortalSessionParams{
		Customer: stripego.String(customerID),
	}
	if returnURL != "" {
		params.ReturnURL = stripego.String(returnURL)
	}
	params.Context = ctx
	session, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, mapError(err)
	}
	return &domain.PortalSession{ID: session.ID, URL: session.URL}, nil
}

func toSubscription(sub *stripego.Subscription) *domain.Subscription {
	if sub == nil {
		return nil
	}
	out := &domain.Subscription{
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
			mapped := domain.SubscriptionItem{ID: item.ID, Quantity: item.Quantity}
			if item.Price != nil {
				mapped.PriceID = item.Price.ID
				if item.Price.Product != nil {
					mapped.ProductID = item.Price.Product.ID
				}
			}
			out.Items = append(out.Items, mapped)
		}
	}
	return out
}

// mapError folds provider failures into the domain taxonomy. Anything that is
// not a well-formed client error counts as the provider being unavailable.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, stripeErr.Msg)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripego.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, stripeErr.Msg)
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, stripeErr.Msg)
	}
}
