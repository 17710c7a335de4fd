package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const subscriptionList = `{
  "object": "list",
  "url": "/v1/subscriptions",
  "has_more": false,
  "data": [
    {"id": "sub_old", "object": "subscription", "status": "canceled", "customer": "cus_1",
     "items": {"object": "list", "data": []}},
    {"id": "sub_trial", "object": "subscription", "status": "trialing", "customer": "cus_1",
     "items": {"object": "list", "data": []}},
    {"id": "sub_live", "object": "subscription", "status": "active", "customer": "cus_1",
     "current_period_end": 1767225600, "cancel_at_period_end": true,
     "items": {"object": "list", "data": [
       {"id": "si_1", "object": "subscription_item", "quantity": 1,
        "price": {"id": "price_pro", "object": "price", "product": "prod_pro"}}
     ]}}
  ]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newClientWithConfig("sk_test_123", &stripego.BackendConfig{
		URL:               stripego.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripego.Int64(0),
		LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelNull},
	})
}

func TestGetActiveSubscriptionPicksActive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions", r.URL.Path)
		assert.Equal(t, "cus_1", r.URL.Query().Get("customer"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(subscriptionList))
	})

	sub, err := c.GetActiveSubscription(context.Background(), "cus_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "sub_live", sub.ID)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CurrentPeriodEnd)

	item, ok := sub.PrimaryItem()
	require.True(t, ok)
	assert.Equal(t, "si_1", item.ID)
	assert.Equal(t, "price_pro", item.PriceID)
	assert.Equal(t, "prod_pro", item.ProductID)
}

func TestGetActiveSubscriptionNone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","url":"/v1/subscriptions","has_more":false,"data":[]}`))
	})

	sub, err := c.GetActiveSubscription(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestGetProductMapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "not found", status: http.StatusNotFound, want: domain.ErrNotFound},
		{name: "server error", status: http.StatusInternalServerError, want: domain.ErrProviderUnavailable},
		{name: "bad request", status: http.StatusBadRequest, want: domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				errType := "invalid_request_error"
				if tt.status >= 500 {
					errType = "api_error"
				}
				_, _ = w.Write([]byte(`{"error":{"type":"` + errType + `","message":"boom"}}`))
			})
			_, err := c.GetProduct(context.Background(), "prod_x")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGetProductReturnsMetadata(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/products/prod_pro", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"prod_pro","object":"product","name":"Pro","active":true,"metadata":{"tier":"PRO","featureFlags":"[\"sso\"]"}}`))
	})

	product, err := c.GetProduct(context.Background(), "prod_pro")
	require.NoError(t, err)
	assert.Equal(t, "PRO", product.Metadata["tier"])
	assert.True(t, product.Active)
}

func TestNonStripeErrorIsUnavailable(t *testing.T) {
	err := mapError(errors.New("dial tcp: connection refused"))
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}
