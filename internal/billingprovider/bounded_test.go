package billingprovider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"go.uber.org/zap"
)

type slowClient struct {
	domain.UnconfiguredClient
	delay time.Duration
}

func (s slowClient) Name() string { return "slow" }

func (s slowClient) GetActiveSubscription(ctx context.Context, customerID string) (*domain.Subscription, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return &domain.Subscription{ID: "sub_1", CustomerID: customerID}, nil
	}
}

func TestBoundedClientTimesOut(t *testing.T) {
	c := NewBoundedClient(slowClient{delay: time.Second}, 20*time.Millisecond, nil, zap.NewNop())

	start := time.Now()
	_, err := c.GetActiveSubscription(context.Background(), "cus_1")
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("call was not bounded")
	}
}

func TestBoundedClientPassesThrough(t *testing.T) {
	c := NewBoundedClient(slowClient{delay: time.Millisecond}, time.Second, nil, zap.NewNop())
	sub, err := c.GetActiveSubscription(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub == nil || sub.CustomerID != "cus_1" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewBoundedClient(domain.UnconfiguredClient{}, time.Second, nil, nil)
	if _, err := c.GetProduct(context.Background(), "prod_1"); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if got := resultLabel(domain.ErrNotConfigured); got != "not_configured" {
		t.Fatalf("unexpected label %q", got)
	}
}
