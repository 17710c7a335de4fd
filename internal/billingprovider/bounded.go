package billingprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

// boundedClient puts a deadline on every provider call and records its
// outcome. A deadline hit surfaces as ErrProviderUnavailable.
type boundedClient struct {
	inner   domain.Client
	timeout time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewBoundedClient(inner domain.Client, timeout time.Duration, m *metrics.Metrics, log *zap.Logger) domain.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &boundedClient{
		inner:   inner,
		timeout: timeout,
		metrics: m,
		log:     log.Named("billingprovider"),
	}
}

func (c *boundedClient) Name() string { return c.inner.Name() }

func (c *boundedClient) GetActiveSubscription(ctx context.Context, customerID string) (*domain.Subscription, error) {
	return call(ctx, c, "get_active_subscription", func(ctx context.Context) (*domain.Subscription, error) {
		return c.inner.GetActiveSubscription(ctx, customerID)
	})
}

func (c *boundedClient) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return call(ctx, c, "get_product", func(ctx context.Context) (*domain.Product, error) {
		return c.inner.GetProduct(ctx, productID)
	})
}

func (c *boundedClient) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	return call(ctx, c, "create_subscription", func(ctx context.Context) (*domain.Subscription, error) {
		return c.inner.CreateSubscription(ctx, req)
	})
}

func (c *boundedClient) UpdateSubscription(ctx context.Context, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	return call(ctx, c, "update_subscription", func(ctx context.Context) (*domain.Subscription, error) {
		return c.inner.UpdateSubscription(ctx, req)
	})
}

func (c *boundedClient) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*domain.Subscription, error) {
	return call(ctx, c, "cancel_subscription", func(ctx context.Context) (*domain.Subscription, error) {
		return c.inner.CancelSubscription(ctx, subscriptionID, atPeriodEnd)
	})
}

func (c *boundedClient) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (*domain.UsageReport, error) {
	return call(ctx, c, "report_usage", func(ctx context.Context) (*domain.UsageReport, error) {
		return c.inner.ReportUsage(ctx, req)
	})
}

func (c *boundedClient) CreatePortalSession(ctx context.Context, customerID string, returnURL string) (*domain.PortalSession, error) {
	return call(ctx, c, "create_portal_session", func(ctx context.Context) (*domain.PortalSession, error) {
		return c.inner.CreatePortalSession(ctx, customerID, returnURL)
	})
}

func call[T any](ctx context.Context, c *boundedClient, operation string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := fn(callCtx)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrProviderUnavailable) {
		err = fmt.Errorf("%w: %s timed out after %s", domain.ErrProviderUnavailable, operation, c.timeout)
	}

	c.metrics.RecordProviderCall(ctx, operation, resultLabel(err), time.Since(start))
	if err != nil {
		var zero T
		level := c.log.Warn
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrNotConfigured) {
			level = c.log.Debug
		}
		level("provider call failed",
			zap.String("provider", c.inner.Name()),
			zap.String("operation", operation),
			zap.Error(err),
		)
		return zero, err
	}
	return out, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
