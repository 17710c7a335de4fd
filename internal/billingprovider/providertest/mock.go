// Package providertest holds a testify mock of the billing provider client.
package providertest

import (
	"context"

	"github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/stretchr/testify/mock"
)

type Client struct {
	mock.Mock
}

var _ domain.Client = (*Client)(nil)

func (c *Client) Name() string { return "mock" }

func (c *Client) GetActiveSubscription(ctx context.Context, customerID string) (*domain.Subscription, error) {
	args := c.Called(ctx, customerID)
	sub, _ := args.Get(0).(*domain.Subscription)
	return sub, args.Error(1)
}

func (c *Client) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	args := c.Called(ctx, productID)
	product, _ := args.Get(0).(*domain.Product)
	return product, args.Error(1)
}

func (c *Client) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	args := c.Called(ctx, req)
	sub, _ := args.Get(0).(*domain.Subscription)
	return sub, args.Error(1)
}

func (c *Client) UpdateSubscription(ctx context.Context, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	args := c.Called(ctx, req)
	sub, _ := args.Get(0).(*domain.Subscription)
	return sub, args.Error(1)
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*domain.Subscription, error) {
	args := c.Called(ctx, subscriptionID, atPeriodEnd)
	sub, _ := args.Get(0).(*domain.Subscription)
	return sub, args.Error(1)
}

func (c *Client) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (*domain.UsageReport, error) {
	args := c.Called(ctx, req)
	report, _ := args.Get(0).(*domain.UsageReport)
	return report, args.Error(1)
}

func (c *Client) CreatePortalSession(ctx context.Context, customerID string, returnURL string) (*domain.PortalSession, error) {
	args := c.Called(ctx, customerID, returnURL)
	session, _ := args.Get(0).(*domain.PortalSession)
	return session, args.Error(1)
}
