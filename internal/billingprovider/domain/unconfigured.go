package domain

import "context"

// UnconfiguredClient answers every call with ErrNotConfigured. Resolution
// treats that like an unreachable provider and falls back.
type UnconfiguredClient struct{}

func (UnconfiguredClient) Name() string { return "none" }

func (UnconfiguredClient) GetActiveSubscription(context.Context, string) (*Subscription, error) {
	return nil, ErrNotConfigured
}

func (UnconfiguredClient) GetProduct(context.Context, string) (*Product, error) {
	return nil, ErrNotConfigured
}

func (UnconfiguredClient) CreateSubscription(context.Context, CreateSubscriptionRequest) (*Subscription, error) {
	return nil, ErrNotConfigured
}

func (UnconfiguredClient) UpdateSubscription(context.Context, UpdateSubscriptionRequest) (*Subscription, error) {
	return nil, ErrNotConfigured
}

func (UnconfiguredClient) CancelSubscription(context.Context, string, bool) (*Subscription, error) {
	return nil, ErrNotConfigured
}

func (UnconfiguredClient) ReportUsage(context.Context, ReportUsageRequest) (*UsageReport, error) {
	return nil, ErrNotConfigured
}

func (UnconfiguredClient) CreatePortalSession(context.Context, string, string) (*PortalSession, error) {
	return nil, ErrNotConfigured
}
