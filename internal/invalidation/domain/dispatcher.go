package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Reasons recorded with an invalidation.
const (
	ReasonSubscriptionChange = "subscription_change"
	ReasonPaymentChange      = "payment_change"
	ReasonCatalogChange      = "catalog_change"
	ReasonOverrideChange     = "override_change"
	ReasonQuotaChange        = "quota_change"
	ReasonTrialChange        = "trial_change"
	ReasonManual             = "manual"
)

// Invalidator is a component that holds per-tenant entitlement state.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID snowflake.ID) error
	InvalidateAll(ctx context.Context) error
}

// Dispatcher fans an invalidation out to every registered Invalidator.
type Dispatcher interface {
	Register(name string, inv Invalidator)
	Invalidate(ctx context.Context, tenantID snowflake.ID, reason string, metadata map[string]any) error
	InvalidateAll(ctx context.Context, reason string, metadata map[string]any) error
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidationFailed = errors.New("invalidation_failed")
)
