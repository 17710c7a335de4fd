package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type SyncRequest struct {
	ExternalSubscriptionID string
	TenantID               snowflake.ID
	Provider               string
	ExternalCustomerID     string
	Status                 SubscriptionStatus
	Tier                   string
	ProductID              string
	PriceID                string
	SubscriptionItemID     string
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	Source                 string
	Features               []string
	Limits                 map[string]any
	// EventAt orders concurrent updates; older events never win.
	EventAt time.Time
}

type SyncResult struct {
	Mirror  SubscriptionMirror
	Applied bool
}

type Service interface {
	Sync(ctx context.Context, req SyncRequest) (SyncResult, error)
	// SyncTx is Sync against the caller's transaction.
	SyncTx(ctx context.Context, tx *gorm.DB, req SyncRequest) (SyncResult, error)
	GetByExternalID(ctx context.Context, externalID string) (SubscriptionMirror, error)
	// CurrentForTenant returns the newest mirror still granting access, or nil.
	CurrentForTenant(ctx context.Context, tenantID snowflake.ID) (*SubscriptionMirror, error)
	CurrentTrial(ctx context.Context, tenantID snowflake.ID) (*SubscriptionMirror, error)
	HasActivePaid(ctx context.Context, tenantID snowflake.ID) (bool, error)
	ListForTenant(ctx context.Context, tenantID snowflake.ID) ([]SubscriptionMirror, error)
}

var (
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidStatus       = errors.New("invalid_subscription_status")
	ErrNotFound            = errors.New("subscription_not_found")
)
