package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type LinkCustomerRequest struct {
	TenantID           snowflake.ID
	Provider           string
	ExternalCustomerID string
	Email              string
}

type Service interface {
	Link(ctx context.Context, req LinkCustomerRequest) (BillingCustomer, error)
	GetByTenant(ctx context.Context, tenantID snowflake.ID) (BillingCustomer, error)
	ResolveTenant(ctx context.Context, provider string, externalCustomerID string) (snowflake.ID, error)
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidProvider   = errors.New("invalid_provider")
	ErrInvalidExternalID = errors.New("invalid_external_customer_id")
	ErrInvalidEmail      = errors.New("invalid_email")
	ErrNotFound          = errors.New("customer_not_found")
)
