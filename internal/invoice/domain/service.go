package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Sync(ctx context.Context, invoice InvoiceMirror) (bool, error)
	GetByID(ctx context.Context, id string) (InvoiceMirror, error)
	ListForTenant(ctx context.Context, tenantID snowflake.ID, limit int) ([]InvoiceMirror, error)
}

var (
	ErrInvalidInvoice = errors.New("invalid_invoice")
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrNotFound       = errors.New("invoice_not_found")
)
