package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, invoice *InvoiceMirror) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id string) (*InvoiceMirror, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, limit int) ([]InvoiceMirror, error)
}
