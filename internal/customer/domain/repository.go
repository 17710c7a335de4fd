package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, customer *BillingCustomer) error
	FindByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*BillingCustomer, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, provider string, externalID string) (*BillingCustomer, error)
}
