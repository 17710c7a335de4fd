package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Upsert only overwrites a row whose provider_event_at is not newer than
	// the incoming one. It reports whether the row was written.
	Upsert(ctx context.Context, db *gorm.DB, mirror *SubscriptionMirror) (bool, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*SubscriptionMirror, error)
	FindCurrentByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, source string) (*SubscriptionMirror, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]SubscriptionMirror, error)
}
