package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, override *Override) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Override, error)
	FindByScopeKey(ctx context.Context, db *gorm.DB, scope, kind, key string) (*Override, error)
	ListByScope(ctx context.Context, db *gorm.DB, scope string) ([]Override, error)
	ListActiveByScope(ctx context.Context, db *gorm.DB, scope string, now time.Time) ([]Override, error)
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
	DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}
