package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	UpsertProduct(ctx context.Context, db *gorm.DB, product *ProductMirror) (bool, error)
	UpsertPrice(ctx context.Context, db *gorm.DB, price *PriceMirror) (bool, error)
	FindProduct(ctx context.Context, db *gorm.DB, id string) (*ProductMirror, error)
	FindPrice(ctx context.Context, db *gorm.DB, id string) (*PriceMirror, error)
}
