package domain

import (
	"context"
	"errors"
)

type Service interface {
	SyncProduct(ctx context.Context, product ProductMirror) (bool, error)
	SyncPrice(ctx context.Context, price PriceMirror) (bool, error)
	GetProduct(ctx context.Context, id string) (ProductMirror, error)
	GetPrice(ctx context.Context, id string) (PriceMirror, error)
}

var (
	ErrInvalidProduct = errors.New("invalid_product")
	ErrInvalidPrice   = errors.New("invalid_price")
	ErrNotFound       = errors.New("catalog_item_not_found")
)
