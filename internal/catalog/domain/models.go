package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ProductMirror is the last seen provider product. Metadata holds the raw
// string map the provider reports.
type ProductMirror struct {
	ID              string            `gorm:"primaryKey" json:"id"`
	Provider        string            `gorm:"not null" json:"provider"`
	Name            string            `json:"name"`
	Active          bool              `gorm:"not null;default:true" json:"active"`
	Metadata        datatypes.JSONMap `json:"metadata"`
	ProviderEventAt time.Time         `gorm:"not null" json:"provider_event_at"`
	UpdatedAt       time.Time         `gorm:"not null" json:"updated_at"`
}

func (ProductMirror) TableName() string { return "product_mirrors" }

type PriceMirror struct {
	ID                string    `gorm:"primaryKey" json:"id"`
	Provider          string    `gorm:"not null" json:"provider"`
	ProductID         string    `gorm:"index" json:"product_id"`
	Currency          string    `json:"currency"`
	UnitAmount        int64     `json:"unit_amount"`
	RecurringInterval string    `json:"recurring_interval,omitempty"`
	Active            bool      `gorm:"not null;default:true" json:"active"`
	ProviderEventAt   time.Time `gorm:"not null" json:"provider_event_at"`
	UpdatedAt         time.Time `gorm:"not null" json:"updated_at"`
}

func (PriceMirror) TableName() string { return "price_mirrors" }
