package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/customer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, customer *domain.BillingCustomer) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_customers (tenant_id, provider, external_customer_id, email, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			provider = excluded.provider,
			external_customer_id = excluded.external_customer_id,
			email = excluded.email,
			updated_at = excluded.updated_at`,
		customer.TenantID,
		customer.Provider,
		customer.ExternalCustomerID,
		customer.Email,
		customer.CreatedAt,
		customer.UpdatedAt,
	).Error
}

func (r *repo) FindByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.BillingCustomer, error) {
	var customer domain.BillingCustomer
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id, provider, external_customer_id, email, created_at, updated_at
		 FROM billing_customers WHERE tenant_id = ?`,
		tenantID,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.TenantID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, provider string, externalID string) (*domain.BillingCustomer, error) {
	var customer domain.BillingCustomer
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id, provider, external_customer_id, email, created_at, updated_at
		 FROM billing_customers WHERE provider = ? AND external_customer_id = ?`,
		provider,
		externalID,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.TenantID == 0 {
		return nil, nil
	}
	return &customer, nil
}
