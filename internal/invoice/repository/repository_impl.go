package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, provider, tenant_id, external_customer_id, external_subscription_id, status,
	amount_due, amount_paid, currency, provider_event_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, inv *domain.InvoiceMirror) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO invoice_mirrors (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			tenant_id = COALESCE(excluded.tenant_id, invoice_mirrors.tenant_id),
			external_customer_id = excluded.external_customer_id,
			external_subscription_id = excluded.external_subscription_id,
			status = excluded.status,
			amount_due = excluded.amount_due,
			amount_paid = excluded.amount_paid,
			currency = excluded.currency,
			provider_event_at = excluded.provider_event_at,
			updated_at = excluded.updated_at
		 WHERE invoice_mirrors.provider_event_at <= excluded.provider_event_at`,
		inv.ID,
		inv.Provider,
		inv.TenantID,
		inv.ExternalCustomerID,
		inv.ExternalSubscriptionID,
		inv.Status,
		inv.AmountDue,
		inv.AmountPaid,
		inv.Currency,
		inv.ProviderEventAt,
		inv.UpdatedAt,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.InvoiceMirror, error) {
	var item domain.InvoiceMirror
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoice_mirrors WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, limit int) ([]domain.InvoiceMirror, error) {
	var items []domain.InvoiceMirror
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoice_mirrors
		 WHERE tenant_id = ?
		 ORDER BY provider_event_at DESC, id DESC
		 LIMIT ?`,
		tenantID, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
