package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/entitlements/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/entitlements/internal/catalog/service"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	customerrepo "github.com/smallbiznis/entitlements/internal/customer/repository"
	customerservice "github.com/smallbiznis/entitlements/internal/customer/service"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	invoicedomain "github.com/smallbiznis/entitlements/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/entitlements/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/entitlements/internal/invoice/service"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/entitlements/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/entitlements/internal/subscription/service"
	"github.com/smallbiznis/entitlements/internal/webhook/adapters"
	paddleadapter "github.com/smallbiznis/entitlements/internal/webhook/adapters/paddle"
	stripeadapter "github.com/smallbiznis/entitlements/internal/webhook/adapters/stripe"
	"github.com/smallbiznis/entitlements/internal/webhook/domain"
	"github.com/smallbiznis/entitlements/internal/webhook/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	stripeSecret = "whsec_test"
	paddleSecret = "pdl_secret"
	tenantID     = snowflake.ID(42)
)

type recordingDispatcher struct {
	tenants []snowflake.ID
	reasons []string
	global  []string
	err     error
}

func (d *recordingDispatcher) Register(string, invalidationdomain.Invalidator) {}

func (d *recordingDispatcher) Invalidate(_ context.Context, tenantID snowflake.ID, reason string, _ map[string]any) error {
	d.tenants = append(d.tenants, tenantID)
	d.reasons = append(d.reasons, reason)
	return d.err
}

func (d *recordingDispatcher) InvalidateAll(_ context.Context, reason string, _ map[string]any) error {
	d.global = append(d.global, reason)
	return nil
}

type fixture struct {
	svc           domain.Service
	db            *gorm.DB
	dispatcher    *recordingDispatcher
	subscriptions subscriptiondomain.Service
	catalog       catalogdomain.Service
	invoices      invoicedomain.Service
}

func newFixture(t *testing.T, invalidateAll bool) fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.WebhookEvent{},
		&subscriptiondomain.SubscriptionMirror{},
		&customerdomain.BillingCustomer{},
		&catalogdomain.ProductMirror{},
		&catalogdomain.PriceMirror{},
		&invoicedomain.InvoiceMirror{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	customers := customerservice.New(customerservice.Params{DB: db, Log: log, Clock: fc, Repo: customerrepo.Provide()})
	subscriptions := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Repo: subscriptionrepo.Provide(),
	})
	catalog := catalogservice.NewService(catalogservice.Params{DB: db, Log: log, Clock: fc, Repo: catalogrepo.Provide()})
	invoices := invoiceservice.NewService(invoiceservice.Params{DB: db, Log: log, Clock: fc, Repo: invoicerepo.Provide()})

	_, err = customers.Link(context.Background(), customerdomain.LinkCustomerRequest{
		TenantID:           tenantID,
		Provider:           "stripe",
		ExternalCustomerID: "cus_1",
	})
	require.NoError(t, err)

	cfg := config.Config{}
	cfg.Webhook.ProductInvalidateAll = invalidateAll
	dispatcher := &recordingDispatcher{}

	svc := NewService(Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Clock:           fc,
		Cfg:             cfg,
		Repo:            repository.Provide(),
		Adapters:        adapters.NewRegistry(stripeadapter.New(stripeSecret), paddleadapter.New(paddleSecret)),
		CustomerSvc:     customers,
		SubscriptionSvc: subscriptions,
		CatalogSvc:      catalog,
		InvoiceSvc:      invoices,
		Dispatcher:      dispatcher,
	})
	return fixture{
		svc:           svc,
		db:            db,
		dispatcher:    dispatcher,
		subscriptions: subscriptions,
		catalog:       catalog,
		invoices:      invoices,
	}
}

func stripeHeaders(t *testing.T, secret string, payload []byte) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	header := http.Header{}
	header.Set(stripeadapter.SignatureHeader, signed.Header)
	return header
}

func paddleHeaders(secret string, payload []byte) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d:%s", ts, payload)
	header := http.Header{}
	header.Set(paddleadapter.SignatureHeader, fmt.Sprintf("ts=%d;h1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return header
}

func stripeEvent(t *testing.T, id, eventType string, created time.Time, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func stripeSubscription(status, productID string) map[string]any {
	return map[string]any{
		"id":                 "sub_1",
		"object":             "subscription",
		"customer":           "cus_1",
		"status":             status,
		"current_period_end": time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC).Unix(),
		"items": map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":       "si_1",
				"quantity": 1,
				"price":    map[string]any{"id": "price_pro", "product": productID},
			}},
		},
	}
}

func (f fixture) ingestStripe(t *testing.T, payload []byte) (domain.Result, error) {
	t.Helper()
	return f.svc.Ingest(context.Background(), "stripe", payload, stripeHeaders(t, stripeSecret, payload))
}

func TestIngestSubscriptionUpdateSyncsMirror(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.catalog.SyncProduct(ctx, catalogdomain.ProductMirror{
		ID:       "prod_pro",
		Provider: "stripe",
		Name:     "Pro",
		Active:   true,
		Metadata: map[string]any{"tier": "PRO"},
	})
	require.NoError(t, err)

	payload := stripeEvent(t, "evt_1", "customer.subscription.updated", time.Unix(1735732800, 0), stripeSubscription("active", "prod_pro"))
	result, err := f.ingestStripe(t, payload)
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, "customer.subscription.updated", result.Type)

	mirror, err := f.subscriptions.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tenantID, mirror.TenantID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, mirror.Status)
	assert.Equal(t, "PRO", mirror.Tier)
	assert.Equal(t, "si_1", mirror.SubscriptionItemID)

	assert.Equal(t, []snowflake.ID{tenantID}, f.dispatcher.tenants)
	assert.Equal(t, []string{invalidationdomain.ReasonSubscriptionChange}, f.dispatcher.reasons)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newFixture(t, false)
	payload := stripeEvent(t, "evt_1", "customer.subscription.updated", time.Unix(1735732800, 0), stripeSubscription("active", "prod_pro"))

	_, err := f.svc.Ingest(context.Background(), "stripe", payload, stripeHeaders(t, "whsec_wrong", payload))
	require.ErrorIs(t, err, domain.ErrInvalidWebhookSignature)

	_, err = f.subscriptions.GetByExternalID(context.Background(), "sub_1")
	require.ErrorIs(t, err, subscriptiondomain.ErrNotFound)
	assert.Empty(t, f.dispatcher.tenants)
}

func TestIngestUnknownProvider(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Ingest(context.Background(), "braintree", []byte(`{}`), http.Header{})
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestIngestUnhandledTypeIsAcknowledged(t *testing.T) {
	f := newFixture(t, false)
	payload := stripeEvent(t, "evt_charge", "charge.refunded", time.Unix(1735732800, 0), map[string]any{"id": "ch_1"})

	result, err := f.ingestStripe(t, payload)
	require.NoError(t, err)
	assert.False(t, result.Processed)
	assert.Equal(t, "charge.refunded", result.Type)
}

func TestIngestDuplicateDelivery(t *testing.T) {
	f := newFixture(t, false)
	payload := stripeEvent(t, "evt_dup", "customer.subscription.created", time.Unix(1735732800, 0), stripeSubscription("active", "prod_pro"))

	first, err := f.ingestStripe(t, payload)
	require.NoError(t, err)
	require.True(t, first.Processed)
	assert.False(t, first.Duplicate)

	second, err := f.ingestStripe(t, payload)
	require.NoError(t, err)
	assert.True(t, second.Processed)
	assert.True(t, second.Duplicate)
	assert.Len(t, f.dispatcher.tenants, 1)
}

func TestIngestInvalidationFailureLeavesDeliveryUnrecorded(t *testing.T) {
	f := newFixture(t, false)
	payload := stripeEvent(t, "evt_retry", "customer.subscription.updated", time.Unix(1735732800, 0), stripeSubscription("active", "prod_pro"))
	f.dispatcher.err = errors.New("redis unavailable")

	_, err := f.ingestStripe(t, payload)
	require.Error(t, err)

	var recorded int64
	require.NoError(t, f.db.Model(&domain.WebhookEvent{}).Count(&recorded).Error)
	assert.Zero(t, recorded)

	f.dispatcher.err = nil
	result, err := f.ingestStripe(t, payload)
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.False(t, result.Duplicate)
	require.NoError(t, f.db.Model(&domain.WebhookEvent{}).Count(&recorded).Error)
	assert.Equal(t, int64(1), recorded)
}

func TestIngestOutOfOrderEventIsNotApplied(t *testing.T) {
	f := newFixture(t, false)
	newer := stripeEvent(t, "evt_new", "customer.subscription.updated", time.Unix(1735736400, 0), stripeSubscription("past_due", "prod_pro"))
	older := stripeEvent(t, "evt_old", "customer.subscription.updated", time.Unix(1735732800, 0), stripeSubscription("active", "prod_pro"))

	_, err := f.ingestStripe(t, newer)
	require.NoError(t, err)
	result, err := f.ingestStripe(t, older)
	require.NoError(t, err)
	assert.True(t, result.Processed)

	mirror, err := f.subscriptions.GetByExternalID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, mirror.Status)
	assert.Len(t, f.dispatcher.tenants, 1)
}

func TestIngestSubscriptionDeletedCancelsMirror(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.ingestStripe(t, stripeEvent(t, "evt_1", "customer.subscription.created", time.Unix(1735732800, 0), stripeSubscription("active", "prod_pro")))
	require.NoError(t, err)
	_, err = f.ingestStripe(t, stripeEvent(t, "evt_2", "customer.subscription.deleted", time.Unix(1735736400, 0), stripeSubscription("active", "prod_pro")))
	require.NoError(t, err)

	mirror, err := f.subscriptions.GetByExternalID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, mirror.Status)
}

func TestIngestUnknownCustomerIsNotProcessed(t *testing.T) {
	f := newFixture(t, false)
	object := stripeSubscription("active", "prod_pro")
	object["customer"] = "cus_unknown"

	result, err := f.ingestStripe(t, stripeEvent(t, "evt_orphan", "customer.subscription.created", time.Unix(1735732800, 0), object))
	require.NoError(t, err)
	assert.False(t, result.Processed)
	assert.Empty(t, f.dispatcher.tenants)

	// Not recorded, so a redelivery after the customer is linked is applied.
	var count int64
	require.NoError(t, f.db.Model(&domain.WebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIngestInvoicePaymentFailed(t *testing.T) {
	f := newFixture(t, false)
	payload := stripeEvent(t, "evt_inv", "invoice.payment_failed", time.Unix(1735732800, 0), map[string]any{
		"id":           "in_1",
		"object":       "invoice",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"status":       "open",
		"amount_due":   4900,
		"amount_paid":  0,
		"currency":     "usd",
	})

	result, err := f.ingestStripe(t, payload)
	require.NoError(t, err)
	assert.True(t, result.Processed)

	inv, err := f.invoices.GetByID(context.Background(), "in_1")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaymentFailed, inv.Status)
	assert.Equal(t, int64(4900), inv.AmountDue)
	require.NotNil(t, inv.TenantID)
	assert.Equal(t, tenantID, *inv.TenantID)
	assert.Equal(t, []string{invalidationdomain.ReasonPaymentChange}, f.dispatcher.reasons)
}

func TestIngestProductInvalidation(t *testing.T) {
	product := map[string]any{
		"id":       "prod_pro",
		"object":   "product",
		"name":     "Pro",
		"active":   true,
		"metadata": map[string]any{"tier": "PRO", "featureFlags": `["sso"]`},
	}

	t.Run("invalidate all enabled", func(t *testing.T) {
		f := newFixture(t, true)
		_, err := f.ingestStripe(t, stripeEvent(t, "evt_prod", "product.updated", time.Unix(1735732800, 0), product))
		require.NoError(t, err)

		stored, err := f.catalog.GetProduct(context.Background(), "prod_pro")
		require.NoError(t, err)
		assert.Equal(t, "PRO", stored.Metadata["tier"])
		assert.Equal(t, []string{invalidationdomain.ReasonCatalogChange}, f.dispatcher.global)
	})

	t.Run("invalidate all disabled", func(t *testing.T) {
		f := newFixture(t, false)
		_, err := f.ingestStripe(t, stripeEvent(t, "evt_prod", "product.updated", time.Unix(1735732800, 0), product))
		require.NoError(t, err)
		assert.Empty(t, f.dispatcher.global)
	})
}

func TestIngestPaddleSubscriptionCanceled(t *testing.T) {
	f := newFixture(t, false)
	payload := []byte(fmt.Sprintf(`{
		"event_id": "evt_pdl",
		"event_type": "subscription.canceled",
		"occurred_at": "2025-01-02T10:00:00Z",
		"data": {
			"id": "sub_pdl",
			"status": "canceled",
			"customer_id": "ctm_unlinked",
			"custom_data": {"tenant_id": "%d", "tier": "PRO"},
			"items": [{"quantity": 1, "price": {"id": "pri_01", "product_id": "pro_01"}}]
		}
	}`, tenantID))

	result, err := f.svc.Ingest(context.Background(), "paddle", payload, paddleHeaders(paddleSecret, payload))
	require.NoError(t, err)
	assert.True(t, result.Processed)

	mirror, err := f.subscriptions.GetByExternalID(context.Background(), "sub_pdl")
	require.NoError(t, err)
	assert.Equal(t, tenantID, mirror.TenantID)
	assert.Equal(t, "paddle", mirror.Provider)
	assert.Equal(t, "PRO", mirror.Tier)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, mirror.Status)
}
