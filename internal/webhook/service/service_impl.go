package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	invoicedomain "github.com/smallbiznis/entitlements/internal/invoice/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/smallbiznis/entitlements/internal/webhook/adapters"
	"github.com/smallbiznis/entitlements/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Results recorded per delivery.
const (
	resultProcessed        = "processed"
	resultIgnored          = "ignored"
	resultDuplicate        = "duplicate"
	resultError            = "error"
	resultInvalidSignature = "invalid_signature"
)

// handlerFunc applies one event and reports whether it changed local state.
type handlerFunc func(ctx context.Context, evt *domain.Event) (bool, error)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Cfg             config.Config
	Repo            domain.Repository
	Adapters        *adapters.Registry
	CustomerSvc     customerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	CatalogSvc      catalogdomain.Service
	InvoiceSvc      invoicedomain.Service
	Dispatcher      invalidationdomain.Dispatcher
	AuditSvc        auditdomain.Service `optional:"true"`
	Metrics         *metrics.Metrics    `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository

	adapters        *adapters.Registry
	customerSvc     customerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	catalogSvc      catalogdomain.Service
	invoiceSvc      invoicedomain.Service
	dispatcher      invalidationdomain.Dispatcher
	auditSvc        auditdomain.Service
	metrics         *metrics.Metrics

	catalogInvalidateAll bool
	handlers             map[domain.EventType]handlerFunc
}

func NewService(p Params) domain.Service {
	s := &Service{
		db:    p.DB,
		log:   p.Log.Named("webhook.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,

		adapters:        p.Adapters,
		customerSvc:     p.CustomerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		catalogSvc:      p.CatalogSvc,
		invoiceSvc:      p.InvoiceSvc,
		dispatcher:      p.Dispatcher,
		auditSvc:        p.AuditSvc,
		metrics:         p.Metrics,

		catalogInvalidateAll: p.Cfg.Webhook.ProductInvalidateAll,
	}
	s.handlers = map[domain.EventType]handlerFunc{
		domain.EventSubscriptionCreated:     s.handleSubscription,
		domain.EventSubscriptionUpdated:     s.handleSubscription,
		domain.EventSubscriptionDeleted:     s.handleSubscription,
		domain.EventInvoiceCreated:          s.handleInvoice,
		domain.EventInvoiceUpdated:          s.handleInvoice,
		domain.EventInvoicePaymentSucceeded: s.handleInvoice,
		domain.EventInvoicePaymentFailed:    s.handleInvoice,
		domain.EventProductCreated:          s.handleProduct,
		domain.EventProductUpdated:          s.handleProduct,
		domain.EventPriceCreated:            s.handlePrice,
		domain.EventPriceUpdated:            s.handlePrice,
	}
	return s
}

func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (domain.Result, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return domain.Result{}, err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, "", resultInvalidSignature)
		s.auditSignatureFailure(ctx, provider, err)
		if errors.Is(err, domain.ErrInvalidWebhookSignature) {
			return domain.Result{}, domain.ErrInvalidWebhookSignature
		}
		return domain.Result{}, err
	}

	evt, err := adapter.Parse(ctx, payload)
	if err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, "", resultError)
		return domain.Result{}, err
	}
	result := domain.Result{Type: evt.RawType}

	handler, ok := s.handlers[evt.Type]
	if !ok {
		s.log.Debug("webhook event ignored", zap.String("provider", provider), zap.String("type", evt.RawType), zap.String("event_id", evt.ID))
		s.metrics.RecordWebhookEvent(ctx, provider, evt.RawType, resultIgnored)
		return result, nil
	}

	seen, err := s.repo.Exists(ctx, s.db, provider, evt.ID)
	if err != nil {
		return domain.Result{}, err
	}
	if seen {
		s.metrics.RecordWebhookEvent(ctx, provider, evt.RawType, resultDuplicate)
		result.Processed = true
		result.Duplicate = true
		return result, nil
	}

	processed, err := handler(ctx, evt)
	if err != nil {
		s.log.Error("webhook processing failed",
			zap.String("provider", provider),
			zap.String("type", evt.RawType),
			zap.String("event_id", evt.ID),
			zap.Error(err),
		)
		s.metrics.RecordWebhookEvent(ctx, provider, evt.RawType, resultError)
		return domain.Result{}, err
	}

	if processed {
		record := domain.WebhookEvent{
			ID:          s.genID.Generate(),
			Provider:    provider,
			EventID:     evt.ID,
			EventType:   evt.RawType,
			Processed:   true,
			OccurredAt:  evt.OccurredAt,
			ProcessedAt: s.clock.Now(),
		}
		if err := s.repo.Insert(ctx, s.db, &record); err != nil {
			s.log.Warn("failed to record webhook delivery", zap.String("event_id", evt.ID), zap.Error(err))
		}
		s.metrics.RecordWebhookEvent(ctx, provider, evt.RawType, resultProcessed)
	} else {
		s.metrics.RecordWebhookEvent(ctx, provider, evt.RawType, resultIgnored)
	}
	result.Processed = processed
	return result, nil
}

func (s *Service) handleSubscription(ctx context.Context, evt *domain.Event) (bool, error) {
	sub := evt.Subscription
	if sub == nil || sub.ID == "" {
		return false, domain.ErrInvalidPayload
	}
	tenantID, err := s.resolveTenant(ctx, evt.Provider, sub.CustomerID, sub.Metadata)
	if err != nil {
		return false, err
	}
	if tenantID == 0 {
		s.log.Warn("subscription event for unknown customer",
			zap.String("provider", evt.Provider),
			zap.String("subscription_id", sub.ID),
			zap.String("customer_id", sub.CustomerID),
		)
		return false, nil
	}

	status := subscriptiondomain.StatusFromProvider(sub.Status)
	if evt.Type == domain.EventSubscriptionDeleted {
		status = subscriptiondomain.SubscriptionStatusCanceled
	}
	req := subscriptiondomain.SyncRequest{
		ExternalSubscriptionID: sub.ID,
		TenantID:               tenantID,
		Provider:               evt.Provider,
		ExternalCustomerID:     sub.CustomerID,
		Status:                 status,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		Source:                 subscriptiondomain.SourceProvider,
		EventAt:                evt.OccurredAt,
	}
	if item, ok := sub.PrimaryItem(); ok {
		req.ProductID = item.ProductID
		req.PriceID = item.PriceID
		req.SubscriptionItemID = item.ID
		req.Tier = s.tierForProduct(ctx, item.ProductID)
	}
	if req.Tier == "" {
		req.Tier = sub.Metadata[entdomain.MetaTier]
	}

	synced, err := s.subscriptionSvc.Sync(ctx, req)
	if err != nil {
		return false, err
	}
	if !synced.Applied {
		return true, nil
	}
	return true, s.invalidateTenant(ctx, tenantID, invalidationdomain.ReasonSubscriptionChange, evt)
}

func (s *Service) handleInvoice(ctx context.Context, evt *domain.Event) (bool, error) {
	inv := evt.Invoice
	if inv == nil || inv.ID == "" {
		return false, domain.ErrInvalidPayload
	}
	tenantID, err := s.resolveTenant(ctx, evt.Provider, inv.CustomerID, nil)
	if err != nil {
		return false, err
	}

	mirror := invoicedomain.InvoiceMirror{
		ID:                     inv.ID,
		Provider:               evt.Provider,
		ExternalCustomerID:     inv.CustomerID,
		ExternalSubscriptionID: inv.SubscriptionID,
		Status:                 invoiceStatus(evt.Type, inv.Status),
		AmountDue:              inv.AmountDue,
		AmountPaid:             inv.AmountPaid,
		Currency:               inv.Currency,
		ProviderEventAt:        evt.OccurredAt,
	}
	if tenantID != 0 {
		mirror.TenantID = &tenantID
	}
	applied, err := s.invoiceSvc.Sync(ctx, mirror)
	if err != nil {
		return false, err
	}

	paymentEvent := evt.Type == domain.EventInvoicePaymentSucceeded || evt.Type == domain.EventInvoicePaymentFailed
	if applied && paymentEvent && tenantID != 0 {
		return true, s.invalidateTenant(ctx, tenantID, invalidationdomain.ReasonPaymentChange, evt)
	}
	return true, nil
}

func invoiceStatus(eventType domain.EventType, status string) string {
	switch eventType {
	case domain.EventInvoicePaymentSucceeded:
		return invoicedomain.StatusPaid
	case domain.EventInvoicePaymentFailed:
		return invoicedomain.StatusPaymentFailed
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "draft":
		return invoicedomain.StatusDraft
	case "paid", "completed":
		return invoicedomain.StatusPaid
	case "void", "canceled":
		return invoicedomain.StatusVoid
	case "uncollectible":
		return invoicedomain.StatusUncollectible
	default:
		return invoicedomain.StatusOpen
	}
}

func (s *Service) handleProduct(ctx context.Context, evt *domain.Event) (bool, error) {
	product := evt.Product
	if product == nil || product.ID == "" {
		return false, domain.ErrInvalidPayload
	}
	metadata := datatypes.JSONMap{}
	for k, v := range product.Metadata {
		metadata[k] = v
	}
	applied, err := s.catalogSvc.SyncProduct(ctx, catalogdomain.ProductMirror{
		ID:              product.ID,
		Provider:        evt.Provider,
		Name:            product.Name,
		Active:          product.Active,
		Metadata:        metadata,
		ProviderEventAt: evt.OccurredAt,
	})
	if err != nil {
		return false, err
	}
	if applied {
		return true, s.invalidateCatalog(ctx, evt)
	}
	return true, nil
}

func (s *Service) handlePrice(ctx context.Context, evt *domain.Event) (bool, error) {
	price := evt.Price
	if price == nil || price.ID == "" {
		return false, domain.ErrInvalidPayload
	}
	applied, err := s.catalogSvc.SyncPrice(ctx, catalogdomain.PriceMirror{
		ID:                price.ID,
		Provider:          evt.Provider,
		ProductID:         price.ProductID,
		Currency:          price.Currency,
		UnitAmount:        price.UnitAmount,
		RecurringInterval: price.RecurringInterval,
		Active:            price.Active,
		ProviderEventAt:   evt.OccurredAt,
	})
	if err != nil {
		return false, err
	}
	if applied {
		return true, s.invalidateCatalog(ctx, evt)
	}
	return true, nil
}

// resolveTenant maps a provider customer to a tenant, falling back to the
// tenant_id metadata set on subscriptions created by this service. Zero means
// unknown.
func (s *Service) resolveTenant(ctx context.Context, provider, customerID string, metadata map[string]string) (snowflake.ID, error) {
	if strings.TrimSpace(customerID) != "" {
		tenantID, err := s.customerSvc.ResolveTenant(ctx, provider, customerID)
		if err == nil {
			return tenantID, nil
		}
		if !errors.Is(err, customerdomain.ErrNotFound) {
			return 0, err
		}
	}
	if raw := strings.TrimSpace(metadata["tenant_id"]); raw != "" {
		if id, err := snowflake.ParseString(raw); err == nil {
			return id, nil
		}
	}
	return 0, nil
}

func (s *Service) tierForProduct(ctx context.Context, productID string) string {
	if productID == "" {
		return ""
	}
	product, err := s.catalogSvc.GetProduct(ctx, productID)
	if err != nil {
		return ""
	}
	if tier, ok := product.Metadata[entdomain.MetaTier].(string); ok {
		return tier
	}
	return ""
}

func (s *Service) invalidateTenant(ctx context.Context, tenantID snowflake.ID, reason string, evt *domain.Event) error {
	err := s.dispatcher.Invalidate(ctx, tenantID, reason, map[string]any{
		"provider": evt.Provider,
		"event_id": evt.ID,
		"type":     evt.RawType,
	})
	if err != nil {
		return fmt.Errorf("webhook applied but cache invalidation failed: %w", err)
	}
	return nil
}

func (s *Service) invalidateCatalog(ctx context.Context, evt *domain.Event) error {
	if !s.catalogInvalidateAll {
		return nil
	}
	err := s.dispatcher.InvalidateAll(ctx, invalidationdomain.ReasonCatalogChange, map[string]any{
		"provider": evt.Provider,
		"event_id": evt.ID,
		"type":     evt.RawType,
	})
	if err != nil {
		return fmt.Errorf("catalog updated but cache invalidation failed: %w", err)
	}
	return nil
}

func (s *Service) auditSignatureFailure(ctx context.Context, provider string, cause error) {
	s.log.Warn("webhook signature verification failed", zap.String("provider", provider), zap.Error(cause))
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, nil, "", nil, auditdomain.ActionWebhookSignatureError, "webhook", &provider, nil); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("failed to write webhook audit log", zap.Error(err))
	}
}
