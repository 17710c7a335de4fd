package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	billingdomain "github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/smallbiznis/entitlements/internal/trial/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	mirrorProvider  = "local"
	expireBatchSize = 500
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Cfg             config.Config
	Repo            domain.Repository
	Tiers           *config.TierConfigHolder
	SubscriptionSvc subscriptiondomain.Service
	CustomerSvc     customerdomain.Service
	Provider        billingdomain.Client          `optional:"true"`
	Dispatcher      invalidationdomain.Dispatcher `optional:"true"`
	AuditSvc        auditdomain.Service           `optional:"true"`
	Metrics         *metrics.Metrics              `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.TrialConfig
	repo        domain.Repository
	tiers       *config.TierConfigHolder
	expireBatch int

	subscriptionSvc subscriptiondomain.Service
	customerSvc     customerdomain.Service
	provider        billingdomain.Client
	dispatcher      invalidationdomain.Dispatcher
	auditSvc        auditdomain.Service
	metrics         *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("trial.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Cfg.Trial,
		repo:        p.Repo,
		tiers:       p.Tiers,
		expireBatch: expireBatchSize,

		subscriptionSvc: p.SubscriptionSvc,
		customerSvc:     p.CustomerSvc,
		provider:        p.Provider,
		dispatcher:      p.Dispatcher,
		auditSvc:        p.AuditSvc,
		metrics:         p.Metrics,
	}
}

func (s *Service) StartTrial(ctx context.Context, req domain.StartTrialRequest) (domain.TrialAccount, error) {
	if req.TenantID == 0 {
		return domain.TrialAccount{}, domain.ErrInvalidTenant
	}
	code := strings.TrimSpace(req.ConfigCode)
	if code == "" {
		code = s.cfg.DefaultTrialConfig
	}
	code = slug.Make(code)
	if code == "" {
		return domain.TrialAccount{}, domain.ErrInvalidConfig
	}
	tc, err := s.repo.FindConfigByCode(ctx, s.db, code)
	if err != nil {
		return domain.TrialAccount{}, err
	}
	if tc == nil {
		return domain.TrialAccount{}, domain.ErrConfigNotFound
	}

	now := s.clock.Now()
	latest, err := s.repo.FindLatestByTenant(ctx, s.db, req.TenantID)
	if err != nil {
		return domain.TrialAccount{}, err
	}
	if latest != nil {
		if !latest.Status.Terminal() {
			return domain.TrialAccount{}, domain.ErrTrialExists
		}
		if s.inCooldown(*latest, now) {
			return domain.TrialAccount{}, domain.ErrCooldown
		}
	}

	paid, err := s.subscriptionSvc.HasActivePaid(ctx, req.TenantID)
	if err != nil {
		return domain.TrialAccount{}, err
	}
	if !paid {
		paid, err = s.providerHasActivePaid(ctx, req.TenantID)
		if err != nil {
			return domain.TrialAccount{}, err
		}
	}
	if paid {
		return domain.TrialAccount{}, domain.ErrPaidSubscriptionActive
	}

	expiresAt := now.AddDate(0, 0, tc.DurationDays)
	account := domain.TrialAccount{
		ID:              s.genID.Generate(),
		TenantID:        req.TenantID,
		TrialConfigID:   tc.ID,
		ConfigCode:      tc.Code,
		Status:          domain.TrialStatusActive,
		TargetTier:      tc.TargetTier,
		StartedAt:       now,
		ExpiresAt:       expiresAt,
		GracePeriodDays: tc.GracePeriodDays,
		GraceEndsAt:     domain.GraceEnd(expiresAt, tc.GracePeriodDays),
		UsageStats:      datatypes.JSONMap{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertAccount(ctx, tx, &account); err != nil {
			return err
		}
		return s.syncMirror(ctx, tx, account, tc, subscriptiondomain.SubscriptionStatusTrialing)
	})
	if err != nil {
		return domain.TrialAccount{}, err
	}

	s.log.Info("trial started",
		zap.String("tenant_id", account.TenantID.String()),
		zap.String("trial_id", account.ID.String()),
		zap.String("config", tc.Code),
		zap.Time("expires_at", account.ExpiresAt),
	)
	s.metrics.RecordTrialTransition(ctx, "", string(domain.TrialStatusActive))
	s.audit(ctx, auditdomain.ActionTrialStarted, account, map[string]any{
		"config":      tc.Code,
		"target_tier": tc.TargetTier,
		"expires_at":  account.ExpiresAt.Format(time.RFC3339),
	})
	return account, s.invalidate(ctx, account, "started")
}

// providerHasActivePaid checks the billing provider for a paid subscription
// that has no local mirror yet. Tenants without a linked customer have none.
func (s *Service) providerHasActivePaid(ctx context.Context, tenantID snowflake.ID) (bool, error) {
	if s.provider == nil || s.customerSvc == nil {
		return false, nil
	}
	customer, err := s.customerSvc.GetByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, customerdomain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	sub, err := s.provider.GetActiveSubscription(ctx, customer.ExternalCustomerID)
	switch {
	case errors.Is(err, billingdomain.ErrNotConfigured), errors.Is(err, billingdomain.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check provider subscription: %w", err)
	}
	return sub != nil && sub.Status == billingdomain.StatusActive, nil
}

func (s *Service) inCooldown(t domain.TrialAccount, now time.Time) bool {
	if s.cfg.CooldownDays <= 0 {
		return false
	}
	ended := t.UpdatedAt
	if at := t.EndedAt(); at != nil {
		ended = *at
	}
	return now.Before(ended.AddDate(0, 0, s.cfg.CooldownDays))
}

func (s *Service) ExtendTrial(ctx context.Context, req domain.ExtendTrialRequest) (domain.TrialAccount, error) {
	if req.Days <= 0 {
		return domain.TrialAccount{}, domain.ErrInvalidExtension
	}
	account, err := s.GetTrial(ctx, req.TenantID)
	if err != nil {
		return domain.TrialAccount{}, err
	}
	if account.Status != domain.TrialStatusActive {
		return domain.TrialAccount{}, fmt.Errorf("%w: cannot extend %s trial", domain.ErrInvalidTransition, account.Status)
	}
	if s.cfg.MaxExtensions > 0 && account.ExtensionCount >= s.cfg.MaxExtensions {
		return domain.TrialAccount{}, domain.ErrMaxExtensions
	}
	tc, err := s.configFor(ctx, account)
	if err != nil {
		return domain.TrialAccount{}, err
	}

	previous := account.ExpiresAt
	account.ExpiresAt = account.ExpiresAt.AddDate(0, 0, req.Days)
	account.GraceEndsAt = domain.GraceEnd(account.ExpiresAt, account.GracePeriodDays)
	account.ExtensionCount++
	account.UpdatedAt = s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.update(ctx, tx, &account, domain.TrialStatusActive); err != nil {
			return err
		}
		return s.syncMirror(ctx, tx, account, tc, subscriptiondomain.SubscriptionStatusTrialing)
	})
	if err != nil {
		return domain.TrialAccount{}, err
	}
	metadata := map[string]any{
		"days":                req.Days,
		"previous_expires_at": previous.Format(time.RFC3339),
		"expires_at":          account.ExpiresAt.Format(time.RFC3339),
		"extension_count":     account.ExtensionCount,
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		metadata["reason"] = reason
	}
	s.audit(ctx, auditdomain.ActionTrialExtended, account, metadata)
	return account, s.invalidate(ctx, account, "extended")
}

func (s *Service) CancelTrial(ctx context.Context, req domain.CancelTrialRequest) (domain.TrialAccount, error) {
	account, err := s.GetTrial(ctx, req.TenantID)
	if err != nil {
		return domain.TrialAccount{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	return s.transition(ctx, account, domain.TrialStatusCancelled, auditdomain.ActionTrialCancelled, func(a *domain.TrialAccount, now time.Time) {
		a.CancelledAt = &now
		if reason != "" {
			a.CancelReason = &reason
		}
	})
}

func (s *Service) CheckExpiration(ctx context.Context, tenantID snowflake.ID) (domain.Expiration, error) {
	account, err := s.GetTrial(ctx, tenantID)
	if err != nil {
		return domain.Expiration{}, err
	}
	result := domain.EvaluateExpiration(account, s.clock.Now())
	if result.Expired && account.Status == domain.TrialStatusActive {
		expired, err := s.expire(ctx, account)
		if err != nil {
			return domain.Expiration{}, err
		}
		result.Status = expired.Status
	}
	return result, nil
}

func (s *Service) expire(ctx context.Context, account domain.TrialAccount) (domain.TrialAccount, error) {
	return s.transition(ctx, account, domain.TrialStatusExpired, auditdomain.ActionTrialExpired, func(a *domain.TrialAccount, now time.Time) {
		a.ExpiredAt = &now
	})
}

func (s *Service) ConvertTrialToPaid(ctx context.Context, req domain.ConvertTrialRequest) (domain.TrialAccount, error) {
	account, err := s.GetTrial(ctx, req.TenantID)
	if err != nil {
		return domain.TrialAccount{}, err
	}
	if !domain.CanTransition(account.Status, domain.TrialStatusConverted) {
		return domain.TrialAccount{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, account.Status, domain.TrialStatusConverted)
	}
	tc, err := s.configFor(ctx, account)
	if err != nil {
		return domain.TrialAccount{}, err
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		priceID = tc.DefaultPriceID
	}
	if priceID == "" {
		return domain.TrialAccount{}, domain.ErrNoPrice
	}
	if s.provider == nil {
		return domain.TrialAccount{}, billingdomain.ErrNotConfigured
	}
	customer, err := s.customerSvc.GetByTenant(ctx, account.TenantID)
	if err != nil {
		if errors.Is(err, customerdomain.ErrNotFound) {
			return domain.TrialAccount{}, domain.ErrNoCustomer
		}
		return domain.TrialAccount{}, err
	}

	sub, err := s.provider.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{
		CustomerID: customer.ExternalCustomerID,
		PriceID:    priceID,
		Metadata: map[string]string{
			"tenant_id": account.TenantID.String(),
			"trial_id":  account.ID.String(),
			"tier":      tc.TargetTier,
		},
		IdempotencyKey: "trial_convert_" + account.ID.String(),
	})
	if err != nil {
		return domain.TrialAccount{}, fmt.Errorf("create subscription: %w", err)
	}
	if sub == nil || sub.ID == "" {
		return domain.TrialAccount{}, fmt.Errorf("create subscription: %w", billingdomain.ErrInvalidRequest)
	}

	// Mirror the paid subscription now so resolution does not depend on the
	// webhook arriving first.
	s.mirrorPaid(ctx, account, customer, tc, *sub)

	subID := sub.ID
	tier := tc.TargetTier
	return s.transition(ctx, account, domain.TrialStatusConverted, auditdomain.ActionTrialConverted, func(a *domain.TrialAccount, now time.Time) {
		a.ConvertedAt = &now
		a.ConvertedSubscriptionID = &subID
		a.ConvertedTier = &tier
	})
}

func (s *Service) mirrorPaid(ctx context.Context, account domain.TrialAccount, customer customerdomain.BillingCustomer, tc *domain.TrialConfig, sub billingdomain.Subscription) {
	req := subscriptiondomain.SyncRequest{
		ExternalSubscriptionID: sub.ID,
		TenantID:               account.TenantID,
		Provider:               customer.Provider,
		ExternalCustomerID:     customer.ExternalCustomerID,
		Status:                 subscriptiondomain.StatusFromProvider(sub.Status),
		Tier:                   tc.TargetTier,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		Source:                 subscriptiondomain.SourceProvider,
		EventAt:                s.clock.Now(),
	}
	if item, ok := sub.PrimaryItem(); ok {
		req.ProductID = item.ProductID
		req.PriceID = item.PriceID
		req.SubscriptionItemID = item.ID
	}
	if _, err := s.subscriptionSvc.Sync(ctx, req); err != nil {
		s.log.Warn("failed to mirror converted subscription",
			zap.String("tenant_id", account.TenantID.String()),
			zap.String("subscription_id", sub.ID),
			zap.Error(err),
		)
	}
}

// transition moves an active trial into a terminal state, retires its local
// mirror and invalidates the tenant's entitlements.
func (s *Service) transition(ctx context.Context, account domain.TrialAccount, to domain.TrialStatus, action string, apply func(*domain.TrialAccount, time.Time)) (domain.TrialAccount, error) {
	from := account.Status
	if !domain.CanTransition(from, to) {
		return domain.TrialAccount{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	now := s.clock.Now()
	account.Status = to
	account.UpdatedAt = now
	apply(&account, now)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.update(ctx, tx, &account, from); err != nil {
			return err
		}
		return s.syncMirror(ctx, tx, account, nil, subscriptiondomain.SubscriptionStatusCanceled)
	})
	if err != nil {
		return domain.TrialAccount{}, err
	}

	s.log.Info("trial transitioned",
		zap.String("tenant_id", account.TenantID.String()),
		zap.String("trial_id", account.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	s.metrics.RecordTrialTransition(ctx, string(from), string(to))
	metadata := map[string]any{"from": string(from), "to": string(to)}
	if account.CancelReason != nil {
		metadata["reason"] = *account.CancelReason
	}
	if account.ConvertedSubscriptionID != nil {
		metadata["subscription_id"] = *account.ConvertedSubscriptionID
	}
	s.audit(ctx, action, account, metadata)
	return account, s.invalidate(ctx, account, string(to))
}

func (s *Service) update(ctx context.Context, tx *gorm.DB, account *domain.TrialAccount, expected domain.TrialStatus) error {
	updated, err := s.repo.UpdateAccount(ctx, tx, account, expected)
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("%w: trial changed concurrently", domain.ErrInvalidTransition)
	}
	return nil
}

// syncMirror writes the trial's local subscription mirror. tc may be nil when
// the mirror is being retired.
func (s *Service) syncMirror(ctx context.Context, tx *gorm.DB, account domain.TrialAccount, tc *domain.TrialConfig, status subscriptiondomain.SubscriptionStatus) error {
	expiresAt := account.ExpiresAt
	req := subscriptiondomain.SyncRequest{
		ExternalSubscriptionID: subscriptiondomain.TrialExternalID(account.ID),
		TenantID:               account.TenantID,
		Provider:               mirrorProvider,
		Status:                 status,
		Tier:                   account.TargetTier,
		CurrentPeriodEnd:       &expiresAt,
		Source:                 subscriptiondomain.SourceTrial,
		EventAt:                s.clock.Now(),
	}
	if tc != nil {
		req.Features = tc.Features
		req.Limits = tc.Limitations
	}
	if _, err := s.subscriptionSvc.SyncTx(ctx, tx, req); err != nil {
		return fmt.Errorf("sync trial mirror: %w", err)
	}
	return nil
}

func (s *Service) configFor(ctx context.Context, account domain.TrialAccount) (*domain.TrialConfig, error) {
	tc, err := s.repo.FindConfigByID(ctx, s.db, account.TrialConfigID)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return nil, domain.ErrConfigNotFound
	}
	return tc, nil
}

func (s *Service) GetTrial(ctx context.Context, tenantID snowflake.ID) (domain.TrialAccount, error) {
	if tenantID == 0 {
		return domain.TrialAccount{}, domain.ErrInvalidTenant
	}
	item, err := s.repo.FindLatestByTenant(ctx, s.db, tenantID)
	if err != nil {
		return domain.TrialAccount{}, err
	}
	if item == nil {
		return domain.TrialAccount{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) ListTrialConfigs(ctx context.Context) ([]domain.TrialConfig, error) {
	return s.repo.ListConfigs(ctx, s.db)
}

func (s *Service) UpsertTrialConfig(ctx context.Context, req domain.UpsertTrialConfigRequest) (domain.TrialConfig, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.TrialConfig{}, domain.ErrInvalidConfig
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = name
	}
	code = slug.Make(code)
	if code == "" || req.DurationDays <= 0 {
		return domain.TrialConfig{}, domain.ErrInvalidConfig
	}
	tier := strings.ToUpper(strings.TrimSpace(req.TargetTier))
	if tier == "" {
		return domain.TrialConfig{}, domain.ErrInvalidConfig
	}
	if s.tiers != nil {
		if _, ok := s.tiers.Get().Lookup(tier); !ok {
			return domain.TrialConfig{}, fmt.Errorf("%w: unknown tier %s", domain.ErrInvalidConfig, tier)
		}
	}
	grace := s.cfg.DefaultGraceDays
	if req.GracePeriodDays != nil {
		grace = *req.GracePeriodDays
	}
	if grace < 0 {
		return domain.TrialConfig{}, domain.ErrInvalidConfig
	}
	var offers datatypes.JSON
	if len(req.RetentionOffers) > 0 {
		if !json.Valid(req.RetentionOffers) {
			return domain.TrialConfig{}, fmt.Errorf("%w: retention_offers is not valid JSON", domain.ErrInvalidConfig)
		}
		offers = datatypes.JSON(req.RetentionOffers)
	}
	limitations := datatypes.JSONMap(req.Limitations)
	if limitations == nil {
		limitations = datatypes.JSONMap{}
	}

	now := s.clock.Now()
	tc := domain.TrialConfig{
		ID:                    s.genID.Generate(),
		Code:                  code,
		Name:                  name,
		DurationDays:          req.DurationDays,
		TargetTier:            tier,
		Features:              datatypes.JSONSlice[string](entdomain.NormalizeFeatures(req.Features)),
		Limitations:           limitations,
		RequiresPaymentMethod: req.RequiresPaymentMethod,
		AutoConvert:           req.AutoConvert,
		GracePeriodDays:       grace,
		RetentionOffers:       offers,
		DefaultPriceID:        strings.TrimSpace(req.DefaultPriceID),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.UpsertConfig(ctx, s.db, &tc); err != nil {
		return domain.TrialConfig{}, err
	}
	stored, err := s.repo.FindConfigByCode(ctx, s.db, code)
	if err != nil {
		return domain.TrialConfig{}, err
	}
	if stored != nil {
		tc = *stored
	}

	if s.auditSvc != nil {
		targetID := tc.ID.String()
		err := s.auditSvc.AuditLog(ctx, nil, "", nil, auditdomain.ActionTrialConfigUpserted, "trial_config", &targetID, map[string]any{
			"code":          tc.Code,
			"target_tier":   tc.TargetTier,
			"duration_days": tc.DurationDays,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("failed to write trial config audit log", zap.Error(err))
		}
	}
	return tc, nil
}

func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.ListActivePastGrace(ctx, s.db, now, s.expireBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	var errs []error
	for _, account := range due {
		if _, err := s.expire(ctx, account); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, fmt.Errorf("trial %s: %w", account.ID, err))
			continue
		}
		expired++
	}
	return expired, errors.Join(errs...)
}

func (s *Service) invalidate(ctx context.Context, account domain.TrialAccount, event string) error {
	if s.dispatcher == nil {
		return nil
	}
	err := s.dispatcher.Invalidate(ctx, account.TenantID, invalidationdomain.ReasonTrialChange, map[string]any{
		"trial_id": account.ID.String(),
		"event":    event,
	})
	if err != nil {
		return fmt.Errorf("trial updated but cache invalidation failed: %w", err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, action string, account domain.TrialAccount, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	tenantID := account.TenantID
	targetID := account.ID.String()
	if err := s.auditSvc.AuditLog(ctx, &tenantID, "", nil, action, "trial", &targetID, metadata); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("failed to write trial audit log", zap.Error(err))
	}
}
