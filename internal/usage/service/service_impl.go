package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	billingdomain "github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Consumption ratios that produce a warning when crossed by a single record.
var warningThresholds = []float64{0.80, 0.95}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     usagedomain.Repository
	Resolver entdomain.Resolver
	Tiers    *config.TierConfigHolder
	Provider billingdomain.Client `optional:"true"`
	AuditSvc auditdomain.Service  `optional:"true"`
	Metrics  *metrics.Metrics     `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	repo     usagedomain.Repository
	resolver entdomain.Resolver
	tiers    *config.TierConfigHolder
	provider billingdomain.Client
	auditSvc auditdomain.Service
	metrics  *metrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		resolver: p.Resolver,
		tiers:    p.Tiers,
		provider: p.Provider,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

// quotaConfig is the effective quota for one tenant and feature.
type quotaConfig struct {
	limit     int64
	unlimited bool
	period    usagedomain.ResetPeriod
	anchor    time.Time
	policy    usagedomain.OveragePolicy
	source    string
}

func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (usagedomain.UsageRecord, error) {
	if req.TenantID == 0 {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidTenant
	}
	feature := strings.TrimSpace(req.Feature)
	if feature == "" {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidFeature
	}
	if req.Quantity <= 0 {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidQuantity
	}
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if len(idempotencyKey) > 255 {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidIdempotencyKey
	}

	// A retried call returns the original record without re-checking quota.
	if idempotencyKey != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.TenantID, feature, idempotencyKey)
		if err != nil {
			return usagedomain.UsageRecord{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	snap, err := s.resolver.Resolve(ctx, req.TenantID)
	if err != nil {
		return usagedomain.UsageRecord{}, err
	}
	cfg, err := s.quotaFor(ctx, snap, feature)
	if err != nil {
		return usagedomain.UsageRecord{}, err
	}
	now := s.clock.Now()
	check, err := s.check(ctx, req.TenantID, feature, req.Quantity, cfg, now)
	if err != nil {
		return usagedomain.UsageRecord{}, err
	}
	s.metrics.RecordQuotaCheck(ctx, feature, check.Allowed)
	if !check.Allowed {
		return usagedomain.UsageRecord{}, &usagedomain.QuotaExceededError{Result: check}
	}

	record := usagedomain.UsageRecord{
		ID:         s.genID.Generate(),
		TenantID:   req.TenantID,
		Feature:    feature,
		Quantity:   req.Quantity,
		RecordedAt: now,
		CreatedAt:  now,
	}
	if idempotencyKey != "" {
		record.IdempotencyKey = &idempotencyKey
	}

	inserted, err := s.repo.Insert(ctx, s.db, &record)
	if err != nil {
		return usagedomain.UsageRecord{}, err
	}
	if !inserted && idempotencyKey != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.TenantID, feature, idempotencyKey)
		if err != nil {
			return usagedomain.UsageRecord{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	s.metrics.RecordUsage(ctx, feature, req.Quantity)
	if !cfg.unlimited {
		s.warnOnThreshold(req.TenantID, feature, check.Current, check.Current+req.Quantity, cfg.limit)
	}
	s.reportUsage(ctx, snap, &record)
	return record, nil
}

// reportUsage mirrors the increment to the provider's metering API. Local
// records are authoritative; failures are only logged.
func (s *Service) reportUsage(ctx context.Context, snap entdomain.Snapshot, record *usagedomain.UsageRecord) {
	if s.provider == nil {
		return
	}
	itemID, ok := snap.UsageItem(record.Feature)
	if !ok {
		return
	}
	report, err := s.provider.ReportUsage(ctx, billingdomain.ReportUsageRequest{
		SubscriptionItemID: itemID,
		Quantity:           record.Quantity,
		Timestamp:          record.RecordedAt,
		IdempotencyKey:     "usage_" + record.ID.String(),
	})
	if err != nil {
		s.log.Warn("failed to report usage to billing provider",
			zap.String("tenant_id", record.TenantID.String()),
			zap.String("feature", record.Feature),
			zap.String("usage_record_id", record.ID.String()),
			zap.Error(err),
		)
		return
	}
	if report == nil || report.ID == "" {
		return
	}
	if err := s.repo.SetRemoteRecordID(ctx, s.db, record.ID, report.ID); err != nil {
		s.log.Warn("failed to store remote usage reference", zap.String("usage_record_id", record.ID.String()), zap.Error(err))
		return
	}
	remoteID := report.ID
	record.RemoteRecordID = &remoteID
}

func (s *Service) warnOnThreshold(tenantID snowflake.ID, feature string, before, after, limit int64) {
	if limit <= 0 {
		return
	}
	for _, threshold := range warningThresholds {
		mark := float64(limit) * threshold
		if float64(before) < mark && float64(after) >= mark {
			s.log.Warn("usage quota threshold crossed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("feature", feature),
				zap.Float64("threshold", threshold),
				zap.Int64("current", after),
				zap.Int64("limit", limit),
			)
		}
	}
}

func (s *Service) CheckQuota(ctx context.Context, tenantID snowflake.ID, feature string, quantity int64) (usagedomain.QuotaCheckResult, error) {
	if tenantID == 0 {
		return usagedomain.QuotaCheckResult{}, usagedomain.ErrInvalidTenant
	}
	feature = strings.TrimSpace(feature)
	if feature == "" {
		return usagedomain.QuotaCheckResult{}, usagedomain.ErrInvalidFeature
	}
	if quantity < 0 {
		return usagedomain.QuotaCheckResult{}, usagedomain.ErrInvalidQuantity
	}

	snap, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return usagedomain.QuotaCheckResult{}, err
	}
	cfg, err := s.quotaFor(ctx, snap, feature)
	if err != nil {
		return usagedomain.QuotaCheckResult{}, err
	}
	result, err := s.check(ctx, tenantID, feature, quantity, cfg, s.clock.Now())
	if err != nil {
		return usagedomain.QuotaCheckResult{}, err
	}
	s.metrics.RecordQuotaCheck(ctx, feature, result.Allowed)
	return result, nil
}

func (s *Service) check(ctx context.Context, tenantID snowflake.ID, feature string, quantity int64, cfg quotaConfig, now time.Time) (usagedomain.QuotaCheckResult, error) {
	start, end := usagedomain.Period(cfg.period, cfg.anchor, now)
	current, err := s.repo.SumQuantity(ctx, s.db, tenantID, feature, start, now)
	if err != nil {
		return usagedomain.QuotaCheckResult{}, err
	}
	return evaluate(feature, current, quantity, cfg, start, end), nil
}

// evaluate applies allowed = current+qty <= limit, or overage permitted and
// the resulting overage within the policy maximum.
func evaluate(feature string, current, quantity int64, cfg quotaConfig, start, end time.Time) usagedomain.QuotaCheckResult {
	result := usagedomain.QuotaCheckResult{
		Feature:     feature,
		Requested:   quantity,
		Current:     current,
		PeriodStart: start,
		PeriodEnd:   end,
		Source:      cfg.source,
	}
	if cfg.unlimited {
		result.Allowed = true
		result.Unlimited = true
		result.Limit = -1
		result.Remaining = -1
		return result
	}

	result.Limit = cfg.limit
	result.Remaining = max(cfg.limit-current, 0)
	overage := max(current+quantity-cfg.limit, 0)
	result.Overage = usagedomain.Overage{
		Allowed:       cfg.policy.Allowed,
		Current:       overage,
		Max:           cfg.policy.Max,
		Rate:          cfg.policy.Rate,
		EstimatedCost: cfg.policy.Rate.Mul(decimal.NewFromInt(overage)),
	}
	result.Allowed = current+quantity <= cfg.limit || (cfg.policy.Allowed && overage <= cfg.policy.Max)
	return result
}

// quotaFor resolves the effective quota: an explicit tenant row first, then the
// snapshot's limit (provider metadata, overrides and tier defaults already
// merged). Period and overage policy for snapshot limits come from the tier
// config.
func (s *Service) quotaFor(ctx context.Context, snap entdomain.Snapshot, feature string) (quotaConfig, error) {
	row, err := s.repo.FindQuota(ctx, s.db, snap.TenantID, feature)
	if err != nil {
		return quotaConfig{}, err
	}
	if row != nil {
		return quotaConfig{
			limit:  row.Limit,
			period: row.ResetPeriod,
			anchor: row.ResetAnchor,
			policy: usagedomain.OveragePolicy{
				Allowed: row.OverageAllowed,
				Rate:    row.OverageRate,
				Max:     row.MaxOverage,
			},
			source: usagedomain.QuotaSourceTenant,
		}, nil
	}

	limit, ok := snap.QuotaLimit(feature)
	if !ok {
		return quotaConfig{
			unlimited: true,
			period:    usagedomain.ResetMonth,
			anchor:    usagedomain.StartOfMonth(s.clock.Now()),
			source:    usagedomain.QuotaSourceNone,
		}, nil
	}

	cfg := quotaConfig{
		limit:  limit,
		period: usagedomain.ResetMonth,
		anchor: usagedomain.StartOfMonth(s.clock.Now()),
		source: usagedomain.QuotaSourceEntitlement,
	}
	if defaults, ok := s.tiers.Get().Lookup(snap.Tier); ok {
		if q, ok := defaults.Quotas[feature]; ok {
			if period := usagedomain.ResetPeriod(strings.ToLower(q.ResetPeriod)); period.Valid() {
				cfg.period = period
			}
			cfg.policy.Allowed = q.OverageAllowed
			cfg.policy.Max = q.MaxOverage
			if rate, err := decimal.NewFromString(strings.TrimSpace(q.OverageRate)); err == nil {
				cfg.policy.Rate = rate
			}
		}
	}
	// monthly quotas on a paid plan follow the billing period
	if cfg.period == usagedomain.ResetMonth && snap.CurrentPeriodEnd != nil {
		cfg.anchor = *snap.CurrentPeriodEnd
	}
	return cfg, nil
}

func (s *Service) SetQuota(ctx context.Context, req usagedomain.SetQuotaRequest) (usagedomain.UsageQuota, error) {
	if req.TenantID == 0 {
		return usagedomain.UsageQuota{}, usagedomain.ErrInvalidTenant
	}
	feature := strings.TrimSpace(req.Feature)
	if feature == "" {
		return usagedomain.UsageQuota{}, usagedomain.ErrInvalidFeature
	}
	if req.Limit < 0 || req.MaxOverage < 0 {
		return usagedomain.UsageQuota{}, usagedomain.ErrInvalidQuota
	}
	period := usagedomain.ResetPeriod(strings.ToLower(strings.TrimSpace(req.ResetPeriod)))
	if period == "" {
		period = usagedomain.ResetMonth
	}
	if !period.Valid() {
		return usagedomain.UsageQuota{}, usagedomain.ErrInvalidQuota
	}
	rate := decimal.Zero
	if raw := strings.TrimSpace(req.OverageRate); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.IsNegative() {
			return usagedomain.UsageQuota{}, usagedomain.ErrInvalidQuota
		}
		rate = parsed
	}

	existing, err := s.repo.FindQuota(ctx, s.db, req.TenantID, feature)
	if err != nil {
		return usagedomain.UsageQuota{}, err
	}

	now := s.clock.Now()
	anchor := usagedomain.StartOfMonth(now)
	if existing != nil {
		anchor = existing.ResetAnchor
	}
	if req.ResetAnchor != nil {
		if existing != nil && req.ResetAnchor.Before(existing.ResetAnchor) {
			return usagedomain.UsageQuota{}, usagedomain.ErrInvalidQuota
		}
		anchor = req.ResetAnchor.UTC()
	}

	quota := usagedomain.UsageQuota{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		Feature:        feature,
		Limit:          req.Limit,
		ResetPeriod:    period,
		ResetAnchor:    anchor,
		OverageAllowed: req.OverageAllowed,
		OverageRate:    rate,
		MaxOverage:     req.MaxOverage,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.UpsertQuota(ctx, s.db, &quota); err != nil {
		return usagedomain.UsageQuota{}, err
	}
	stored, err := s.repo.FindQuota(ctx, s.db, req.TenantID, feature)
	if err != nil {
		return usagedomain.UsageQuota{}, err
	}
	if stored != nil {
		quota = *stored
	}

	s.audit(ctx, quota)
	return quota, nil
}

func (s *Service) audit(ctx context.Context, quota usagedomain.UsageQuota) {
	if s.auditSvc == nil {
		return
	}
	tenantID := quota.TenantID
	targetID := quota.Feature
	err := s.auditSvc.AuditLog(ctx, &tenantID, "", nil, auditdomain.ActionQuotaUpdated, "usage_quota", &targetID, map[string]any{
		"limit":           quota.Limit,
		"reset_period":    string(quota.ResetPeriod),
		"reset_anchor":    quota.ResetAnchor.Format(time.RFC3339),
		"overage_allowed": quota.OverageAllowed,
		"overage_rate":    quota.OverageRate.String(),
		"max_overage":     quota.MaxOverage,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("failed to write quota audit log", zap.Error(err))
	}
}

func (s *Service) GetUsageSummary(ctx context.Context, tenantID snowflake.ID) (usagedomain.UsageSummary, error) {
	if tenantID == 0 {
		return usagedomain.UsageSummary{}, usagedomain.ErrInvalidTenant
	}
	snap, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return usagedomain.UsageSummary{}, err
	}
	rows, err := s.repo.ListQuotas(ctx, s.db, tenantID)
	if err != nil {
		return usagedomain.UsageSummary{}, err
	}

	features := lo.Keys(snap.Quotas)
	features = append(features, lo.Map(rows, func(q usagedomain.UsageQuota, _ int) string { return q.Feature })...)
	features = lo.Uniq(features)
	sort.Strings(features)

	now := s.clock.Now()
	summary := usagedomain.UsageSummary{
		TenantID: tenantID,
		Tier:     snap.Tier,
		Quotas:   make([]usagedomain.QuotaCheckResult, 0, len(features)),
	}
	for _, feature := range features {
		cfg, err := s.quotaFor(ctx, snap, feature)
		if err != nil {
			return usagedomain.UsageSummary{}, err
		}
		result, err := s.check(ctx, tenantID, feature, 0, cfg, now)
		if err != nil {
			return usagedomain.UsageSummary{}, err
		}
		summary.Quotas = append(summary.Quotas, result)
	}
	return summary, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	if req.TenantID == 0 {
		return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidTenant
	}

	var cursor *usagedomain.UsageCursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		decoded, err := pagination.DecodeCursor(token)
		if err != nil {
			return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidPageToken
		}
		cursor = &usagedomain.UsageCursor{ID: id, CreatedAt: decoded.CreatedAt}
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, req.TenantID, strings.TrimSpace(req.Feature), cursor, limit)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}
	items, pageInfo, err := pagination.BuildCursorPageInfo(items, limit, func(item *usagedomain.UsageRecord) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.String(), CreatedAt: item.CreatedAt}
	})
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	records := make([]usagedomain.UsageRecord, 0, len(items))
	for _, item := range items {
		if item != nil {
			records = append(records, *item)
		}
	}
	return usagedomain.ListUsageResponse{PageInfo: pageInfo, UsageRecords: records}, nil
}
