package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/smallbiznis/entitlements/internal/cache"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	overridedomain "github.com/smallbiznis/entitlements/internal/override/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// degradedTTL bounds how long a snapshot built without the provider is cached.
const degradedTTL = 30 * time.Second

type Params struct {
	fx.In

	Cfg             config.Config
	Log             *zap.Logger
	Clock           clock.Clock
	Cache           cache.EntitlementCache
	Provider        billingdomain.Client
	Tiers           *config.TierConfigHolder
	CustomerSvc     customerdomain.Service
	OverrideSvc     overridedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	CatalogSvc      catalogdomain.Service `optional:"true"`
	Metrics         *metrics.Metrics      `optional:"true"`
}

type Resolver struct {
	log           *zap.Logger
	clock         clock.Clock
	cache         cache.EntitlementCache
	provider      billingdomain.Client
	tiers         *config.TierConfigHolder
	customers     customerdomain.Service
	overrides     overridedomain.Service
	subscriptions subscriptiondomain.Service
	catalog       catalogdomain.Service
	metrics       *metrics.Metrics

	ttl      time.Duration
	staleTTL time.Duration
	// lastKnown keeps the most recent provider-backed snapshot per tenant,
	// before overrides, for the provider-failure fallback. It outlives
	// invalidation and expires only after staleTTL.
	lastKnown *cache.TTLCache[snowflake.ID, domain.Snapshot]
}

func New(p Params) *Resolver {
	ttl := p.Cfg.Cache.TTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	staleTTL := p.Cfg.Cache.StaleTTL
	if staleTTL <= 0 {
		staleTTL = 24 * time.Hour
	}
	return &Resolver{
		log:           p.Log.Named("entitlement.resolver"),
		clock:         p.Clock,
		cache:         p.Cache,
		provider:      p.Provider,
		tiers:         p.Tiers,
		customers:     p.CustomerSvc,
		overrides:     p.OverrideSvc,
		subscriptions: p.SubscriptionSvc,
		catalog:       p.CatalogSvc,
		metrics:       p.Metrics,
		ttl:           ttl,
		staleTTL:      staleTTL,
		lastKnown:     cache.NewTTLCacheWithClock[snowflake.ID, domain.Snapshot](p.Clock.Now),
	}
}

// Resolve returns the tenant's current snapshot. Provider and metadata
// failures degrade to a stale, mirrored or FREE snapshot instead of failing.
func (r *Resolver) Resolve(ctx context.Context, tenantID snowflake.ID) (domain.Snapshot, error) {
	if tenantID == 0 {
		return domain.Snapshot{}, domain.ErrInvalidTenant
	}

	if snap, ok := r.fromCache(ctx, tenantID); ok {
		return snap, nil
	}

	snap, ttl := r.build(ctx, tenantID)
	r.store(ctx, tenantID, snap, ttl)
	r.metrics.RecordResolution(ctx, string(snap.Source))
	return snap.Clone(), nil
}

func (r *Resolver) fromCache(ctx context.Context, tenantID snowflake.ID) (domain.Snapshot, bool) {
	backend := r.cache.Backend()
	if !r.cache.Available() {
		r.metrics.RecordCacheLookup(ctx, backend, metrics.CacheResultUnavailable)
		return domain.Snapshot{}, false
	}
	snap, ok, err := r.cache.Get(ctx, tenantID)
	switch {
	case errors.Is(err, cache.ErrCacheUnavailable):
		r.metrics.RecordCacheLookup(ctx, backend, metrics.CacheResultUnavailable)
		return domain.Snapshot{}, false
	case err != nil:
		r.log.Warn("cache read failed", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		r.metrics.RecordCacheLookup(ctx, backend, metrics.CacheResultError)
		return domain.Snapshot{}, false
	case !ok:
		r.metrics.RecordCacheLookup(ctx, backend, metrics.CacheResultMiss)
		return domain.Snapshot{}, false
	}
	r.metrics.RecordCacheLookup(ctx, backend, metrics.CacheResultHit)
	return snap, true
}

func (r *Resolver) store(ctx context.Context, tenantID snowflake.ID, snap domain.Snapshot, ttl time.Duration) {
	backend := r.cache.Backend()
	if !r.cache.Available() {
		r.metrics.RecordCacheWrite(ctx, backend, metrics.CacheResultUnavailable)
		return
	}
	if err := r.cache.Set(ctx, tenantID, snap, ttl); err != nil {
		result := metrics.CacheResultError
		if errors.Is(err, cache.ErrCacheUnavailable) {
			result = metrics.CacheResultUnavailable
		}
		r.log.Warn("cache write failed", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		r.metrics.RecordCacheWrite(ctx, backend, result)
		return
	}
	r.metrics.RecordCacheWrite(ctx, backend, metrics.CacheResultStored)
}

// build runs the uncached resolution and returns the snapshot with the TTL it
// may be cached for.
func (r *Resolver) build(ctx context.Context, tenantID snowflake.ID) (domain.Snapshot, time.Duration) {
	log := r.log.With(zap.String("tenant_id", tenantID.String()))

	customer, err := r.customers.GetByTenant(ctx, tenantID)
	if errors.Is(err, customerdomain.ErrNotFound) {
		return r.withoutSubscription(ctx, tenantID), r.ttl
	}
	if err != nil {
		log.Error("customer lookup failed", zap.Error(err))
		return r.degraded(ctx, tenantID), degradedTTL
	}

	sub, err := r.provider.GetActiveSubscription(ctx, customer.ExternalCustomerID)
	if err != nil {
		log.Warn("billing provider unavailable, degrading", zap.Error(err))
		return r.degraded(ctx, tenantID), degradedTTL
	}
	if sub == nil {
		return r.withoutSubscription(ctx, tenantID), r.ttl
	}
	primary, ok := sub.PrimaryItem()
	if !ok {
		log.Warn("subscription has no items", zap.String("subscription_id", sub.ID))
		return r.withoutSubscription(ctx, tenantID), r.ttl
	}

	product, err := r.provider.GetProduct(ctx, primary.ProductID)
	switch {
	case errors.Is(err, billingdomain.ErrNotFound):
		log.Warn("subscription product missing at provider", zap.String("product_id", primary.ProductID))
		product = &billingdomain.Product{ID: primary.ProductID, Metadata: r.mirroredMetadata(ctx, primary.ProductID)}
	case err != nil:
		log.Warn("product lookup failed, degrading", zap.String("product_id", primary.ProductID), zap.Error(err))
		return r.degraded(ctx, tenantID), degradedTTL
	}

	meta, warnings := domain.ParseProductMetadata(product.Metadata)
	for _, w := range warnings {
		log.Warn("product metadata", zap.String("product_id", product.ID), zap.String("warning", w))
	}
	if meta.Tier == "" {
		log.Warn("product metadata has no tier", zap.String("product_id", product.ID))
		meta.Tier = config.TierFree
	}

	snap := r.base(tenantID, meta.Tier)
	snap.Status = statusFromProvider(sub.Status)
	snap.Source = domain.SourceProvider
	subID := sub.ID
	snap.ExternalSubscriptionID = &subID
	snap.CurrentPeriodEnd = sub.CurrentPeriodEnd
	snap.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	applyMetadata(&snap, meta)
	if meta.UsageFeature != "" {
		snap.UsageItems[meta.UsageFeature] = primary.ID
	}
	r.collectUsageItems(ctx, &snap, sub.Items[1:])
	r.lastKnown.Set(tenantID, snap.Clone(), r.staleTTL)

	ttl := r.ttl
	if !r.applyOverrides(ctx, &snap) {
		ttl = degradedTTL
	}
	snap.Features = domain.NormalizeFeatures(snap.Features)
	return snap, ttl
}

// withoutSubscription covers tenants the provider has nothing for: a local
// trial grant if one is running, FREE otherwise.
func (r *Resolver) withoutSubscription(ctx context.Context, tenantID snowflake.ID) domain.Snapshot {
	if snap, ok := r.fromTrial(ctx, tenantID); ok {
		return snap
	}
	return r.free(ctx, tenantID)
}

func (r *Resolver) fromTrial(ctx context.Context, tenantID snowflake.ID) (domain.Snapshot, bool) {
	mirror, err := r.subscriptions.CurrentTrial(ctx, tenantID)
	if err != nil {
		r.log.Warn("trial mirror lookup failed", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return domain.Snapshot{}, false
	}
	if mirror == nil {
		return domain.Snapshot{}, false
	}
	snap := r.fromMirror(tenantID, mirror)
	snap.Status = domain.StatusTrialing
	snap.Source = domain.SourceTrial
	r.applyOverrides(ctx, &snap)
	snap.Features = domain.NormalizeFeatures(snap.Features)
	return snap, true
}

func (r *Resolver) free(ctx context.Context, tenantID snowflake.ID) domain.Snapshot {
	snap := r.base(tenantID, config.TierFree)
	snap.Status = domain.StatusFree
	snap.Source = domain.SourceFallback
	r.applyOverrides(ctx, &snap)
	snap.Features = domain.NormalizeFeatures(snap.Features)
	return snap
}

// degraded picks the best answer available without the provider: the last
// provider-backed snapshot unless a mirror is newer, then the local mirrors,
// then FREE. Current overrides apply on every path.
func (r *Resolver) degraded(ctx context.Context, tenantID snowflake.ID) domain.Snapshot {
	mirror, err := r.subscriptions.CurrentForTenant(ctx, tenantID)
	if err != nil {
		r.log.Warn("subscription mirror lookup failed", zap.String("tenant_id", tenantID.String()), zap.Error(err))
	}
	if last, ok := r.lastKnown.Get(tenantID); ok && (mirror == nil || !mirror.ProviderEventAt.After(last.CreatedAt)) {
		snap := last.Clone()
		snap.Source = domain.SourceStale
		r.applyOverrides(ctx, &snap)
		snap.Features = domain.NormalizeFeatures(snap.Features)
		return snap
	}

	if mirror != nil && mirror.Source == subscriptiondomain.SourceTrial {
		if snap, ok := r.fromTrial(ctx, tenantID); ok {
			return snap
		}
	}
	if mirror != nil && mirror.Source == subscriptiondomain.SourceProvider {
		snap := r.fromMirror(tenantID, mirror)
		if mirror.ProductID != "" {
			if raw := r.mirroredMetadata(ctx, mirror.ProductID); raw != nil {
				meta, _ := domain.ParseProductMetadata(raw)
				applyMetadata(&snap, meta)
			}
		}
		snap.Source = domain.SourceMirror
		r.applyOverrides(ctx, &snap)
		snap.Features = domain.NormalizeFeatures(snap.Features)
		return snap
	}
	return r.free(ctx, tenantID)
}

// base starts a snapshot from the configured tier defaults.
func (r *Resolver) base(tenantID snowflake.ID, tier string) domain.Snapshot {
	tier = strings.ToUpper(strings.TrimSpace(tier))
	cfg := r.tiers.Get()
	defaults, ok := cfg.Lookup(tier)
	if !ok {
		defaults, ok = cfg.Lookup(config.TierFree)
	}
	if !ok {
		defaults = config.TierDefaults{Tier: config.TierFree, Seats: 1, Locations: 1}
	}

	snap := domain.Snapshot{
		TenantID:      tenantID,
		Tier:          tier,
		Status:        domain.StatusActive,
		Features:      append([]string(nil), defaults.Features...),
		Quotas:        map[string]int64{},
		UsageItems:    map[string]string{},
		Pricing:       map[string]json.RawMessage{},
		SchemaVersion: domain.SchemaVersion,
		CreatedAt:     r.clock.Now(),
		Limits: domain.Limits{
			Seats:        defaults.Seats,
			Locations:    defaults.Locations,
			RefreshQuota: defaults.RefreshQuota,
		},
	}
	for feature, quota := range defaults.Quotas {
		snap.Quotas[feature] = quota.Limit
	}
	return snap
}

func (r *Resolver) fromMirror(tenantID snowflake.ID, mirror *subscriptiondomain.SubscriptionMirror) domain.Snapshot {
	tier := mirror.Tier
	if tier == "" {
		tier = config.TierFree
	}
	snap := r.base(tenantID, tier)
	snap.Status = statusFromMirror(mirror.Status)
	if mirror.Source == subscriptiondomain.SourceProvider {
		subID := mirror.ExternalSubscriptionID
		snap.ExternalSubscriptionID = &subID
	}
	snap.CurrentPeriodEnd = mirror.CurrentPeriodEnd
	snap.CancelAtPeriodEnd = mirror.CancelAtPeriodEnd
	if len(mirror.Features) > 0 {
		snap.Features = append([]string(nil), mirror.Features...)
	}
	for key, value := range mirror.Limits {
		n, ok := intFromAny(value)
		if !ok {
			continue
		}
		switch key {
		case overridedomain.LimitSeats:
			snap.Limits.Seats = int(n)
		case overridedomain.LimitLocations:
			snap.Limits.Locations = int(n)
		case overridedomain.LimitRefreshQuota:
			snap.Limits.RefreshQuota = int(n)
		default:
			if feature, ok := strings.CutPrefix(key, domain.MetaQuotaPrefix); ok && feature != "" {
				snap.Quotas[feature] = n
			}
		}
	}
	return snap
}

func (r *Resolver) mirroredMetadata(ctx context.Context, productID string) map[string]string {
	if r.catalog == nil || productID == "" {
		return nil
	}
	product, err := r.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(product.Metadata))
	for k, v := range product.Metadata {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			raw, err := json.Marshal(t)
			if err == nil {
				out[k] = string(raw)
			}
		}
	}
	return out
}

// collectUsageItems maps metered features to their subscription items. A
// product that cannot be read only costs usage reporting for that feature.
func (r *Resolver) collectUsageItems(ctx context.Context, snap *domain.Snapshot, items []billingdomain.SubscriptionItem) {
	for _, item := range items {
		if item.ProductID == "" {
			continue
		}
		product, err := r.provider.GetProduct(ctx, item.ProductID)
		if err != nil {
			r.log.Warn("usage item product lookup failed",
				zap.String("product_id", item.ProductID),
				zap.Error(err),
			)
			continue
		}
		feature := strings.TrimSpace(product.Metadata[domain.MetaUsageFeature])
		if feature != "" {
			snap.UsageItems[feature] = item.ID
		}
	}
}

// applyOverrides layers tier-wide then tenant overrides. It reports false when
// overrides could not be read, so the caller can shorten the cache TTL.
func (r *Resolver) applyOverrides(ctx context.Context, snap *domain.Snapshot) bool {
	set, err := r.overrides.ActiveFor(ctx, snap.TenantID, snap.Tier)
	if err != nil {
		r.log.Error("override lookup failed", zap.String("tenant_id", snap.TenantID.String()), zap.Error(err))
		return false
	}
	for _, o := range set.Tier {
		applyOverride(snap, o)
	}
	for _, o := range set.Tenant {
		applyOverride(snap, o)
	}
	return true
}

func applyOverride(snap *domain.Snapshot, o overridedomain.Override) {
	switch o.Kind {
	case overridedomain.KindFeature:
		enabled, ok := o.BoolValue()
		if !ok {
			return
		}
		snap.Features = removeFeature(snap.Features, o.Key)
		if enabled {
			snap.Features = append(snap.Features, o.Key)
		}
	case overridedomain.KindLimit:
		n, ok := o.IntValue()
		if !ok {
			return
		}
		switch o.Key {
		case overridedomain.LimitSeats:
			snap.Limits.Seats = int(n)
		case overridedomain.LimitLocations:
			snap.Limits.Locations = int(n)
		case overridedomain.LimitRefreshQuota:
			snap.Limits.RefreshQuota = int(n)
		}
	case overridedomain.KindQuota:
		n, ok := o.IntValue()
		if !ok {
			return
		}
		if snap.Quotas == nil {
			snap.Quotas = map[string]int64{}
		}
		snap.Quotas[o.Key] = n
	case overridedomain.KindPricing:
		if snap.Pricing == nil {
			snap.Pricing = map[string]json.RawMessage{}
		}
		snap.Pricing[o.Key] = json.RawMessage(o.Value)
	}
}

func applyMetadata(snap *domain.Snapshot, meta domain.ProductMetadata) {
	if meta.HasFeatures {
		snap.Features = append([]string(nil), meta.Features...)
	}
	if meta.Seats != nil {
		snap.Limits.Seats = *meta.Seats
	}
	if meta.Locations != nil {
		snap.Limits.Locations = *meta.Locations
	}
	if meta.RefreshQuota != nil {
		snap.Limits.RefreshQuota = *meta.RefreshQuota
	}
	for feature, limit := range meta.Quotas {
		snap.Quotas[feature] = limit
	}
}

func removeFeature(features []string, key string) []string {
	out := features[:0]
	for _, f := range features {
		if f != key {
			out = append(out, f)
		}
	}
	return out
}

func statusFromProvider(status string) domain.Status {
	switch status {
	case billingdomain.StatusActive:
		return domain.StatusActive
	case billingdomain.StatusTrialing:
		return domain.StatusTrialing
	case billingdomain.StatusPastDue, billingdomain.StatusUnpaid:
		return domain.StatusPastDue
	default:
		return domain.StatusCanceled
	}
}

func statusFromMirror(status subscriptiondomain.SubscriptionStatus) domain.Status {
	switch status {
	case subscriptiondomain.SubscriptionStatusActive:
		return domain.StatusActive
	case subscriptiondomain.SubscriptionStatusTrialing:
		return domain.StatusTrialing
	case subscriptiondomain.SubscriptionStatusPastDue, subscriptiondomain.SubscriptionStatusUnpaid:
		return domain.StatusPastDue
	default:
		return domain.StatusCanceled
	}
}

func intFromAny(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), v >= 0
	case int64:
		return v, v >= 0
	case json.Number:
		n, err := v.Int64()
		return n, err == nil && n >= 0
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil && n >= 0
	default:
		return 0, false
	}
}

// Invalidate drops the tenant's cached snapshot so the next Resolve goes to
// the provider. The last-known snapshot stays for the stale fallback.
func (r *Resolver) Invalidate(ctx context.Context, tenantID snowflake.ID) error {
	return r.cache.Invalidate(ctx, tenantID)
}

func (r *Resolver) InvalidateAll(ctx context.Context) error {
	return r.cache.InvalidateAll(ctx)
}

// Sweep reclaims expired in-process entries.
func (r *Resolver) Sweep() int {
	removed := r.lastKnown.Sweep()
	if sweeper, ok := r.cache.(cache.Sweeper); ok {
		removed += sweeper.Sweep()
	}
	return removed
}
