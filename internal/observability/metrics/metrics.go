package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Cache lookup outcomes. Unavailable is kept apart from miss so a dead redis
// does not read as a cold cache.
const (
	CacheResultHit         = "hit"
	CacheResultMiss        = "miss"
	CacheResultUnavailable = "unavailable"
	CacheResultError       = "error"
	CacheResultStored      = "stored"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	cacheLookups     metric.Int64Counter
	cacheWrites      metric.Int64Counter
	invalidations    metric.Int64Counter
	resolutions      metric.Int64Counter
	providerCalls    metric.Int64Counter
	providerLatency  metric.Float64Histogram
	webhookEvents    metric.Int64Counter
	quotaChecks      metric.Int64Counter
	usageRecorded    metric.Int64Counter
	trialTransitions metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New builds the domain instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "entitlements"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.cacheLookups, "entitlements_cache_lookups_total"},
		{&m.cacheWrites, "entitlements_cache_writes_total"},
		{&m.invalidations, "entitlements_cache_invalidations_total"},
		{&m.resolutions, "entitlements_resolutions_total"},
		{&m.providerCalls, "entitlements_provider_calls_total"},
		{&m.webhookEvents, "entitlements_webhook_events_total"},
		{&m.quotaChecks, "entitlements_quota_checks_total"},
		{&m.usageRecorded, "entitlements_usage_recorded_total"},
		{&m.trialTransitions, "entitlements_trial_transitions_total"},
		{&m.rateLimitAllowed, "entitlements_rate_limit_allowed_total"},
		{&m.rateLimitDenied, "entitlements_rate_limit_denied_total"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	latency, err := meter.Float64Histogram("entitlements_provider_call_duration_ms")
	if err != nil {
		return nil, err
	}
	m.providerLatency = latency

	return m, nil
}

// RecordCacheLookup counts a cache read by backend and outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, backend, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("backend", backend),
		attribute.String("result", result),
	)...))
}

func (m *Metrics) RecordCacheWrite(ctx context.Context, backend, result string) {
	if m == nil {
		return
	}
	m.cacheWrites.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("backend", backend),
		attribute.String("result", result),
	)...))
}

func (m *Metrics) RecordInvalidation(ctx context.Context, scope, reason, result string) {
	if m == nil {
		return
	}
	m.invalidations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("scope", scope),
		attribute.String("reason", reason),
		attribute.String("result", result),
	)...))
}

// RecordResolution counts resolver outcomes by snapshot source.
func (m *Metrics) RecordResolution(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.resolutions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("source", source),
	)...))
}

func (m *Metrics) RecordProviderCall(ctx context.Context, operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.providerLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("result", result),
	)...))
}

func (m *Metrics) RecordQuotaCheck(ctx context.Context, feature string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.quotaChecks.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("feature", feature),
		attribute.String("result", result),
	)...))
}

func (m *Metrics) RecordUsage(ctx context.Context, feature string, quantity int64) {
	if m == nil {
		return
	}
	m.usageRecorded.Add(ctx, quantity, metric.WithAttributes(FilterAttributes(
		attribute.String("feature", feature),
	)...))
}

func (m *Metrics) RecordTrialTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.trialTransitions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	)...))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// tenant_id is deliberately absent.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"backend":     {},
	"result":      {},
	"scope":       {},
	"reason":      {},
	"source":      {},
	"operation":   {},
	"provider":    {},
	"event_type":  {},
	"feature":     {},
	"from":        {},
	"to":          {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
