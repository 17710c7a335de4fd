package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsTenantLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "123"),
		attribute.String("customer_id", "456"),
		attribute.String("feature", "api_calls"),
		attribute.String("result", "hit"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "tenant_id" || attr.Key == "customer_id" {
			t.Fatalf("expected %s to be dropped", attr.Key)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordCacheLookup(ctx, "memory", CacheResultHit)
	m.RecordProviderCall(ctx, "get_product", "ok", time.Millisecond)
	m.RecordQuotaCheck(ctx, "api_calls", false)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "entitlements"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordResolution(context.Background(), "provider")
	m.RecordInvalidation(context.Background(), "tenant", "webhook", "ok")
}
