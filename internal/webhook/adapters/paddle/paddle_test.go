package paddle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/webhook/domain"
)

func signedHeader(secret string, payload []byte) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d:%s", ts, payload)
	header := http.Header{}
	header.Set(SignatureHeader, fmt.Sprintf("ts=%d;h1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return header
}

const subscriptionPayload = `{
	"event_id": "evt_01",
	"event_type": "subscription.canceled",
	"occurred_at": "2025-01-02T10:00:00Z",
	"data": {
		"id": "sub_01",
		"status": "canceled",
		"customer_id": "ctm_01",
		"custom_data": {"tenant_id": "77"},
		"items": [{"quantity": 1, "price": {"id": "pri_01", "product_id": "pro_01"}}],
		"current_billing_period": {"starts_at": "2025-01-01T00:00:00Z", "ends_at": "2025-02-01T00:00:00Z"},
		"scheduled_change": null
	}
}`

func TestVerifySignature(t *testing.T) {
	payload := []byte(subscriptionPayload)
	adapter := New("pdl_secret")

	if err := adapter.Verify(context.Background(), payload, signedHeader("pdl_secret", payload)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := adapter.Verify(context.Background(), payload, signedHeader("wrong", payload)); !errors.Is(err, domain.ErrInvalidWebhookSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if err := New("").Verify(context.Background(), payload, signedHeader("", payload)); !errors.Is(err, domain.ErrInvalidWebhookSignature) {
		t.Fatalf("unconfigured adapter must reject, got %v", err)
	}
}

func TestParseSubscriptionCanceled(t *testing.T) {
	evt, err := New("pdl_secret").Parse(context.Background(), []byte(subscriptionPayload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if evt.Type != domain.EventSubscriptionDeleted {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	sub := evt.Subscription
	if sub == nil || sub.ID != "sub_01" || sub.CustomerID != "ctm_01" || sub.Metadata["tenant_id"] != "77" {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	item, ok := sub.PrimaryItem()
	if !ok || item.ProductID != "pro_01" {
		t.Fatalf("unexpected item %+v", item)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected period end %v", sub.CurrentPeriodEnd)
	}
}

func TestParseProductFlattensCustomData(t *testing.T) {
	payload := []byte(`{
		"event_id": "evt_02",
		"event_type": "product.updated",
		"occurred_at": "2025-01-02T10:00:00Z",
		"data": {"id": "pro_01", "name": "Pro", "status": "active", "custom_data": {"tier": "PRO", "featureFlags": ["sso"], "seats": 25}}
	}`)
	evt, err := New("pdl_secret").Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := evt.Product
	if p == nil || !p.Active || p.Metadata["tier"] != "PRO" || p.Metadata["featureFlags"] != `["sso"]` || p.Metadata["seats"] != "25" {
		t.Fatalf("unexpected product %+v", p)
	}
}
