package masking

import "testing"

func TestMaskSecretKeepsPrefixAndSuffix(t *testing.T) {
	if got := MaskSecret("cus_ABCDEFGH1234"); got != "cus_****1234" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskSecret("abc"); got != "****" {
		t.Fatalf("unexpected mask %q", got)
	}
}

func TestMaskSensitiveOnlyTouchesSensitiveKeys(t *testing.T) {
	out := MaskSensitive(map[string]any{
		"external_customer_id": "cus_ABCDEFGH1234",
		"reason":               "webhook",
		"nested":               map[string]any{"api_token": "tok_abcdefgh"},
	})
	if out["external_customer_id"] != "cus_****1234" {
		t.Fatalf("expected customer id to be masked, got %v", out["external_customer_id"])
	}
	if out["reason"] != "webhook" {
		t.Fatalf("expected reason untouched, got %v", out["reason"])
	}
	nested := out["nested"].(map[string]any)
	if nested["api_token"] != "tok_****efgh" {
		t.Fatalf("expected nested token masked, got %v", nested["api_token"])
	}
}
