package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateValue(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		key     string
		value   string
		wantErr error
	}{
		{name: "feature bool", kind: KindFeature, key: "sso", value: `true`},
		{name: "feature string rejected", kind: KindFeature, key: "sso", value: `"true"`, wantErr: ErrInvalidOverride},
		{name: "limit int", kind: KindLimit, key: LimitSeats, value: `50`},
		{name: "limit unknown key", kind: KindLimit, key: "rooms", value: `5`, wantErr: ErrInvalidKey},
		{name: "limit negative", kind: KindLimit, key: LimitSeats, value: `-1`, wantErr: ErrInvalidOverride},
		{name: "limit fraction", kind: KindLimit, key: LimitLocations, value: `1.5`, wantErr: ErrInvalidOverride},
		{name: "quota int", kind: KindQuota, key: "api_calls", value: `250000`},
		{name: "quota object rejected", kind: KindQuota, key: "api_calls", value: `{"limit":1}`, wantErr: ErrInvalidOverride},
		{name: "pricing object", kind: KindPricing, key: "discount", value: `{"percent_off":20}`},
		{name: "pricing scalar rejected", kind: KindPricing, key: "discount", value: `20`, wantErr: ErrInvalidOverride},
		{name: "null rejected", kind: KindFeature, key: "sso", value: `null`, wantErr: ErrInvalidOverride},
		{name: "unknown kind", kind: "color", key: "x", value: `1`, wantErr: ErrInvalidKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateValue(tt.kind, tt.key, json.RawMessage(tt.value))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOverrideValueReaders(t *testing.T) {
	o := Override{Value: []byte(`42`)}
	if v, ok := o.IntValue(); !ok || v != 42 {
		t.Fatalf("expected 42, got %d ok=%v", v, ok)
	}
	o = Override{Value: []byte(`false`)}
	if v, ok := o.BoolValue(); !ok || v {
		t.Fatalf("expected false flag, got %v ok=%v", v, ok)
	}
	if _, ok := o.IntValue(); ok {
		t.Fatalf("bool must not read as int")
	}
}
