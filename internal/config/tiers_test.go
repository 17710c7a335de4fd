package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestDefaultTierConfigIsValid(t *testing.T) {
	if err := validateTierConfig(DefaultTierConfig()); err != nil {
		t.Fatalf("default tiers invalid: %v", err)
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	tier, ok := DefaultTierConfig().Lookup(" pro ")
	if !ok {
		t.Fatalf("expected PRO tier")
	}
	if tier.Quotas["api_calls"].Limit != 100_000 {
		t.Fatalf("unexpected api_calls limit %d", tier.Quotas["api_calls"].Limit)
	}
}

func TestDecodeTierConfigRequiresFree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yml")
	content := []byte("tiers:\n  - tier: pro\n    seats: 3\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := decodeTierConfig(v); err == nil {
		t.Fatalf("expected missing FREE tier to be rejected")
	}
}

func TestDecodeTierConfigNormalizesNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yml")
	content := []byte(`tiers:
  - tier: free
    features: []
    seats: 1
  - tier: team
    features: [sso]
    seats: 10
    quotas:
      api_calls:
        limit: 500
        reset_period: week
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read: %v", err)
	}
	cfg, err := decodeTierConfig(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	team, ok := cfg.Lookup("TEAM")
	if !ok {
		t.Fatalf("expected TEAM tier")
	}
	if team.Quotas["api_calls"].ResetPeriod != "week" {
		t.Fatalf("unexpected reset period %q", team.Quotas["api_calls"].ResetPeriod)
	}
}

func TestParseAdminTokens(t *testing.T) {
	tokens := parseAdminTokens("abc:admin:ops, def:support ,broken,:service")
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	if tokens["abc"].Name != "ops" || tokens["abc"].Role != "admin" {
		t.Fatalf("unexpected abc token %+v", tokens["abc"])
	}
	if tokens["def"].Name != "support" {
		t.Fatalf("expected name to default to role, got %q", tokens["def"].Name)
	}
}
