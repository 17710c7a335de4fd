package migration

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down file", version)
		}
	}
}

func TestInitialMigrationCreatesTables(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init.up.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	sql := string(raw)
	for _, table := range []string{
		"billing_customers",
		"subscription_mirrors",
		"product_mirrors",
		"price_mirrors",
		"invoice_mirrors",
		"entitlement_overrides",
		"usage_records",
		"usage_quotas",
		"trial_configs",
		"trial_accounts",
		"webhook_events",
		"audit_logs",
		"casbin_rule",
	} {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("missing table %s", table)
		}
	}
}

func TestSupported(t *testing.T) {
	for _, dbType := range []string{"", "postgres", "PostgreSQL"} {
		if !Supported(dbType) {
			t.Fatalf("%q should be supported", dbType)
		}
	}
	for _, dbType := range []string{"mysql", "sqlite"} {
		if Supported(dbType) {
			t.Fatalf("%q should be skipped", dbType)
		}
	}
}

func TestTrialGraceMigrationIndexesGraceEnd(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000002_trial_grace_ends_at.up.sql")
	if err != nil {
		t.Fatalf("read grace migration: %v", err)
	}
	sql := string(raw)
	for _, want := range []string{
		"ADD COLUMN IF NOT EXISTS grace_ends_at TIMESTAMPTZ",
		"SET NOT NULL",
		"ON trial_accounts (grace_ends_at)",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("grace migration missing %q", want)
		}
	}
}
