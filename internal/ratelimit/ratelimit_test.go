package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/config"
)

func TestDisabledLimiterAllows(t *testing.T) {
	limiter, err := NewUsageIngestLimiter(UsageLimiterParams{Cfg: config.Config{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.Enabled() {
		t.Fatalf("expected limiter to be disabled without redis")
	}
	res, err := limiter.AllowTenant(context.Background(), "1")
	if err != nil || !res.Allowed {
		t.Fatalf("expected allow, got %+v err=%v", res, err)
	}
}

func TestNilLockerIsNotConfigured(t *testing.T) {
	locker := NewLocker(nil)
	if locker.Configured() {
		t.Fatalf("nil locker must not be configured")
	}
	if _, _, err := locker.TryLock(context.Background(), "k", time.Second); !errors.Is(err, ErrLockNotConfigured) {
		t.Fatalf("expected ErrLockNotConfigured, got %v", err)
	}
	if err := locker.Release(context.Background(), "k", "t"); err != nil {
		t.Fatalf("release on nil locker: %v", err)
	}
}

func TestDefaultBucketTTL(t *testing.T) {
	if got := defaultBucketTTL(50, 100); got != 4*time.Second {
		t.Fatalf("expected 4s, got %s", got)
	}
	if got := defaultBucketTTL(1000, 1); got != time.Second {
		t.Fatalf("expected floor of 1s, got %s", got)
	}
}

func TestCastHelpers(t *testing.T) {
	if castToFloat("2.5") != 2.5 {
		t.Fatalf("expected string float to parse")
	}
	if castToInt(int64(3)) != 3 || castToInt(float64(4)) != 4 {
		t.Fatalf("unexpected int cast")
	}
}
