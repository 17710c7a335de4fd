// Package featureaccess answers feature and limit questions for the rest of
// the product on top of the entitlement resolver.
package featureaccess

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	overridedomain "github.com/smallbiznis/entitlements/internal/override/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// snapshotTTL keeps one snapshot per tenant for bursts of checks within a
// request fan-out.
const snapshotTTL = 10 * time.Second

var (
	ErrInvalidFeature    = errors.New("invalid_feature")
	ErrInvalidLimit      = errors.New("invalid_limit")
	ErrFeatureNotEnabled = errors.New("feature_not_enabled")
)

type LimitCheck struct {
	Limit     string `json:"limit"`
	Allowed   bool   `json:"allowed"`
	Max       int    `json:"max"`
	Current   int    `json:"current"`
	Remaining int    `json:"remaining"`
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Resolver   domain.Resolver
	Dispatcher invalidationdomain.Dispatcher `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	resolver  domain.Resolver
	snapshots *cache.TTLCache[snowflake.ID, domain.Snapshot]
}

func New(p Params) *Service {
	svc := &Service{
		log:       p.Log.Named("featureaccess.service"),
		resolver:  p.Resolver,
		snapshots: cache.NewTTLCacheWithClock[snowflake.ID, domain.Snapshot](p.Clock.Now),
	}
	if p.Dispatcher != nil {
		p.Dispatcher.Register("featureaccess", svc)
	}
	return svc
}

func (s *Service) GetEntitlements(ctx context.Context, tenantID snowflake.ID) (domain.Snapshot, error) {
	if snap, ok := s.snapshots.Get(tenantID); ok {
		return snap.Clone(), nil
	}
	snap, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.snapshots.Set(tenantID, snap.Clone(), snapshotTTL)
	return snap, nil
}

// HasFeature fails closed: anything short of a resolved snapshot listing the
// feature is "no access".
func (s *Service) HasFeature(ctx context.Context, tenantID snowflake.ID, feature string) (bool, error) {
	feature = strings.TrimSpace(feature)
	if feature == "" {
		return false, ErrInvalidFeature
	}
	snap, err := s.GetEntitlements(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return snap.HasFeature(feature), nil
}

func (s *Service) HasFeatures(ctx context.Context, tenantID snowflake.ID, features []string) (map[string]bool, error) {
	snap, err := s.GetEntitlements(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(features))
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, ErrInvalidFeature
		}
		out[f] = snap.HasFeature(f)
	}
	return out, nil
}

// RequireFeature returns ErrFeatureNotEnabled when the tenant lacks feature.
func (s *Service) RequireFeature(ctx context.Context, tenantID snowflake.ID, feature string) error {
	ok, err := s.HasFeature(ctx, tenantID, feature)
	if err != nil {
		return err
	}
	if !ok {
		return ErrFeatureNotEnabled
	}
	return nil
}

// CheckLimit tells whether adding one more unit on top of current stays
// within the tenant's seats, locations or refresh quota.
func (s *Service) CheckLimit(ctx context.Context, tenantID snowflake.ID, limit string, current int) (LimitCheck, error) {
	if current < 0 {
		return LimitCheck{}, ErrInvalidLimit
	}
	snap, err := s.GetEntitlements(ctx, tenantID)
	if err != nil {
		return LimitCheck{}, err
	}
	var max int
	switch strings.TrimSpace(limit) {
	case overridedomain.LimitSeats:
		max = snap.Limits.Seats
	case overridedomain.LimitLocations:
		max = snap.Limits.Locations
	case overridedomain.LimitRefreshQuota:
		max = snap.Limits.RefreshQuota
	default:
		return LimitCheck{}, ErrInvalidLimit
	}
	remaining := max - current
	if remaining < 0 {
		remaining = 0
	}
	return LimitCheck{
		Limit:     limit,
		Allowed:   current+1 <= max,
		Max:       max,
		Current:   current,
		Remaining: remaining,
	}, nil
}

func (s *Service) Invalidate(_ context.Context, tenantID snowflake.ID) error {
	s.snapshots.Delete(tenantID)
	return nil
}

func (s *Service) InvalidateAll(context.Context) error {
	s.snapshots.Clear()
	return nil
}

func (s *Service) Sweep() int {
	return s.snapshots.Sweep()
}
