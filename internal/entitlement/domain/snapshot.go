// Package domain holds the resolved entitlement snapshot and the typed view of
// provider product metadata it is built from.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusFree     Status = "free"
)

// Source records which resolution branch produced a snapshot.
type Source string

const (
	SourceProvider Source = "provider"
	SourceFallback Source = "fallback"
	SourceTrial    Source = "trial"
	SourceStale    Source = "stale"

	// SourceMirror is built from the local subscription and catalog mirrors
	// when the provider cannot be reached and no earlier snapshot is held.
	SourceMirror Source = "mirror"
)

const SchemaVersion = 1

type Limits struct {
	Seats        int `json:"seats"`
	Locations    int `json:"locations"`
	RefreshQuota int `json:"refresh_quota"`
}

// Snapshot is the resolved answer to "what can this tenant do". A snapshot is
// never modified after it is built; use Clone before deriving a new one.
type Snapshot struct {
	TenantID               snowflake.ID               `json:"tenant_id,string"`
	Tier                   string                     `json:"tier"`
	Status                 Status                     `json:"status"`
	ExternalSubscriptionID *string                    `json:"external_subscription_id"`
	Features               []string                   `json:"features"`
	Limits                 Limits                     `json:"limits"`
	Quotas                 map[string]int64           `json:"quotas,omitempty"`
	UsageItems             map[string]string          `json:"usage_items,omitempty"`
	Pricing                map[string]json.RawMessage `json:"pricing,omitempty"`
	CurrentPeriodEnd       *time.Time                 `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool                       `json:"cancel_at_period_end"`
	Source                 Source                     `json:"source"`
	SchemaVersion          int                        `json:"schema_version"`
	CreatedAt              time.Time                  `json:"created_at"`
}

func (s Snapshot) HasFeature(feature string) bool {
	_, found := slices.BinarySearch(s.Features, feature)
	return found
}

// QuotaLimit returns the snapshot's quota for feature, if any.
func (s Snapshot) QuotaLimit(feature string) (int64, bool) {
	limit, ok := s.Quotas[feature]
	return limit, ok
}

// UsageItem returns the provider subscription item that meters feature.
func (s Snapshot) UsageItem(feature string) (string, bool) {
	item, ok := s.UsageItems[feature]
	return item, ok && item != ""
}

func (s Snapshot) Clone() Snapshot {
	out := s
	out.Features = slices.Clone(s.Features)
	if s.ExternalSubscriptionID != nil {
		id := *s.ExternalSubscriptionID
		out.ExternalSubscriptionID = &id
	}
	if s.CurrentPeriodEnd != nil {
		end := *s.CurrentPeriodEnd
		out.CurrentPeriodEnd = &end
	}
	out.Quotas = cloneMap(s.Quotas)
	out.UsageItems = cloneMap(s.UsageItems)
	if s.Pricing != nil {
		out.Pricing = make(map[string]json.RawMessage, len(s.Pricing))
		for k, v := range s.Pricing {
			out.Pricing[k] = slices.Clone(v)
		}
	}
	return out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Resolver is the single resolution path for entitlements.
type Resolver interface {
	// Resolve never fails because of provider or metadata problems; it only
	// rejects an invalid tenant id.
	Resolve(ctx context.Context, tenantID snowflake.ID) (Snapshot, error)
}

var ErrInvalidTenant = errors.New("invalid_tenant")
