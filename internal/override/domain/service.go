package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type UpsertOverrideRequest struct {
	// Exactly one of TenantID and Tier is set.
	TenantID  *snowflake.ID
	Tier      string
	Kind      string
	Key       string
	Value     json.RawMessage
	Reason    string
	ExpiresAt *time.Time
	CreatedBy string
}

type Service interface {
	Upsert(ctx context.Context, req UpsertOverrideRequest) (Override, error)
	Delete(ctx context.Context, id snowflake.ID) (Override, error)
	ListForTenant(ctx context.Context, tenantID snowflake.ID) ([]Override, error)
	ListForTier(ctx context.Context, tier string) ([]Override, error)
	// ActiveFor returns non-expired overrides for the tier and the tenant.
	ActiveFor(ctx context.Context, tenantID snowflake.ID, tier string) (Set, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

var (
	ErrInvalidOverride = errors.New("invalid_override")
	ErrInvalidScope    = errors.New("invalid_override_scope")
	ErrInvalidKind     = errors.New("invalid_override_kind")
	ErrInvalidKey      = errors.New("invalid_override_key")
	ErrInvalidReason   = errors.New("invalid_override_reason")
	ErrInvalidExpiry   = errors.New("invalid_override_expiry")
	ErrNotFound        = errors.New("override_not_found")
)
