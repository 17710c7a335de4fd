package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem ActorType = "system"
	ActorTypeToken  ActorType = "token"
)

// Audited actions.
const (
	ActionCacheInvalidated      = "cache.invalidated"
	ActionCacheInvalidatedAll   = "cache.invalidated_all"
	ActionOverrideUpserted      = "override.upserted"
	ActionOverrideDeleted       = "override.deleted"
	ActionQuotaUpdated          = "quota.updated"
	ActionTrialStarted          = "trial.started"
	ActionTrialExtended         = "trial.extended"
	ActionTrialCancelled        = "trial.cancelled"
	ActionTrialExpired          = "trial.expired"
	ActionTrialConverted        = "trial.converted"
	ActionTrialConfigUpserted   = "trial_config.upserted"
	ActionPortalSessionCreated  = "billing_portal.session_created"
	ActionCustomerLinked        = "customer.linked"
	ActionAuthorizationDenied   = "authorization.denied"
	ActionAuthorizationGranted  = "authorization.granted"
	ActionWebhookSignatureError = "webhook.signature_invalid"
)

type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	TenantID   *snowflake.ID     `json:"tenant_id,omitempty"`
	ActorType  string            `json:"actor_type"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   *string           `json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	IPAddress  *string           `json:"ip_address,omitempty"`
	UserAgent  *string           `json:"user_agent,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	TenantID   *snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}
