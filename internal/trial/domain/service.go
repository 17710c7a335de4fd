package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type StartTrialRequest struct {
	TenantID snowflake.ID `json:"-"`

	// ConfigCode falls back to the configured default template.
	ConfigCode string `json:"config_code"`
}

type ExtendTrialRequest struct {
	TenantID snowflake.ID `json:"-"`
	Days     int          `json:"days"`
	Reason   string       `json:"reason"`
}

type CancelTrialRequest struct {
	TenantID snowflake.ID `json:"-"`
	Reason   string       `json:"reason"`
}

type ConvertTrialRequest struct {
	TenantID snowflake.ID `json:"-"`

	// PriceID overrides the template's default price.
	PriceID string `json:"price_id"`
}

type UpsertTrialConfigRequest struct {
	Code                  string          `json:"code"`
	Name                  string          `json:"name"`
	DurationDays          int             `json:"duration_days"`
	TargetTier            string          `json:"target_tier"`
	Features              []string        `json:"features"`
	Limitations           map[string]any  `json:"limitations"`
	RequiresPaymentMethod bool            `json:"requires_payment_method"`
	AutoConvert           bool            `json:"auto_convert"`
	GracePeriodDays       *int            `json:"grace_period_days"`
	RetentionOffers       json.RawMessage `json:"retention_offers"`
	DefaultPriceID        string          `json:"default_price_id"`
}

type Service interface {
	StartTrial(ctx context.Context, req StartTrialRequest) (TrialAccount, error)
	ExtendTrial(ctx context.Context, req ExtendTrialRequest) (TrialAccount, error)
	CancelTrial(ctx context.Context, req CancelTrialRequest) (TrialAccount, error)
	// CheckExpiration transitions the trial to expired once the grace window
	// has passed.
	CheckExpiration(ctx context.Context, tenantID snowflake.ID) (Expiration, error)
	ConvertTrialToPaid(ctx context.Context, req ConvertTrialRequest) (TrialAccount, error)
	GetTrial(ctx context.Context, tenantID snowflake.ID) (TrialAccount, error)

	ListTrialConfigs(ctx context.Context) ([]TrialConfig, error)
	UpsertTrialConfig(ctx context.Context, req UpsertTrialConfigRequest) (TrialConfig, error)

	// ExpireDue expires every active trial past its grace window.
	ExpireDue(ctx context.Context) (int, error)
}

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *TrialAccount) error
	// UpdateAccount writes account only while the stored status still equals
	// expected, and reports whether a row changed.
	UpdateAccount(ctx context.Context, db *gorm.DB, account *TrialAccount, expected TrialStatus) (bool, error)
	FindLatestByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TrialAccount, error)
	// ListActivePastGrace returns active trials whose grace period ended before
	// the given instant, oldest first.
	ListActivePastGrace(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]TrialAccount, error)

	FindConfigByCode(ctx context.Context, db *gorm.DB, code string) (*TrialConfig, error)
	FindConfigByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*TrialConfig, error)
	ListConfigs(ctx context.Context, db *gorm.DB) ([]TrialConfig, error)
	UpsertConfig(ctx context.Context, db *gorm.DB, config *TrialConfig) error
}

var (
	ErrInvalidTenant          = errors.New("invalid_tenant")
	ErrInvalidConfig          = errors.New("invalid_trial_config")
	ErrConfigNotFound         = errors.New("trial_config_not_found")
	ErrNotFound               = errors.New("trial_not_found")
	ErrTrialExists            = errors.New("trial_already_active")
	ErrCooldown               = errors.New("trial_cooldown_active")
	ErrPaidSubscriptionActive = errors.New("paid_subscription_active")
	ErrInvalidExtension       = errors.New("invalid_trial_extension")
	ErrMaxExtensions          = errors.New("trial_extension_limit_reached")
	ErrNoPrice                = errors.New("trial_conversion_price_missing")
	ErrNoCustomer             = errors.New("trial_conversion_customer_missing")
	ErrInvalidTransition      = errors.New("invalid_transition")
)
