package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const TierFree = "FREE"

// TierDefaults is the baseline entitlement bundle for a tier.
type TierDefaults struct {
	Tier         string                  `mapstructure:"tier"`
	Features     []string                `mapstructure:"features"`
	Seats        int                     `mapstructure:"seats"`
	Locations    int                     `mapstructure:"locations"`
	RefreshQuota int                     `mapstructure:"refresh_quota"`
	Quotas       map[string]QuotaDefault `mapstructure:"quotas"`
}

type QuotaDefault struct {
	Limit          int64  `mapstructure:"limit"`
	ResetPeriod    string `mapstructure:"reset_period"`
	OverageAllowed bool   `mapstructure:"overage_allowed"`
	OverageRate    string `mapstructure:"overage_rate"`
	MaxOverage     int64  `mapstructure:"max_overage"`
}

type TierConfig struct {
	Tiers []TierDefaults `mapstructure:"tiers"`
}

func DefaultTierConfig() TierConfig {
	return TierConfig{
		Tiers: []TierDefaults{
			{
				Tier:         TierFree,
				Features:     []string{},
				Seats:        1,
				Locations:    1,
				RefreshQuota: 10,
				Quotas: map[string]QuotaDefault{
					"api_calls": {Limit: 100, ResetPeriod: "month"},
				},
			},
			{
				Tier:         "STARTER",
				Features:     []string{"basic_reports", "email_support"},
				Seats:        5,
				Locations:    2,
				RefreshQuota: 100,
				Quotas: map[string]QuotaDefault{
					"api_calls": {Limit: 10_000, ResetPeriod: "month"},
				},
			},
			{
				Tier:         "PRO",
				Features:     []string{"advanced_reports", "basic_reports", "email_support", "priority_support"},
				Seats:        25,
				Locations:    10,
				RefreshQuota: 1000,
				Quotas: map[string]QuotaDefault{
					"api_calls": {Limit: 100_000, ResetPeriod: "month", OverageAllowed: true, OverageRate: "0.001", MaxOverage: 50_000},
				},
			},
		},
	}
}

// Lookup finds the defaults for tier, case-insensitively.
func (c TierConfig) Lookup(tier string) (TierDefaults, bool) {
	tier = strings.ToUpper(strings.TrimSpace(tier))
	for _, t := range c.Tiers {
		if strings.EqualFold(t.Tier, tier) {
			return t, true
		}
	}
	return TierDefaults{}, false
}

type TierConfigHolder struct {
	current atomic.Value // holds TierConfig
}

func NewTierConfigHolder() (*TierConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("tiers")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/entitlements/config")
	v.AddConfigPath("/etc/entitlements")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLEMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &TierConfigHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		holder.current.Store(DefaultTierConfig())
		return holder, nil
	}

	cfg, err := decodeTierConfig(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeTierConfig(v)
		if err != nil {
			log.Printf("[tier-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[tier-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticTierConfigHolder returns a holder that never reloads.
func NewStaticTierConfigHolder(cfg TierConfig) *TierConfigHolder {
	holder := &TierConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *TierConfigHolder) Get() TierConfig {
	if h == nil {
		return DefaultTierConfig()
	}
	cfg, ok := h.current.Load().(TierConfig)
	if !ok {
		return DefaultTierConfig()
	}
	return cfg
}

func decodeTierConfig(v *viper.Viper) (TierConfig, error) {
	var cfg TierConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return TierConfig{}, err
	}
	for i := range cfg.Tiers {
		cfg.Tiers[i].Tier = strings.ToUpper(strings.TrimSpace(cfg.Tiers[i].Tier))
	}
	if err := validateTierConfig(cfg); err != nil {
		return TierConfig{}, err
	}
	return cfg, nil
}

func validateTierConfig(cfg TierConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("tiers cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, tier := range cfg.Tiers {
		if tier.Tier == "" {
			return errors.New("tier name is required")
		}
		if _, ok := seen[tier.Tier]; ok {
			return fmt.Errorf("duplicate tier %s", tier.Tier)
		}
		seen[tier.Tier] = struct{}{}
		for feature, quota := range tier.Quotas {
			if quota.Limit < 0 || quota.MaxOverage < 0 {
				return fmt.Errorf("tier %s quota %s must not be negative", tier.Tier, feature)
			}
		}
	}
	if _, ok := seen[TierFree]; !ok {
		return errors.New("tiers must define FREE")
	}
	return nil
}
