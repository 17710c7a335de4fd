package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Cache     CacheConfig
	Billing   BillingProviderConfig
	Webhook   WebhookConfig
	Trial     TrialConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig

	// AdminTokens maps bearer tokens to the actor they authenticate.
	AdminTokens map[string]AdminToken
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type CacheConfig struct {
	Backend   string
	TTL       time.Duration
	KeyPrefix string
	StaleTTL  time.Duration
}

type BillingProviderConfig struct {
	Provider            string
	StripeSecretKey     string
	StripeWebhookSecret string
	PaddleWebhookSecret string
	PaddleEnvironment   string
	Timeout             time.Duration
	PortalReturnURL     string
}

type WebhookConfig struct {
	ProductInvalidateAll bool
}

type TrialConfig struct {
	CooldownDays       int
	DefaultGraceDays   int
	MaxExtensions      int
	DefaultTrialConfig string
}

type RateLimitConfig struct {
	Enabled          bool
	UsageTenantRate  float64
	UsageTenantBurst int
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
	LockTTL  time.Duration
}

type AdminToken struct {
	Name string
	Role string
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "entitlements"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "entitlements"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Backend:   strings.ToLower(getenv("CACHE_BACKEND", CacheBackendMemory)),
			TTL:       getenvDuration("CACHE_TTL", 5*time.Minute),
			KeyPrefix: getenv("CACHE_KEY_PREFIX", "entitlements"),
			StaleTTL:  getenvDuration("CACHE_STALE_TTL", 24*time.Hour),
		},
		Billing: BillingProviderConfig{
			Provider:            strings.ToLower(getenv("BILLING_PROVIDER", "stripe")),
			StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			PaddleWebhookSecret: strings.TrimSpace(getenv("PADDLE_WEBHOOK_SECRET", "")),
			PaddleEnvironment:   strings.ToLower(getenv("PADDLE_ENVIRONMENT", "production")),
			Timeout:             getenvDuration("BILLING_PROVIDER_TIMEOUT", 5*time.Second),
			PortalReturnURL:     strings.TrimSpace(getenv("BILLING_PORTAL_RETURN_URL", "")),
		},
		Webhook: WebhookConfig{
			ProductInvalidateAll: getenvBool("WEBHOOK_PRODUCT_INVALIDATE_ALL", false),
		},
		Trial: TrialConfig{
			CooldownDays:       getenvInt("TRIAL_COOLDOWN_DAYS", 30),
			DefaultGraceDays:   getenvInt("TRIAL_DEFAULT_GRACE_DAYS", 3),
			MaxExtensions:      getenvInt("TRIAL_MAX_EXTENSIONS", 2),
			DefaultTrialConfig: strings.TrimSpace(getenv("TRIAL_DEFAULT_CONFIG", "")),
		},
		RateLimit: RateLimitConfig{
			Enabled:          getenvBool("RATE_LIMIT_ENABLED", false),
			UsageTenantRate:  getenvFloat("RATE_LIMIT_USAGE_TENANT_RATE", 50),
			UsageTenantBurst: getenvInt("RATE_LIMIT_USAGE_TENANT_BURST", 100),
		},
		Scheduler: SchedulerConfig{
			Enabled:  getenvBool("SCHEDULER_ENABLED", true),
			Interval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			LockTTL:  getenvDuration("SCHEDULER_LOCK_TTL", 2*time.Minute),
		},
		AdminTokens: parseAdminTokens(getenv("ADMIN_API_TOKENS", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// parseAdminTokens reads "token:role[:name]" entries separated by commas.
func parseAdminTokens(raw string) map[string]AdminToken {
	tokens := map[string]AdminToken{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			log.Printf("[config] ignoring malformed admin token entry")
			continue
		}
		token := strings.TrimSpace(parts[0])
		role := strings.ToLower(strings.TrimSpace(parts[1]))
		if token == "" || role == "" {
			continue
		}
		name := role
		if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
			name = strings.TrimSpace(parts[2])
		}
		tokens[token] = AdminToken{Name: name, Role: role}
	}
	return tokens
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
