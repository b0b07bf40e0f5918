package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Logging
	LogLevel  string
	LogFormat string

	// Authoritative store
	StoreDriver string
	DatabaseURL string

	// Redis
	RedisURL              string
	CacheEnabled          bool
	CachePlanTTL          time.Duration
	CacheUsageTTL         time.Duration
	CacheStatsTTL         time.Duration
	CacheHealthInterval   time.Duration
	CacheFailureThreshold int

	// Upstream
	UpstreamBaseURL string
	UpstreamAPIKey  string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	UpstreamTimeout time.Duration
	MaxRequestBytes int64

	// Metering
	WeightInput       decimal.Decimal
	WeightCached      decimal.Decimal
	WeightOutput      decimal.Decimal
	LedgerMaxAttempts int

	// Admin
	AdminJWTSecret string

	// Alerts
	AlertWebhookURL    string
	AlertWebhookSecret string
}

// Load loads configuration from environment variables. envFile is optional;
// a missing file is ignored.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		Env:                   getEnv("ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		StoreDriver:           getEnv("STORE_DRIVER", StoreDriverPostgres),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		CacheEnabled:          getEnvBool("CACHE_ENABLED", true),
		CachePlanTTL:          getEnvDuration("CACHE_PLAN_TTL", 24*time.Hour),
		CacheUsageTTL:         getEnvDuration("CACHE_USAGE_TTL", 30*time.Second),
		CacheStatsTTL:         getEnvDuration("CACHE_STATS_TTL", 10*time.Minute),
		CacheHealthInterval:   getEnvDuration("CACHE_HEALTH_INTERVAL", 5*time.Second),
		CacheFailureThreshold: getEnvInt("CACHE_FAILURE_THRESHOLD", 3),
		UpstreamBaseURL:       getEnv("UPSTREAM_BASE_URL", ""),
		UpstreamAPIKey:        getEnv("UPSTREAM_API_KEY", ""),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:       getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		UpstreamTimeout:       getEnvDuration("UPSTREAM_TIMEOUT", 5*time.Minute),
		MaxRequestBytes:       int64(getEnvInt("MAX_REQUEST_BYTES", 10<<20)),
		WeightInput:           getEnvDecimal("QUOTA_WEIGHT_INPUT", decimal.NewFromInt(1)),
		WeightCached:          getEnvDecimal("QUOTA_WEIGHT_CACHED", decimal.NewFromInt(1)),
		WeightOutput:          getEnvDecimal("QUOTA_WEIGHT_OUTPUT", decimal.NewFromInt(1)),
		LedgerMaxAttempts:     getEnvInt("LEDGER_MAX_ATTEMPTS", 3),
		AdminJWTSecret:        getEnv("ADMIN_JWT_SECRET", ""),
		AlertWebhookURL:       getEnv("ALERT_WEBHOOK_URL", ""),
		AlertWebhookSecret:    getEnv("ALERT_WEBHOOK_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	// At least one upstream is required
	if c.UpstreamBaseURL == "" && c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" && c.GeminiAPIKey == "" {
		return fmt.Errorf("an upstream is required (UPSTREAM_BASE_URL, OPENAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY)")
	}

	if c.AdminJWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("ADMIN_JWT_SECRET is required outside development")
	}

	if c.WeightInput.IsNegative() || c.WeightCached.IsNegative() || c.WeightOutput.IsNegative() {
		return fmt.Errorf("quota weights must not be negative")
	}
	if c.LedgerMaxAttempts < 1 {
		c.LedgerMaxAttempts = 1
	}
	if c.CacheFailureThreshold < 1 {
		c.CacheFailureThreshold = 1
	}
	return nil
}

// IsDevelopment reports whether the gateway runs in the development env.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
