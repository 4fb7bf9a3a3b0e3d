package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tonemend/tonemend/pkg/billing"
	"github.com/tonemend/tonemend/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (optional, webhook dedup)
	Redis RedisConfig

	// Billing provider configuration
	Billing BillingConfig

	// Identity provider configuration
	Identity IdentityConfig

	// Captcha configuration
	Captcha CaptchaConfig

	// Rewrite model configuration
	Rewrite RewriteConfig

	// Quota configuration
	Quota QuotaConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration for webhook deduplication. An empty
// URL disables dedup entirely.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// BillingConfig holds billing provider credentials and price mapping
type BillingConfig struct {
	APIBaseURL    string
	APIKey        string
	WebhookSecret string
	SiteURL       string
	Prices        billing.PriceTable
}

// IdentityConfig holds identity provider settings
type IdentityConfig struct {
	BaseURL    string
	AnonKey    string
	ServiceKey string
	Timeout    time.Duration
}

// CaptchaConfig holds captcha verification settings
type CaptchaConfig struct {
	VerifyURL    string
	Secret       string
	BypassEmails []string
}

// RewriteConfig holds the rewrite model client settings
type RewriteConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// QuotaConfig holds daily quota settings for free accounts
type QuotaConfig struct {
	DailyCapacity int
	Timezone      string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Billing:       loadBillingConfig(),
		Identity:      loadIdentityConfig(),
		Captcha:       loadCaptchaConfig(),
		Rewrite:       loadRewriteConfig(),
		Quota:         loadQuotaConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TONEMEND_HOST", "0.0.0.0"),
		Port:            getEnv("TONEMEND_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TONEMEND_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TONEMEND_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("TONEMEND_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TONEMEND_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TONEMEND_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("TONEMEND_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("TONEMEND_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns:    getEnvInt("TONEMEND_POSTGRES_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("TONEMEND_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("TONEMEND_REDIS_URL", ""),
		Password: getEnv("TONEMEND_REDIS_PASSWORD", ""),
		DB:       getEnvInt("TONEMEND_REDIS_DB", 0),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		APIBaseURL:    getEnv("TONEMEND_BILLING_API_URL", "https://api.stripe.com"),
		APIKey:        getEnv("TONEMEND_BILLING_API_KEY", ""),
		WebhookSecret: getEnv("TONEMEND_BILLING_WEBHOOK_SECRET", ""),
		SiteURL:       getEnv("TONEMEND_SITE_URL", "http://localhost:3000"),
		Prices: billing.PriceTable{
			MonthlyPriceID: getEnv("TONEMEND_PRICE_MONTHLY", ""),
			YearlyPriceID:  getEnv("TONEMEND_PRICE_YEARLY", ""),
		},
	}
}

func loadIdentityConfig() IdentityConfig {
	return IdentityConfig{
		BaseURL:    getEnv("TONEMEND_IDENTITY_URL", ""),
		AnonKey:    getEnv("TONEMEND_IDENTITY_ANON_KEY", ""),
		ServiceKey: getEnv("TONEMEND_IDENTITY_SERVICE_KEY", ""),
		Timeout:    getEnvDuration("TONEMEND_IDENTITY_TIMEOUT", 10*time.Second),
	}
}

func loadCaptchaConfig() CaptchaConfig {
	return CaptchaConfig{
		VerifyURL:    getEnv("TONEMEND_CAPTCHA_VERIFY_URL", ""),
		Secret:       getEnv("TONEMEND_CAPTCHA_SECRET", ""),
		BypassEmails: splitList(getEnv("TONEMEND_CAPTCHA_BYPASS_EMAILS", "")),
	}
}

func loadRewriteConfig() RewriteConfig {
	return RewriteConfig{
		BaseURL: getEnv("TONEMEND_REWRITE_API_URL", "https://api.openai.com"),
		APIKey:  getEnv("TONEMEND_REWRITE_API_KEY", ""),
		Model:   getEnv("TONEMEND_REWRITE_MODEL", "gpt-4o-mini"),
		Timeout: getEnvDuration("TONEMEND_REWRITE_TIMEOUT", 30*time.Second),
	}
}

func loadQuotaConfig() QuotaConfig {
	return QuotaConfig{
		DailyCapacity: getEnvInt("TONEMEND_QUOTA_DAILY_CAPACITY", 3),
		Timezone:      getEnv("TONEMEND_QUOTA_TIMEZONE", "UTC"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("TONEMEND_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TONEMEND_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TONEMEND_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TONEMEND_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TONEMEND_OTEL_SERVICE_NAME", "tonemend"),
		OTelServiceVersion: getEnv("TONEMEND_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TONEMEND_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Billing.APIKey == "" {
		return fmt.Errorf("billing API key is required")
	}
	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("billing webhook secret is required")
	}
	if c.Billing.Prices.MonthlyPriceID == "" || c.Billing.Prices.YearlyPriceID == "" {
		return fmt.Errorf("billing price IDs are required for both plans")
	}

	if c.Identity.BaseURL == "" {
		return fmt.Errorf("identity provider URL is required")
	}
	if c.Identity.AnonKey == "" {
		return fmt.Errorf("identity anon key is required")
	}

	if c.Quota.DailyCapacity < 0 {
		return fmt.Errorf("daily quota capacity must not be negative")
	}
	if c.Quota.Timezone != "" {
		if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
			return fmt.Errorf("invalid quota timezone %q: %w", c.Quota.Timezone, err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// splitList splits a comma-separated env value into trimmed entries
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
