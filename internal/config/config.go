// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment authority (Stripe)
	StripeWebhookSecret string // Endpoint signing secret for inbound webhooks

	// Notification collaborator
	NotifyURL    string // Delivery service endpoint (optional, notifications dropped if unset)
	NotifySecret string // HMAC secret for signing notification requests

	// Pricing
	PayInFullDiscountPct int // Percent discount for paying in full
	MinDepositPct        int // Minimum setup fee as percent of remainder
	DeferredInstallments int // Charge count for the BNPL tier

	// Security
	AdminSecret string // Admin API secret

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for tracing (optional)
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultPayInFullDiscountPct = 10
	DefaultMinDepositPct        = 35
	DefaultDeferredInstallments = 4
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		PayInFullDiscountPct: getEnvInt("PAY_IN_FULL_DISCOUNT_PCT", DefaultPayInFullDiscountPct),
		MinDepositPct:        getEnvInt("MIN_DEPOSIT_PCT", DefaultMinDepositPct),
		DeferredInstallments: getEnvInt("DEFERRED_INSTALLMENTS", DefaultDeferredInstallments),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.StripeWebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	if c.PayInFullDiscountPct < 0 || c.PayInFullDiscountPct >= 100 {
		return fmt.Errorf("PAY_IN_FULL_DISCOUNT_PCT must be in [0, 100), got %d", c.PayInFullDiscountPct)
	}
	if c.MinDepositPct < 1 || c.MinDepositPct > 100 {
		return fmt.Errorf("MIN_DEPOSIT_PCT must be in [1, 100], got %d", c.MinDepositPct)
	}
	if c.DeferredInstallments < 2 {
		return fmt.Errorf("DEFERRED_INSTALLMENTS must be at least 2, got %d", c.DeferredInstallments)
	}
	if c.NotifyURL != "" && c.NotifySecret == "" {
		return fmt.Errorf("NOTIFY_SECRET is required when NOTIFY_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
