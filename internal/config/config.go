// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow timing
	ConfirmWindow   time.Duration // how long a guest has to confirm after a payment request
	RequestCooldown time.Duration // minimum gap between repeated host payment requests

	// Booking fees in kobo. These used to be hardcoded in the mobile
	// client and drifted between releases; they are config now.
	CleaningFeeKobo int64
	ServiceFeeKobo  int64

	// Security
	GatewayWebhookSecret string // HMAC secret for the payment gateway capture webhook
	NotifySigningSecret  string // default HMAC secret for outbound notification webhooks
	RateLimitRPS         int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultConfirmWindow   = 2 * time.Minute
	DefaultRequestCooldown = 2 * time.Minute
	DefaultCleaningFee     = 550000 // kobo (NGN 5,500)
	DefaultServiceFee      = 0
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ConfirmWindow:        getEnvDuration("ESCROW_CONFIRM_WINDOW", DefaultConfirmWindow),
		RequestCooldown:      getEnvDuration("ESCROW_REQUEST_COOLDOWN", DefaultRequestCooldown),
		CleaningFeeKobo:      getEnvInt64("CLEANING_FEE_KOBO", DefaultCleaningFee),
		ServiceFeeKobo:       getEnvInt64("SERVICE_FEE_KOBO", DefaultServiceFee),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		NotifySigningSecret:  os.Getenv("NOTIFY_SIGNING_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ConfirmWindow <= 0 {
		return fmt.Errorf("ESCROW_CONFIRM_WINDOW must be positive")
	}
	if c.RequestCooldown <= 0 {
		return fmt.Errorf("ESCROW_REQUEST_COOLDOWN must be positive")
	}
	if c.CleaningFeeKobo < 0 {
		return fmt.Errorf("CLEANING_FEE_KOBO must not be negative")
	}
	if c.ServiceFeeKobo < 0 {
		return fmt.Errorf("SERVICE_FEE_KOBO must not be negative")
	}

	// The capture webhook is the only way money enters the system, so
	// running it unsigned outside development is a misconfiguration.
	if c.IsProduction() && c.GatewayWebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
