// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Token economics
	TokenRateINR       int64 // INR value of one token
	WithdrawalFeePct   int64 // processing fee, percent of the INR amount
	MinWithdrawal      int64 // minimum withdrawal in tokens
	MinTokenPurchase   int64 // minimum tokens per checkout
	MaxTokenPurchase   int64 // maximum tokens per checkout

	// Payment gateway
	StripeSecretKey     string
	StripeWebhookSecret string

	// Security
	AdminSecret  string
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

// Defaults matching the platform's published terms.
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultTokenRateINR     = 100
	DefaultWithdrawalFeePct = 5
	DefaultMinWithdrawal    = 100
	DefaultMinPurchase      = 10
	DefaultMaxPurchase      = 100000
	DefaultRateLimit        = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		TokenRateINR:        getEnvInt64("TOKEN_RATE_INR", DefaultTokenRateINR),
		WithdrawalFeePct:    getEnvInt64("WITHDRAWAL_FEE_PCT", DefaultWithdrawalFeePct),
		MinWithdrawal:       getEnvInt64("MIN_WITHDRAWAL_TOKENS", DefaultMinWithdrawal),
		MinTokenPurchase:    getEnvInt64("MIN_TOKEN_PURCHASE", DefaultMinPurchase),
		MaxTokenPurchase:    getEnvInt64("MAX_TOKEN_PURCHASE", DefaultMaxPurchase),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.TokenRateINR <= 0 {
		return fmt.Errorf("TOKEN_RATE_INR must be positive")
	}
	if c.WithdrawalFeePct < 0 || c.WithdrawalFeePct > 100 {
		return fmt.Errorf("WITHDRAWAL_FEE_PCT must be between 0 and 100")
	}
	if c.MinWithdrawal <= 0 {
		return fmt.Errorf("MIN_WITHDRAWAL_TOKENS must be positive")
	}
	if c.MinTokenPurchase <= 0 || c.MaxTokenPurchase < c.MinTokenPurchase {
		return fmt.Errorf("token purchase bounds are invalid")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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
