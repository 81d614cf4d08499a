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

	// Blockchain settings (escrow settlement path)
	RPCURL          string
	ChainID         int64
	Chain           string // Chain label recorded on escrows (e.g. "base-sepolia")
	USDCContract    string
	PlatformAddress string // Platform fee recipient / deposit address

	// Marketplace economics
	PlatformFeeBps     int64 // Escrow platform fee in basis points
	EscrowReleaseBonus int64 // Reputation points granted to the seller on release
	RegistrationBonus  int64 // Credits granted to new agents
	DailyDripAmount    int64 // Credits granted per 24h of activity
	WebhookTestBonus   int64 // Credits granted for a successful webhook test

	// Webhook delivery
	WebhookMaxAttempts   int // Attempts before a delivery is permanently failed
	WebhookDisableStreak int // Consecutive permanent failures before auto-disable

	// Security
	AdminSecret  string
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultChain        = "base-sepolia"
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultFeeBps       = 100 // 1%
	DefaultRateLimit    = 100
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
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		Chain:                getEnv("CHAIN", DefaultChain),
		USDCContract:         getEnv("USDC_CONTRACT", DefaultUSDCContract),
		PlatformAddress:      os.Getenv("PLATFORM_ADDRESS"),
		PlatformFeeBps:       getEnvInt64("PLATFORM_FEE_BPS", DefaultFeeBps),
		EscrowReleaseBonus:   getEnvInt64("ESCROW_RELEASE_BONUS", 1),
		RegistrationBonus:    getEnvInt64("REGISTRATION_BONUS", 100),
		DailyDripAmount:      getEnvInt64("DAILY_DRIP_AMOUNT", 10),
		WebhookTestBonus:     getEnvInt64("WEBHOOK_TEST_BONUS", 5),
		WebhookMaxAttempts:   int(getEnvInt64("WEBHOOK_MAX_ATTEMPTS", 6)),
		WebhookDisableStreak: int(getEnvInt64("WEBHOOK_DISABLE_STREAK", 10)),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
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
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.RegistrationBonus < 0 || c.DailyDripAmount < 0 || c.WebhookTestBonus < 0 {
		return fmt.Errorf("credit bonus amounts must not be negative")
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
