// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/agirails/actp/internal/amount"
)

// Mode selects the ledger backing for the engine.
const (
	ModeMock = "mock" // in-memory ledger, minting enabled
	ModeLive = "live" // persistent ledger, minting disabled
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Engine mode
	Mode string // "mock" or "live"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	PlatformAddress string        // Receives platform fees
	ArbiterAddress  string        // Resolves disputes (defaults to platform address)
	FeeBps          uint32        // Platform fee in basis points
	MinAmount       string        // Minimum transaction amount (decimal string)
	GracePeriod     time.Duration // Dispute window after delivery before auto-settle

	// Security
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultMode        = ModeMock
	DefaultFeeBps      = 250 // 2.5%
	DefaultMinAmount   = "0.01"
	DefaultGracePeriod = 24 * time.Hour
	DefaultRateLimit   = 60

	// DefaultPlatformAddress is the mock-mode fee sink. Live deployments
	// must set PLATFORM_ADDRESS explicitly.
	DefaultPlatformAddress = "3000000000000000000000000000000000000000"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		Mode:            getEnv("MODE", DefaultMode),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PlatformAddress: getEnv("PLATFORM_ADDRESS", "0x"+DefaultPlatformAddress),
		ArbiterAddress:  os.Getenv("ARBITER_ADDRESS"),
		FeeBps:          uint32(getEnvInt64("FEE_BPS", DefaultFeeBps)),
		MinAmount:       getEnv("MIN_AMOUNT", DefaultMinAmount),
		GracePeriod:     getEnvDuration("GRACE_PERIOD", DefaultGracePeriod),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.ArbiterAddress == "" {
		cfg.ArbiterAddress = cfg.PlatformAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Mode != ModeMock && c.Mode != ModeLive {
		return fmt.Errorf("MODE must be %q or %q", ModeMock, ModeLive)
	}

	if c.Mode == ModeLive && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in live mode")
	}

	if c.PlatformAddress == "" {
		return fmt.Errorf("PLATFORM_ADDRESS is required")
	}

	if c.FeeBps > 10_000 {
		return fmt.Errorf("FEE_BPS must not exceed 10000 (100%%)")
	}

	if _, ok := amount.Parse(c.MinAmount); !ok {
		return fmt.Errorf("MIN_AMOUNT must be a valid decimal amount")
	}

	if c.GracePeriod <= 0 {
		return fmt.Errorf("GRACE_PERIOD must be positive")
	}

	return nil
}

// IsMock returns true if the engine runs against the simulated ledger
func (c *Config) IsMock() bool {
	return c.Mode == ModeMock
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
