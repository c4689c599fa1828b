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

	// Funds movement backend: "memory", "stripe", or "chain"
	FundsBackend string

	// Stripe settings
	StripeAPIKey string

	// Chain settings (ERC-20 stablecoin custody)
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Hex-encoded, no 0x prefix
	WalletAddress string
	TokenContract string

	// Escrow policy
	AutoReleaseAfter   time.Duration // default eligibility window for auto-release
	FundingTimeout     time.Duration // unfunded escrows are cancelled after this
	SweepInterval      time.Duration // background sweep tick
	TransferTimeout    time.Duration // per provider call
	AutoResolveDays    int           // default autoResolveAfterDays for new escrows
	ReputationFloor    float64       // minimum score to opt into reputation resolution
	RequiredSignatures int           // multi-sig threshold

	// Security
	APIKeyHash    string // SHA-256 hash of the service API key
	AdminKeyHash  string // SHA-256 hash of the admin API key
	WebhookSecret string
	RateLimitRPS  int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultFundsBackend    = "memory"
	DefaultRateLimit       = 100
	DefaultAutoResolveDays = 7
	DefaultReputationFloor = 3.0
	DefaultRequiredSigs    = 2
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		FundsBackend:       getEnv("FUNDS_BACKEND", DefaultFundsBackend),
		StripeAPIKey:       os.Getenv("STRIPE_API_KEY"),
		RPCURL:             os.Getenv("RPC_URL"),
		ChainID:            getEnvInt64("CHAIN_ID", 0),
		PrivateKey:         os.Getenv("PRIVATE_KEY"),
		WalletAddress:      os.Getenv("WALLET_ADDRESS"),
		TokenContract:      os.Getenv("TOKEN_CONTRACT"),
		AutoReleaseAfter:   getEnvDuration("AUTO_RELEASE_AFTER", 7*24*time.Hour),
		FundingTimeout:     getEnvDuration("FUNDING_TIMEOUT", 24*time.Hour),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
		TransferTimeout:    getEnvDuration("TRANSFER_TIMEOUT", 30*time.Second),
		AutoResolveDays:    int(getEnvInt64("AUTO_RESOLVE_DAYS", DefaultAutoResolveDays)),
		ReputationFloor:    getEnvFloat("REPUTATION_FLOOR", DefaultReputationFloor),
		RequiredSignatures: int(getEnvInt64("REQUIRED_SIGNATURES", DefaultRequiredSigs)),
		APIKeyHash:         os.Getenv("API_KEY_HASH"),
		AdminKeyHash:       os.Getenv("ADMIN_KEY_HASH"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	switch c.FundsBackend {
	case "memory":
		// No external credentials needed.
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required for the stripe funds backend")
		}
	case "chain":
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for the chain funds backend")
		}
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required for the chain funds backend")
		}
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be a 64-char hex string")
		}
		if c.TokenContract == "" {
			return fmt.Errorf("TOKEN_CONTRACT is required for the chain funds backend")
		}
	default:
		return fmt.Errorf("unknown FUNDS_BACKEND %q (memory, stripe, chain)", c.FundsBackend)
	}

	if c.Env == "production" && c.APIKeyHash == "" {
		return fmt.Errorf("API_KEY_HASH is required in production")
	}
	if c.RequiredSignatures < 1 || c.RequiredSignatures > 3 {
		return fmt.Errorf("REQUIRED_SIGNATURES must be between 1 and 3")
	}
	if c.AutoResolveDays < 1 {
		return fmt.Errorf("AUTO_RESOLVE_DAYS must be at least 1")
	}

	return nil
}

// IsProduction returns true when running in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
