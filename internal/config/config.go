// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/mbd888/tierpass/internal/subscription"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional in demo mode)

	// Blockchain settings
	RPCURL          string
	ChainID         int64
	PrivateKey      string // treasury key, hex with or without 0x
	ContractAddress string // deployed Subscription contract to index (optional)

	// Deployment parameters
	OwnerAddress     string
	RoyaltyReceiver  string
	BaseTokenURI     string
	DiscountSchedule string // "months:percent,..." e.g. "1:100,3:98,6:95,12:89"
	SweepSchedule    string // cron expression for the expiry sweeper

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of new traces exported, 0..1

	// Security
	WebhookSecret string
	DemoMode      bool // unsigned callers, in-memory storage, no on-chain payment checks
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532 // Base Sepolia
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultBaseTokenURI = "ipfs://tierpass/"

	DefaultTraceSampleRatio = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:       os.Getenv("PRIVATE_KEY"),
		ContractAddress:  os.Getenv("CONTRACT_ADDRESS"),
		OwnerAddress:     os.Getenv("OWNER_ADDRESS"),
		RoyaltyReceiver:  os.Getenv("ROYALTY_RECEIVER"),
		BaseTokenURI:     getEnv("BASE_TOKEN_URI", DefaultBaseTokenURI),
		DiscountSchedule: os.Getenv("DISCOUNT_SCHEDULE"),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", subscription.DefaultSweepSchedule),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		DemoMode:         getEnvBool("DEMO_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present. The owner
// defaults to the treasury key's address, and the royalty receiver to the
// owner.
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		pk, err := crypto.HexToECDSA(key)
		if err != nil {
			return fmt.Errorf("PRIVATE_KEY is not a valid secp256k1 key: %w", err)
		}
		if c.OwnerAddress == "" {
			c.OwnerAddress = crypto.PubkeyToAddress(pk.PublicKey).Hex()
		}
	} else if !c.DemoMode {
		return fmt.Errorf("PRIVATE_KEY is required unless DEMO_MODE is set")
	}

	if c.OwnerAddress == "" {
		return fmt.Errorf("OWNER_ADDRESS is required")
	}
	if !common.IsHexAddress(c.OwnerAddress) {
		return fmt.Errorf("OWNER_ADDRESS is not a valid address")
	}
	if c.RoyaltyReceiver == "" {
		c.RoyaltyReceiver = c.OwnerAddress
	}
	if !common.IsHexAddress(c.RoyaltyReceiver) {
		return fmt.Errorf("ROYALTY_RECEIVER is not a valid address")
	}
	if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("CONTRACT_ADDRESS is not a valid address")
	}

	if c.RPCURL == "" && !c.DemoMode {
		return fmt.Errorf("RPC_URL is required")
	}

	if _, err := c.Schedule(); err != nil {
		return fmt.Errorf("DISCOUNT_SCHEDULE: %w", err)
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE: %w", err)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}

	return nil
}

// Schedule parses DiscountSchedule, falling back to the default schedule.
func (c *Config) Schedule() (subscription.DiscountSchedule, error) {
	if strings.TrimSpace(c.DiscountSchedule) == "" {
		return subscription.DefaultSchedule, nil
	}
	return subscription.ParseDiscountSchedule(c.DiscountSchedule)
}

// Params returns the book's deployment parameters. Call after Validate.
func (c *Config) Params() subscription.Params {
	schedule, _ := c.Schedule()
	return subscription.Params{
		Owner:           common.HexToAddress(c.OwnerAddress),
		RoyaltyReceiver: common.HexToAddress(c.RoyaltyReceiver),
		BaseTokenURI:    c.BaseTokenURI,
		Schedule:        schedule,
	}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
