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

	// Database (optional, queues fall back to in-memory when unset)
	DatabaseURL string

	// Blockchain settings
	RPCURL                 string
	ChainID                int64
	PrivateKey             string // Hex-encoded, 0x prefix optional
	SignerAddress          string
	PoolFactoryContract    string
	StakingTokenContract   string
	ValidatePoolViaFactory bool

	// Queue and topic names
	TransactionQueue    string
	RecoveryQueue       string
	DeadLetterQueue     string
	LivenessTopic       string
	LiveProcessingTopic string
	CreditCardTopic     string
	BankRecoveryTopic   string
	RecoveryStatusTopic string

	// Pipeline timing
	DequeueTimeout       time.Duration
	MissingRailDelay     time.Duration // requeue delay for requests without a rail
	UnknownRailDelay     time.Duration // routing requeue delay for unknown rails
	RecoveryRetryDelay   time.Duration // recovery requeue delay after a failed unstake
	RecoveryUnknownDelay time.Duration // recovery requeue delay for unknown rails
	RecoveryDownDelay    time.Duration // recovery requeue delay for rails known down
	ConfirmTimeout       time.Duration // ledger confirmation wait
	SupervisorInterval   time.Duration // worker liveness poll interval

	// Recovery policy: 0 means retry blockchain recovery items forever.
	RecoveryMaxAttempts int

	// Recommender service
	RecommenderURL     string
	RecommenderTimeout time.Duration
}

const (
	DefaultRPCURL   = "http://127.0.0.1:7545"
	DefaultChainID  = 1337
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RPCURL:                 getEnv("ETH_PROVIDER_URL", DefaultRPCURL),
		ChainID:                getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:             os.Getenv("SIGNER_PRIVATE_KEY"), // Required, no default
		SignerAddress:          os.Getenv("SIGNER_ADDRESS"),
		PoolFactoryContract:    os.Getenv("POOL_FACTORY_ADDRESS"),
		StakingTokenContract:   os.Getenv("STAKING_TOKEN_ADDRESS"),
		ValidatePoolViaFactory: getEnvBool("VALIDATE_POOL_VIA_FACTORY", true),

		TransactionQueue:    getEnv("TRANSACTION_REQUESTS_QUEUE", "transaction_requests"),
		RecoveryQueue:       getEnv("RECOVERY_PAYMENTS_QUEUE", "recovery_payments"),
		DeadLetterQueue:     getEnv("RECOVERY_DEAD_LETTER_QUEUE", "recovery_dead_letter"),
		LivenessTopic:       getEnv("BANK_SERVER_TOPIC", "bank_server"),
		LiveProcessingTopic: getEnv("BANK_TX_PROCESSING_TOPIC", "bank_tx_processing"),
		CreditCardTopic:     getEnv("CREDIT_CARD_RECOVERY_TOPIC", "credit_card_recovery"),
		BankRecoveryTopic:   getEnv("BANK_RECOVERY_TOPIC", "bank_recovery"),
		RecoveryStatusTopic: getEnv("RECOVERY_STATUS_UPDATE_TOPIC", "recovery_status_update"),

		DequeueTimeout:       getEnvDuration("DEQUEUE_TIMEOUT", 5*time.Second),
		MissingRailDelay:     getEnvDuration("MISSING_RAIL_DELAY", 5*time.Second),
		UnknownRailDelay:     getEnvDuration("UNKNOWN_RAIL_DELAY", 5*time.Second),
		RecoveryRetryDelay:   getEnvDuration("RECOVERY_RETRY_DELAY", 5*time.Second),
		RecoveryUnknownDelay: getEnvDuration("RECOVERY_UNKNOWN_DELAY", 10*time.Second),
		RecoveryDownDelay:    getEnvDuration("RECOVERY_DOWN_DELAY", 15*time.Second),
		ConfirmTimeout:       getEnvDuration("CONFIRM_TIMEOUT", 120*time.Second),
		SupervisorInterval:   getEnvDuration("SUPERVISOR_INTERVAL", 30*time.Second),

		RecoveryMaxAttempts: int(getEnvInt64("RECOVERY_MAX_ATTEMPTS", 0)),

		RecommenderURL:     getEnv("RECOMMENDER_API_URL", "http://localhost:8001"),
		RecommenderTimeout: getEnvDuration("RECOMMENDER_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
// Missing blockchain settings are fatal: the dependent pipelines must
// not start against an unconfigured ledger.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("SIGNER_PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("SIGNER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("ETH_PROVIDER_URL is required")
	}
	if c.PoolFactoryContract == "" {
		return fmt.Errorf("POOL_FACTORY_ADDRESS is required")
	}
	if c.StakingTokenContract == "" {
		return fmt.Errorf("STAKING_TOKEN_ADDRESS is required")
	}
	if c.RecoveryMaxAttempts < 0 {
		return fmt.Errorf("RECOVERY_MAX_ATTEMPTS must be >= 0")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
