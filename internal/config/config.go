// Package config provides environment-aware configuration management,
// grounded on the teacher's internal/config package: an environment-file
// loader keyed off a single "which environment" variable, followed by
// typed getenv helpers with defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// RelayConfig holds the Relay Authentication Service's configuration
// (spec.md section 6, "Config (relay)").
type RelayConfig struct {
	Env Environment

	RelayerAccountID    string
	RelayerPrivateKey   string // "ed25519:<base58>"
	WebAuthnContractID  string
	RPCURL              string
	NetworkID           string
	AccountInitialBalance string // yocto units, string-encoded big integer
	CreateAndRegisterGas  uint64

	// Shamir escrow, optional.
	ShamirPrimeB64U    string
	ShamirEB64U        string
	ShamirDB64U        string
	ShamirGraceKeysFile string

	// HTTP / ambient
	ListenAddr string
	LogLevel   string
	LogFormat  string

	// Postgres
	DatabaseURL string

	// Redis (optional tx queue pending-set mirror)
	RedisAddr string

	// Session service
	SessionSigningSecret string
	SessionTTL           time.Duration
	SessionSlidingWindow time.Duration

	// Key rotation cron
	KeyRotationSchedule string // standard 5-field cron expression
	MaxGraceKeys        int

	// Isolation transport / rate limiting
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
}

// Load reads configuration from an environment-specific .env file (selected
// by SIGNER_ENV) followed by process environment variables, mirroring the
// teacher's MARBLE_ENV-driven Load().
func Load() (*RelayConfig, error) {
	envStr := os.Getenv("SIGNER_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env := Environment(envStr)
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid SIGNER_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", configFile, err)
	}

	cfg := &RelayConfig{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func (c *RelayConfig) loadFromEnv() error {
	c.RelayerAccountID = getEnv("RELAYER_ACCOUNT_ID", "")
	c.RelayerPrivateKey = getEnv("RELAYER_PRIVATE_KEY", "")
	c.WebAuthnContractID = getEnv("WEBAUTHN_CONTRACT_ID", "")
	c.RPCURL = getEnv("RPC_URL", "https://rpc.testnet.near.org")
	c.NetworkID = getEnv("NETWORK_ID", "testnet")
	c.AccountInitialBalance = getEnv("ACCOUNT_INITIAL_BALANCE", "0")

	gas, err := strconv.ParseUint(getEnv("CREATE_AND_REGISTER_GAS", "100000000000000"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid CREATE_AND_REGISTER_GAS: %w", err)
	}
	c.CreateAndRegisterGas = gas

	c.ShamirPrimeB64U = getEnv("SHAMIR_P_B64U", "")
	c.ShamirEB64U = getEnv("SHAMIR_E_S_B64U", "")
	c.ShamirDB64U = getEnv("SHAMIR_D_S_B64U", "")
	c.ShamirGraceKeysFile = getEnv("SHAMIR_GRACE_KEYS_FILE", "")

	c.ListenAddr = getEnv("LISTEN_ADDR", ":8080")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.DatabaseURL = getEnv("DATABASE_URL", "")
	c.RedisAddr = getEnv("REDIS_ADDR", "")

	c.SessionSigningSecret = getEnv("SESSION_SIGNING_SECRET", "")
	c.SessionTTL = getDurationEnv("SESSION_TTL", time.Hour)
	c.SessionSlidingWindow = getDurationEnv("SESSION_SLIDING_WINDOW", 15*time.Minute)

	c.KeyRotationSchedule = getEnv("KEY_ROTATION_SCHEDULE", "0 3 * * *")
	maxGrace, err := strconv.Atoi(getEnv("MAX_GRACE_KEYS", "3"))
	if err != nil {
		return fmt.Errorf("invalid MAX_GRACE_KEYS: %w", err)
	}
	c.MaxGraceKeys = maxGrace

	c.RequestTimeout = getDurationEnv("REQUEST_TIMEOUT", 20*time.Second)
	c.ConnectTimeout = getDurationEnv("CONNECT_TIMEOUT", 8*time.Second)

	if c.Env == Production {
		if c.RelayerAccountID == "" || c.RelayerPrivateKey == "" {
			return fmt.Errorf("RELAYER_ACCOUNT_ID and RELAYER_PRIVATE_KEY are required in production")
		}
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
