// Package config provides environment-aware configuration management for
// the settlement/reconciliation/outbox control plane.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appruntime "github.com/dao-autonomy/control-plane/internal/runtime"
	"github.com/joho/godotenv"
)

// Environment mirrors internal/runtime.Environment for callers that only
// import this package.
type Environment = appruntime.Environment

const (
	Development = appruntime.Development
	Testing     = appruntime.Testing
	Production  = appruntime.Production
)

// Config holds all control-plane configuration, populated from environment
// variables. Field groupings follow the EXTERNAL INTERFACES env var table.
type Config struct {
	Env Environment

	// Database
	DatabaseURL      string
	DBMaxConnections int
	DBIdleTimeout    time.Duration

	// HTTP
	ListenAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Oracle request gate (C10)
	OracleHMACSecret         string
	OracleRequestTTLSeconds  int
	OracleAcceptLegacySigs   bool
	OracleNonceWindowSeconds int
	AgentAPIKeyPBKDF2Rounds  int

	// Chain (C3 indexer, C7 tx outbox)
	ChainID                    int64
	BaseSepoliaRPCURL          string
	USDCAddress                string
	DividendDistributorAddress string
	IndexerConfirmations       int
	IndexerPollInterval        time.Duration
	IndexerBatchBlocks         uint64

	// Tx outbox / signing (C7)
	OracleSignerPrivateKey string
	SafeOwnerAddress       string
	SafeOwnerKeysFile      string
	SafeKeyMaterialSecret  string
	SafeModeEnabled        bool
	TxOutboxEnabled        bool
	TxOutboxLockTTLSeconds int
	TxOutboxMaxAttempts    int
	TxOutboxPollInterval   time.Duration

	// Git outbox (C8)
	GitOutboxEnabled        bool
	GitOutboxLockTTLSeconds int
	GitHostToken            string
	GitHostBaseURL          string

	// Reconciliation / spend policy (C4, C6)
	ReconciliationMaxAgeSeconds int
	SpendCapPerTxUSDC           float64
	SpendCapDailyUSDC           float64

	// Marketing fee accrual (C9)
	MarketingFeeBPS       int
	MarketingTreasuryAddr string

	// Autonomy loop (C11)
	AutonomyCron   string
	AutonomyDryRun bool

	// Features
	MetricsEnabled bool
	MetricsPort    int
}

// Load loads configuration based on the APP_ENV environment variable,
// optionally overlaying a per-environment .env file.
func Load() (*Config, error) {
	envStr := os.Getenv("APP_ENV")
	if envStr == "" {
		envStr = string(appruntime.Development)
	}
	env, ok := appruntime.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid APP_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.DatabaseURL = getEnv("DATABASE_URL", "")
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	c.DBMaxConnections = getIntEnv("DB_MAX_CONNECTIONS", 20)
	c.DBIdleTimeout = getDurationEnv("DB_IDLE_TIMEOUT", 5*time.Minute)

	c.ListenAddr = getEnv("LISTEN_ADDR", ":8080")

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.OracleHMACSecret = getEnv("ORACLE_HMAC_SECRET", "")
	c.OracleRequestTTLSeconds = getIntEnv("ORACLE_REQUEST_TTL_SECONDS", 300)
	c.OracleAcceptLegacySigs = getBoolEnv("ORACLE_ACCEPT_LEGACY_SIGNATURES", false)
	c.OracleNonceWindowSeconds = getIntEnv("ORACLE_NONCE_WINDOW_SECONDS", 900)
	c.AgentAPIKeyPBKDF2Rounds = getIntEnv("AGENT_API_KEY_PBKDF2_ROUNDS", 210000)

	chainID, err := strconv.ParseInt(getEnv("CHAIN_ID", "84532"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid CHAIN_ID: %w", err)
	}
	c.ChainID = chainID
	c.BaseSepoliaRPCURL = getEnv("BASE_SEPOLIA_RPC_URL", "")
	c.USDCAddress = getEnv("USDC_ADDRESS", "")
	c.DividendDistributorAddress = getEnv("DIVIDEND_DISTRIBUTOR_CONTRACT_ADDRESS", "")
	c.IndexerConfirmations = getIntEnv("INDEXER_CONFIRMATIONS", 12)
	c.IndexerPollInterval = getDurationEnv("INDEXER_POLL_INTERVAL", 15*time.Second)
	c.IndexerBatchBlocks = uint64(getIntEnv("INDEXER_BATCH_BLOCKS", 2000))

	c.OracleSignerPrivateKey = getEnv("ORACLE_SIGNER_PRIVATE_KEY", "")
	c.SafeOwnerAddress = getEnv("SAFE_OWNER_ADDRESS", "")
	c.SafeOwnerKeysFile = getEnv("SAFE_OWNER_KEYS_FILE", "")
	c.SafeKeyMaterialSecret = getEnv("SAFE_KEY_MATERIAL_SECRET", "")
	c.SafeModeEnabled = strings.TrimSpace(c.SafeOwnerAddress) != ""
	c.TxOutboxEnabled = getBoolEnv("TX_OUTBOX_ENABLED", true)
	c.TxOutboxLockTTLSeconds = getIntEnv("TX_OUTBOX_LOCK_TTL_SECONDS", 120)
	c.TxOutboxMaxAttempts = getIntEnv("TX_OUTBOX_MAX_ATTEMPTS", 5)
	c.TxOutboxPollInterval = getDurationEnv("TX_OUTBOX_POLL_INTERVAL", 5*time.Second)

	c.GitOutboxEnabled = getBoolEnv("GIT_OUTBOX_ENABLED", false)
	c.GitOutboxLockTTLSeconds = getIntEnv("GIT_OUTBOX_LOCK_TTL_SECONDS", 120)
	c.GitHostToken = getEnv("GIT_HOST_TOKEN", "")
	c.GitHostBaseURL = getEnv("GIT_HOST_BASE_URL", "")

	c.ReconciliationMaxAgeSeconds = getIntEnv("PROJECT_CAPITAL_RECONCILIATION_MAX_AGE_SECONDS", 900)
	c.SpendCapPerTxUSDC = getFloatEnv("SPEND_CAP_PER_TX_USDC", 5000)
	c.SpendCapDailyUSDC = getFloatEnv("SPEND_CAP_DAILY_USDC", 25000)

	c.MarketingFeeBPS = getIntEnv("MARKETING_FEE_BPS", 0)
	c.MarketingTreasuryAddr = getEnv("MARKETING_TREASURY_ADDRESS", "")

	c.AutonomyCron = getEnv("AUTONOMY_CRON", "*/5 * * * *")
	c.AutonomyDryRun = getBoolEnv("AUTONOMY_DRY_RUN", false)

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", true)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

// Validate enforces required settings with a fail-closed posture: a
// missing ORACLE_HMAC_SECRET, a non-positive request TTL, or an
// out-of-range MARKETING_FEE_BPS is a startup error in every environment,
// and production additionally requires an RPC URL and a signer and
// forbids legacy signatures.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OracleHMACSecret) == "" {
		return fmt.Errorf("ORACLE_HMAC_SECRET is required")
	}
	if c.OracleRequestTTLSeconds <= 0 {
		return fmt.Errorf("ORACLE_REQUEST_TTL_SECONDS must be positive")
	}
	if c.MarketingFeeBPS < 0 || c.MarketingFeeBPS > 10000 {
		return fmt.Errorf("MARKETING_FEE_BPS must be between 0 and 10000")
	}
	if c.IsProduction() {
		if c.OracleAcceptLegacySigs {
			return fmt.Errorf("ORACLE_ACCEPT_LEGACY_SIGNATURES must be false in production")
		}
		if strings.TrimSpace(c.BaseSepoliaRPCURL) == "" {
			return fmt.Errorf("BASE_SEPOLIA_RPC_URL is required in production")
		}
		if strings.TrimSpace(c.OracleSignerPrivateKey) == "" && strings.TrimSpace(c.SafeOwnerAddress) == "" {
			return fmt.Errorf("either ORACLE_SIGNER_PRIVATE_KEY or SAFE_OWNER_ADDRESS must be configured in production")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
