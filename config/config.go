package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"signalPilot/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey         string
	SecretKey      string
	IsTestnet      bool
	QuantityPerLot float64 // Contract quantity sent for one lot

	// Monitor
	PollInterval      time.Duration
	PriceCacheTTL     time.Duration
	BrokerCallTimeout time.Duration
	SymbolWorkers     int
	SnapshotInterval  time.Duration // Zero disables periodic snapshots

	// Engines
	LotStep           float64
	MinLotsRemaining  float64
	AutoSLCascade     bool
	MaxAverageEntries int
	MaxScaleEntries   int
	EntryTimeout      time.Duration // Applied to entry ranges without their own timeout

	// Ledger
	LedgerCapacity int

	// Database
	DBPath string

	// Status API
	StatusAPIEnabled bool
	StatusAddr       string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string // "std" or "zap"
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	cfg.QuantityPerLot, err = getEnvAsFloatRequired("QUANTITY_PER_LOT", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid QUANTITY_PER_LOT: %v", err))
	} else if cfg.QuantityPerLot <= 0 {
		errs = append(errs, "QUANTITY_PER_LOT must be positive")
	}

	pollMs, err := getEnvAsIntRequired("POLL_INTERVAL_MS", 1000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid POLL_INTERVAL_MS: %v", err))
	} else if pollMs <= 0 {
		errs = append(errs, "POLL_INTERVAL_MS must be positive")
	}
	cfg.PollInterval = time.Duration(pollMs) * time.Millisecond

	ttlMs, err := getEnvAsIntRequired("PRICE_CACHE_TTL_MS", 500)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PRICE_CACHE_TTL_MS: %v", err))
	} else if ttlMs < 0 {
		errs = append(errs, "PRICE_CACHE_TTL_MS cannot be negative")
	}
	cfg.PriceCacheTTL = time.Duration(ttlMs) * time.Millisecond

	timeoutSec, err := getEnvAsFloatRequired("BROKER_CALL_TIMEOUT_SECONDS", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BROKER_CALL_TIMEOUT_SECONDS: %v", err))
	} else if timeoutSec <= 0 {
		errs = append(errs, "BROKER_CALL_TIMEOUT_SECONDS must be positive")
	}
	cfg.BrokerCallTimeout = time.Duration(timeoutSec * float64(time.Second))

	cfg.SymbolWorkers = getEnvAsInt("SYMBOL_WORKERS", 4)
	if cfg.SymbolWorkers <= 0 {
		errs = append(errs, "SYMBOL_WORKERS must be positive")
	}

	snapshotSec := getEnvAsInt("SNAPSHOT_INTERVAL_SECONDS", 10)
	if snapshotSec < 0 {
		errs = append(errs, "SNAPSHOT_INTERVAL_SECONDS cannot be negative")
	}
	cfg.SnapshotInterval = time.Duration(snapshotSec) * time.Second

	cfg.LotStep, err = getEnvAsFloatRequired("LOT_STEP", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOT_STEP: %v", err))
	} else if cfg.LotStep <= 0 {
		errs = append(errs, "LOT_STEP must be positive")
	}

	cfg.MinLotsRemaining, err = getEnvAsFloatRequired("MIN_LOTS_REMAINING", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_LOTS_REMAINING: %v", err))
	} else if cfg.MinLotsRemaining < 0 {
		errs = append(errs, "MIN_LOTS_REMAINING cannot be negative")
	}

	cfg.AutoSLCascade = getEnvAsBool("TP_AUTO_SL_CASCADE", false)

	cfg.MaxAverageEntries = getEnvAsInt("ENTRY_MAX_AVERAGE_ENTRIES", 3)
	cfg.MaxScaleEntries = getEnvAsInt("ENTRY_MAX_SCALE_ENTRIES", 5)
	if cfg.MaxAverageEntries < 1 || cfg.MaxScaleEntries < 1 {
		errs = append(errs, "ENTRY_MAX_AVERAGE_ENTRIES and ENTRY_MAX_SCALE_ENTRIES must be at least 1")
	}

	entryTimeoutSec := getEnvAsInt("ENTRY_TIMEOUT_SECONDS", 0)
	if entryTimeoutSec < 0 {
		errs = append(errs, "ENTRY_TIMEOUT_SECONDS cannot be negative")
	}
	cfg.EntryTimeout = time.Duration(entryTimeoutSec) * time.Second

	cfg.LedgerCapacity = getEnvAsInt("LEDGER_CAPACITY", 10000)
	if cfg.LedgerCapacity <= 0 {
		errs = append(errs, "LEDGER_CAPACITY must be positive")
	}

	cfg.DBPath = getEnv("DB_PATH", "./data/signal_pilot.db")

	cfg.StatusAPIEnabled = getEnvAsBool("STATUS_API_ENABLED", true)
	cfg.StatusAddr = getEnv("STATUS_ADDR", ":8089")

	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "std"))
	if cfg.LogFormat != "std" && cfg.LogFormat != "zap" {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be std or zap, got %q", cfg.LogFormat))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
