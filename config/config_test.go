package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalPilot/internal/adapters/logger"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsTestnet)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.PriceCacheTTL)
	assert.Equal(t, 3*time.Second, cfg.BrokerCallTimeout)
	assert.Equal(t, 4, cfg.SymbolWorkers)
	assert.Equal(t, 10*time.Second, cfg.SnapshotInterval)
	assert.InDelta(t, 0.01, cfg.LotStep, 1e-12)
	assert.InDelta(t, 0.01, cfg.MinLotsRemaining, 1e-12)
	assert.False(t, cfg.AutoSLCascade)
	assert.Equal(t, 10000, cfg.LedgerCapacity)
	assert.Equal(t, ":8089", cfg.StatusAddr)
	assert.True(t, cfg.StatusAPIEnabled)
	assert.Equal(t, logger.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "std", cfg.LogFormat)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("BROKER_CALL_TIMEOUT_SECONDS", "1.5")
	t.Setenv("TP_AUTO_SL_CASCADE", "true")
	t.Setenv("ENTRY_TIMEOUT_SECONDS", "300")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "ZAP")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.BrokerCallTimeout)
	assert.True(t, cfg.AutoSLCascade)
	assert.Equal(t, 5*time.Minute, cfg.EntryTimeout)
	assert.Equal(t, logger.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "zap", cfg.LogFormat)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"non-numeric poll interval", "POLL_INTERVAL_MS", "fast", "invalid POLL_INTERVAL_MS"},
		{"zero lot step", "LOT_STEP", "0", "LOT_STEP must be positive"},
		{"negative min lots", "MIN_LOTS_REMAINING", "-1", "MIN_LOTS_REMAINING cannot be negative"},
		{"zero workers", "SYMBOL_WORKERS", "0", "SYMBOL_WORKERS must be positive"},
		{"unknown log format", "LOG_FORMAT", "xml", "LOG_FORMAT must be std or zap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_MissingCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BINANCE_API_KEY must be set")
}
