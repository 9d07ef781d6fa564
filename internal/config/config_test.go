package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"MLLP_ADDRESS", "PAGER_ADDRESS", "RECONNECT_DELAY", "READ_TIMEOUT", "STATE_DIR",
		"STORAGE_DRIVER", "POSTGRES_DSN", "HISTORY_FILE", "HISTORY_LIMIT", "AKI_THRESHOLD",
		"ACK_ON_PREDICTION_ERROR", "WEB_PORT", "LOG_LEVEL",
		"SIMULATOR_MLLP_PORT", "SIMULATOR_PAGER_PORT", "SIMULATOR_MESSAGES_FILE", "SIMULATOR_ACK_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "message-simulator:8440", cfg.MLLPAddress)
	assert.Equal(t, "message-simulator:8441", cfg.PagerAddress)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "/state", cfg.StateDir)
	assert.Equal(t, StorageMemory, cfg.StorageDriver)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, 1.5, cfg.AKIThreshold)
	assert.False(t, cfg.AckOnPredictionError)
	assert.Equal(t, 8000, cfg.WebPort)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MLLP_ADDRESS", "127.0.0.1:9440")
	t.Setenv("PAGER_ADDRESS", "pager:9441")
	t.Setenv("RECONNECT_DELAY", "2")
	t.Setenv("READ_TIMEOUT", "0s")
	t.Setenv("STORAGE_DRIVER", "POSTGRES")
	t.Setenv("POSTGRES_DSN", "postgres://aki@localhost/aki?sslmode=disable")
	t.Setenv("AKI_THRESHOLD", "2.5")
	t.Setenv("ACK_ON_PREDICTION_ERROR", "true")
	t.Setenv("HISTORY_LIMIT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9440", cfg.MLLPAddress)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, time.Duration(0), cfg.ReadTimeout)
	assert.Equal(t, StoragePostgres, cfg.StorageDriver)
	assert.Equal(t, 2.5, cfg.AKIThreshold)
	assert.True(t, cfg.AckOnPredictionError)
	assert.Equal(t, 50, cfg.HistoryLimit, "invalid values fall back to the default")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			MLLPAddress:    "localhost:8440",
			PagerAddress:   "localhost:8441",
			ReconnectDelay: time.Second,
			StorageDriver:  StorageMemory,
			HistoryLimit:   50,
			AKIThreshold:   1.5,
			WebPort:        8000,
		}
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing port", func(c *Config) { c.MLLPAddress = "localhost" }},
		{"empty host", func(c *Config) { c.PagerAddress = ":8441" }},
		{"bad port", func(c *Config) { c.MLLPAddress = "localhost:http" }},
		{"unknown driver", func(c *Config) { c.StorageDriver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.StorageDriver = StoragePostgres }},
		{"zero history", func(c *Config) { c.HistoryLimit = 0 }},
		{"zero threshold", func(c *Config) { c.AKIThreshold = 0 }},
		{"negative read timeout", func(c *Config) { c.ReadTimeout = -time.Second }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadSimulator(t *testing.T) {
	clearEnv(t)

	_, err := LoadSimulator()
	assert.Error(t, err, "messages file is required")

	t.Setenv("SIMULATOR_MESSAGES_FILE", "messages.mllp")
	t.Setenv("SIMULATOR_ACK_TIMEOUT", "1500ms")
	cfg, err := LoadSimulator()
	require.NoError(t, err)
	assert.Equal(t, 8440, cfg.MLLPPort)
	assert.Equal(t, 1500*time.Millisecond, cfg.AckTimeout)
}
