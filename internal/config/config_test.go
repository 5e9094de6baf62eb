package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validPaperConfig = `
app:
  mode: paper
  symbol: TQQQ
  ladder_file: ladder.csv
  database_path: gridbot.db
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validPaperConfig))
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.App.Mode)
	assert.Equal(t, 0.01, cfg.Trading.ProfitRatio)
	assert.Equal(t, 0.99, cfg.Trading.StepRatio)
	assert.Equal(t, 3, cfg.Trading.QueueDepth)
	assert.Equal(t, 120, cfg.Trading.OrderWaitTimeout)
	assert.Equal(t, "INFO", cfg.System.LogLevel)
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "key-from-env")

	cfg, err := LoadConfig(writeConfig(t, validPaperConfig+`
broker:
  api_key: ${TEST_BROKER_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Broker.APIKey)
}

func TestLiveModeRequiresCredentials(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
app:
  mode: live
  symbol: TQQQ
  ladder_file: ladder.csv
  database_path: gridbot.db
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials required in live mode")
}

func TestValidateRejectsBadRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad mode", func(c *Config) { c.App.Mode = "backtest" }, "app.mode"},
		{"missing symbol", func(c *Config) { c.App.Symbol = "" }, "app.symbol"},
		{"profit ratio too big", func(c *Config) { c.Trading.ProfitRatio = 1.5 }, "trading.profit_ratio"},
		{"step ratio zero", func(c *Config) { c.Trading.StepRatio = 0 }, "trading.step_ratio"},
		{"queue depth zero", func(c *Config) { c.Trading.QueueDepth = 0 }, "trading.queue_depth"},
		{"timeout too long", func(c *Config) { c.Trading.OrderWaitTimeout = 7200 }, "trading.order_wait_timeout"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "verbose" }, "system.log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.App.Symbol = "TQQQ"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestStringMasksCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Symbol = "TQQQ"
	cfg.Broker.APIKey = "AKIA1234SECRET5678"

	out := cfg.String()
	assert.NotContains(t, out, "AKIA1234SECRET5678")
	assert.Contains(t, out, "AKIA")
	assert.Contains(t, out, "5678")
}
