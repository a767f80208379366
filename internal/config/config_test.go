package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
app:
  log_level: debug
venue:
  base_url: http://localhost:8090
  stream_url: ws://localhost:8090/stream
bots:
  - name: alpha
    account: 1.2.100
    key: ${TEST_GRID_KEY}
    base_asset: "1.3.0"
    quote_asset: "1.3.121"
    start_price: 1
    min_price: 0.5
    max_price: 2
    increment_percent: 1
    target_spread_percent: 2
    weight_distribution: {buy: 0.5, sell: 0.5}
    bot_funds: {buy: "50%", sell: "1000"}
    active_orders: {buy: 3, sell: 3}
    min_order_size: {buy: 1, sell: 1}
    dedupe_window: 5s
`

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "test_key_123")
	assert.Equal(t, "key: test_key_123", expandEnvVars("key: ${TEST_API_KEY}"))
	assert.Equal(t, "key: ", expandEnvVars("key: ${MISSING_GRID_VAR}"))
}

func TestParse_AppliesDefaults(t *testing.T) {
	t.Setenv("TEST_GRID_KEY", "supersecretkey")

	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.App.LogLevel)
	assert.Equal(t, "data", cfg.App.DataDir)
	assert.Equal(t, "history", cfg.Venue.FillProcessingMode)
	assert.Equal(t, 30*time.Second, cfg.Venue.ConnectTimeout)

	require.Len(t, cfg.Bots, 1)
	bot := cfg.Bots[0]
	assert.Equal(t, "supersecretkey", bot.Key)
	assert.Equal(t, 5*time.Second, bot.DedupeWindow)
	assert.Equal(t, time.Minute, bot.RefreshInterval)
	assert.Equal(t, "none", bot.FeeSide)
	assert.InDelta(t, 0.25, bot.MatchTolerancePercent, 1e-9)
}

func TestLoadConfig_File(t *testing.T) {
	t.Setenv("TEST_GRID_KEY", "k")
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", cfg.Bots[0].Name)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		errPart string
	}{
		{"price bounds", func(c *Config) { c.Bots[0].StartPrice = 3 }, "start_price"},
		{"bad allocation", func(c *Config) { c.Bots[0].BotFunds.Buy = "abc%" }, "bot_funds.buy"},
		{"allocation above 100%", func(c *Config) { c.Bots[0].BotFunds.Sell = "150%" }, "bot_funds.sell"},
		{"duplicate bot", func(c *Config) { c.Bots = append(c.Bots, c.Bots[0]) }, "unique"},
		{"fee side", func(c *Config) { c.Bots[0].FeeSide = "both" }, "FeeSide"},
		{"increment", func(c *Config) { c.Bots[0].IncrementPercent = 0 }, "IncrementPercent"},
		{"no bots", func(c *Config) { c.Bots = nil }, "Bots"},
		{"venue url", func(c *Config) { c.Venue.BaseURL = "" }, "BaseURL"},
		{"log format", func(c *Config) { c.App.LogFormat = "xml" }, "LogFormat"},
		{"trace sample ratio", func(c *Config) { c.App.TraceSample = 1.5 }, "TraceSample"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_GRID_KEY", "k")
			cfg, err := Parse([]byte(validYAML))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestParseAllocation(t *testing.T) {
	total := decimal.NewFromInt(200)

	a, err := ParseAllocation("50%")
	require.NoError(t, err)
	assert.True(t, a.Resolve(total).Equal(decimal.NewFromInt(100)))

	a, err = ParseAllocation("150")
	require.NoError(t, err)
	assert.True(t, a.Resolve(total).Equal(decimal.NewFromInt(150)))

	a, err = ParseAllocation("500")
	require.NoError(t, err)
	assert.True(t, a.Resolve(total).Equal(total), "absolute allocation is capped at the balance")

	_, err = ParseAllocation("-1")
	assert.Error(t, err)
	_, err = ParseAllocation("")
	assert.Error(t, err)
}

func TestConfigString_MasksKeys(t *testing.T) {
	t.Setenv("TEST_GRID_KEY", "abcd1234567890wxyz")
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	out := cfg.String()
	assert.NotContains(t, out, "abcd1234567890wxyz")
	assert.True(t, strings.Contains(out, "abcd"))
}

func TestDefaultBotConfig_IsValid(t *testing.T) {
	cfg := &Config{
		App:   AppConfig{LogLevel: "INFO", DataDir: "data"},
		Venue: VenueConfig{BaseURL: "http://localhost", StreamURL: "ws://localhost", FillProcessingMode: "history"},
		Bots:  []BotConfig{DefaultBotConfig()},
	}
	assert.NoError(t, cfg.Validate())
}
