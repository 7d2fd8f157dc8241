package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Trading.Leverage)
	assert.Equal(t, 100.0, cfg.Trading.Amount)
	assert.False(t, cfg.Trading.UsePercentage)
	assert.Equal(t, 1000.0, cfg.Trading.MaxPositionSize)
	assert.True(t, cfg.Trading.AutoTPSL)
	assert.True(t, cfg.Trading.AutoBreakeven)
	assert.Equal(t, 1, cfg.Trading.BreakevenTarget)
	assert.Equal(t, "one_way", cfg.Trading.PositionMode)
	assert.True(t, cfg.Exchange.Demo)
	assert.Equal(t, 500.0, cfg.Risk.DailyLossLimit)
	assert.Equal(t, 2000.0, cfg.Risk.WeeklyLossLimit)
	assert.Equal(t, 3, cfg.Risk.MaxConsecutiveLosses)
	assert.Equal(t, time.Hour, cfg.Risk.Cooldown)
	assert.Equal(t, 1.5, cfg.Risk.MinMarginRatio)
	assert.Equal(t, 15*time.Second, cfg.Monitor.Interval)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LEVERAGE", "20")
	t.Setenv("USE_PERCENTAGE", "true")
	t.Setenv("TRADE_AMOUNT", "5")
	t.Setenv("MONITOR_INTERVAL", "2s")
	t.Setenv("STREAM_CHANNELS", " alpha, beta ,,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Trading.Leverage)
	assert.True(t, cfg.Trading.UsePercentage)
	assert.Equal(t, 5.0, cfg.Trading.Amount)
	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Ingest.StreamChannels)
}

func TestYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
trading:
  leverage: 5
  position_mode: HEDGE
risk:
  daily_loss_limit: 50
  cooldown: 30m
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WEEKLY_LOSS_LIMIT", "700")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Trading.Leverage)
	assert.Equal(t, "hedge", cfg.Trading.PositionMode)
	assert.Equal(t, 50.0, cfg.Risk.DailyLossLimit)
	assert.Equal(t, 30*time.Minute, cfg.Risk.Cooldown)
	// keys missing from the file keep env values
	assert.Equal(t, 700.0, cfg.Risk.WeeklyLossLimit)
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"leverage", func(c *Config) { c.Trading.Leverage = 0 }},
		{"amount", func(c *Config) { c.Trading.Amount = -1 }},
		{"percentage", func(c *Config) { c.Trading.UsePercentage = true; c.Trading.Amount = 150 }},
		{"position mode", func(c *Config) { c.Trading.PositionMode = "both" }},
		{"breakeven target", func(c *Config) { c.Trading.BreakevenTarget = 0 }},
		{"margin ratios", func(c *Config) { c.Risk.CriticalMarginRatio = 2 }},
		{"timezone", func(c *Config) { c.Risk.Timezone = "Mars/Olympus" }},
		{"interval", func(c *Config) { c.Monitor.Interval = 0 }},
		{"live without keys", func(c *Config) {
			c.Exchange.Demo = false
			c.Exchange.BinanceAPIKey = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}
