package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
exchange:
  name: paper
trading:
  allocation_pct: 3
  leverage: 20
  hedge_mode: false
stop_loss:
  enabled: true
  mode: both
  usdt: 10
  percent: 25
  scope: cumulative
guard:
  min_window: 10s
instances:
  eth:
    symbol: ETHUSDT
    intervals: ["1m", "15m"]
    leverage: 10
    indicators:
      rsi:
        enabled: true
        length: 14
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	dir := writeConfig(t, sampleConfig)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 3.0, cfg.Trading.AllocationPct)
	assert.Equal(t, 20, cfg.Trading.Leverage)
	assert.False(t, cfg.Trading.HedgeMode)
	// untouched keys keep their defaults
	assert.Equal(t, 200, cfg.Trading.Lookback)
	assert.Equal(t, 350*time.Millisecond, cfg.Guard.MinSubmitSpacing)
	assert.Equal(t, 10*time.Second, cfg.Guard.MinWindow)

	assert.Equal(t, StopLossModeBoth, cfg.StopLoss.Mode)
	assert.Equal(t, StopLossScopeCumulative, cfg.StopLoss.Scope)

	require.Contains(t, cfg.Instances, "eth")
	inst := cfg.Instances["eth"]
	assert.Equal(t, "ETHUSDT", inst.Symbol)
	assert.Equal(t, []string{"1m", "15m"}, inst.Intervals)
	assert.Equal(t, 10, cfg.EffectiveLeverage(inst))
	assert.InDelta(t, 0.03, cfg.EffectiveAllocation(inst), 1e-12)
	assert.Equal(t, true, inst.Indicators["rsi"]["enabled"])
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := writeConfig(t, `
exchange:
  name: binance
instances:
  btc:
    symbol: BTCUSDT
    intervals: ["1m"]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("TRADER_EXCHANGE_API_KEY=key-from-env\nTRADER_EXCHANGE_SECRET_KEY=secret-from-env\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("TRADER_EXCHANGE_API_KEY")
		os.Unsetenv("TRADER_EXCHANGE_SECRET_KEY")
	})

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey)
	assert.Equal(t, "secret-from-env", cfg.Exchange.SecretKey)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "allocation zero", mutate: func(c *Config) { c.Trading.AllocationPct = 0 }, wantErr: "allocation_pct"},
		{name: "allocation above 100", mutate: func(c *Config) { c.Trading.AllocationPct = 101 }, wantErr: "allocation_pct"},
		{name: "leverage zero", mutate: func(c *Config) { c.Trading.Leverage = 0 }, wantErr: "leverage"},
		{name: "bad side", mutate: func(c *Config) { c.Trading.Side = "UP" }, wantErr: "trading.side"},
		{name: "no instances", mutate: func(c *Config) { c.Instances = nil }, wantErr: "at least one instance"},
		{
			name: "bad interval",
			mutate: func(c *Config) {
				c.Instances["btc"] = InstanceConfig{Symbol: "BTCUSDT", Intervals: []string{"7x"}}
			},
			wantErr: "unsupported interval unit",
		},
		{name: "binance without keys", mutate: func(c *Config) { c.Exchange.Name = "binance" }, wantErr: "api_key"},
		{name: "unknown exchange", mutate: func(c *Config) { c.Exchange.Name = "kraken" }, wantErr: "unsupported exchange"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
