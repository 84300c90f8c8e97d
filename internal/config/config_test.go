package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "detect"
log_level = "debug"

[sources]
tokens = ["ETH"]

[[sources.pools]]
id = "uniswap-eth-usdc"
token = "ETH"
pair_address = "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
base_is_token0 = false
base_decimals = 18
quote_decimals = 6
poll_interval = "3s"

[[sources.exchanges]]
id = "cex-a"
url = "wss://stream.example.com/ws"
symbols = { ETH = "ETHUSDT" }

[[sources.oracles]]
id = "oracle-a"
url = "https://oracle.example.com"
api_key = "secret"
feeds = { ETH = "eth-usd" }
nominal_liquidity = "250000"

[arbitrage]
min_spread = "0.02"
min_profit_threshold = "7"
tick_interval = "10s"

[execution]
bundle_timeout = "2m"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "detect", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Sources.Pools, 1)
	assert.Equal(t, int32(6), cfg.Sources.Pools[0].QuoteDecimals)
	assert.Equal(t, 3*time.Second, cfg.Sources.Pools[0].PollInterval.Duration)
	assert.Equal(t, "ETHUSDT", cfg.Sources.Exchanges[0].Symbols["ETH"])
	assert.True(t, cfg.Sources.Oracles[0].NominalLiquidity.Equal(decimal.NewFromInt(250000)))

	assert.True(t, cfg.Arbitrage.MinSpread.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, cfg.Arbitrage.MinProfitThreshold.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, 10*time.Second, cfg.Arbitrage.TickInterval.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Execution.BundleTimeout.Duration)

	// Untouched sections keep their defaults.
	assert.Equal(t, 2, cfg.Normalizer.MinSources)
	assert.Equal(t, 2.0, cfg.Normalizer.OutlierThreshold)
	assert.Equal(t, 5, cfg.Execution.MaxPendingBundles)
	assert.Equal(t, 1.125, cfg.Fees.BaseFeeMultiplier)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ARBGUARD_NORMALIZER_MIN_SOURCES", "3")
	t.Setenv("ARBGUARD_ARBITRAGE_TRADE_SIZE", "2500.5")
	t.Setenv("ARBGUARD_EXECUTION_SIMULATION_REQUIRED", "false")
	t.Setenv("ARBGUARD_BREAKER_LOSS_WINDOW", "1h")
	t.Setenv("ARBGUARD_RISK_DENY", "SCAM, RUG ,")
	t.Setenv("ARBGUARD_FEES_HISTORY_SIZE", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Normalizer.MinSources)
	assert.True(t, cfg.Arbitrage.TradeSize.Equal(decimal.RequireFromString("2500.5")))
	assert.False(t, cfg.Execution.SimulationRequired)
	assert.Equal(t, time.Hour, cfg.Breaker.LossWindow.Duration)
	assert.Equal(t, []string{"SCAM", "RUG"}, cfg.Risk.Deny)
	// Unparseable values leave the default in place.
	assert.Equal(t, 20, cfg.Fees.HistorySize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Mode = "detect"
		cfg.Sources.Tokens = []string{"ETH"}
		cfg.Sources.Oracles = []OracleConfig{{ID: "o1", URL: "http://oracle"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown mode", mutate: func(c *Config) { c.Mode = "backtest" }, wantErr: "unknown mode"},
		{name: "full needs wallet", mutate: func(c *Config) {
			c.Mode = "full"
			c.Execution.ExecutorAddress = "0x01"
		}, wantErr: "wallet: either private_key"},
		{name: "no sources", mutate: func(c *Config) { c.Sources.Oracles = nil }, wantErr: "at least one pool"},
		{name: "duplicate ids", mutate: func(c *Config) {
			c.Sources.Exchanges = []ExchangeConfig{{ID: "o1", URL: "wss://x"}}
		}, wantErr: "duplicate source id"},
		{name: "zero min sources", mutate: func(c *Config) { c.Normalizer.MinSources = 0 }, wantErr: "min_sources"},
		{name: "slippage out of range", mutate: func(c *Config) { c.Execution.MaxSlippage = decimal.NewFromInt(1) }, wantErr: "max_slippage"},
		{name: "loss threshold", mutate: func(c *Config) { c.Breaker.MaxLossThreshold = 0 }, wantErr: "max_loss_threshold"},
		{name: "base multiplier", mutate: func(c *Config) { c.Fees.BaseFeeMultiplier = 0.9 }, wantErr: "base_fee_multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "pw"
	cfg.Sources.Oracles = []OracleConfig{{ID: "o1", APIKey: "k"}}

	out := RedactedConfig(&cfg)

	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Sources.Oracles[0].APIKey)
	assert.Equal(t, "", out.Wallet.KeyPassword)

	// Original untouched.
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
	assert.Equal(t, "k", cfg.Sources.Oracles[0].APIKey)
}
