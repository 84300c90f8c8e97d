// Package config defines the top-level configuration for arbguard and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBGUARD_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Chain      ChainConfig      `toml:"chain"`
	Relay      RelayConfig      `toml:"relay"`
	Sources    SourcesConfig    `toml:"sources"`
	Normalizer NormalizerConfig `toml:"normalizer"`
	Arbitrage  ArbitrageConfig  `toml:"arbitrage"`
	Fees       FeeConfig        `toml:"fees"`
	Execution  ExecutionConfig  `toml:"execution"`
	Positions  PositionConfig   `toml:"positions"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Risk       RiskConfig       `toml:"risk"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// RelayKey signs relay requests. When empty a throwaway key is generated
	// at startup.
	RelayKey string `toml:"relay_key"`
}

// ChainConfig holds the JSON-RPC endpoint used for blocks, balances and
// transaction broadcast.
type ChainConfig struct {
	RPCURL      string   `toml:"rpc_url"`
	ChainID     int64    `toml:"chain_id"`
	CallTimeout duration `toml:"call_timeout"`
	MaxRetries  int      `toml:"max_retries"`
}

// RelayConfig holds the private bundle relay endpoint.
type RelayConfig struct {
	URL        string   `toml:"url"`
	Timeout    duration `toml:"timeout"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// SourcesConfig lists the venues quotes are collected from.
type SourcesConfig struct {
	Tokens []string `toml:"tokens"`
	// MaxDeviation is the relative deviation accepted by ValidatePrice.
	MaxDeviation float64          `toml:"max_deviation"`
	MirrorTTL    duration         `toml:"mirror_ttl"`
	Pools        []PoolConfig     `toml:"pools"`
	Exchanges    []ExchangeConfig `toml:"exchanges"`
	Oracles      []OracleConfig   `toml:"oracles"`
}

// PoolConfig describes one constant-product pool read through getReserves().
type PoolConfig struct {
	ID            string   `toml:"id"`
	Token         string   `toml:"token"`
	PairAddress   string   `toml:"pair_address"`
	BaseIsToken0  bool     `toml:"base_is_token0"`
	BaseDecimals  int32    `toml:"base_decimals"`
	QuoteDecimals int32    `toml:"quote_decimals"`
	PollInterval  duration `toml:"poll_interval"`
}

// ExchangeConfig describes one centralized exchange ticker stream.
type ExchangeConfig struct {
	ID  string `toml:"id"`
	URL string `toml:"url"`
	// Symbols maps token → exchange symbol.
	Symbols map[string]string `toml:"symbols"`
}

// OracleConfig describes one HTTP price oracle.
type OracleConfig struct {
	ID     string `toml:"id"`
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
	// Feeds maps token → oracle feed id.
	Feeds            map[string]string `toml:"feeds"`
	PollInterval     duration          `toml:"poll_interval"`
	NominalLiquidity decimal.Decimal   `toml:"nominal_liquidity"`
}

// NormalizerConfig holds the price fusion parameters.
type NormalizerConfig struct {
	MinSources int `toml:"min_sources"`
	// ExpectedSources is the denominator of the source-count ratio. Zero means
	// the number of venues quoting the token.
	ExpectedSources    int      `toml:"expected_sources"`
	OutlierThreshold   float64  `toml:"outlier_threshold"`
	StalenessWindow    duration `toml:"staleness_window"`
	FreshnessHorizon   duration `toml:"freshness_horizon"`
	HistorySize        int      `toml:"history_size"`
	StabilityThreshold float64  `toml:"stability_threshold"`
	VolatilityCeiling  float64  `toml:"volatility_ceiling"`
	TickInterval       duration `toml:"tick_interval"`
}

// ArbitrageConfig holds the detector parameters.
type ArbitrageConfig struct {
	Strategy           string          `toml:"strategy"`
	TickInterval       duration        `toml:"tick_interval"`
	MinSpread          decimal.Decimal `toml:"min_spread"`
	MinProfitThreshold decimal.Decimal `toml:"min_profit_threshold"`
	TradeSize          decimal.Decimal `toml:"trade_size"`
	// GasToken is the token whose normalized price converts wei gas cost into
	// quote currency.
	GasToken string `toml:"gas_token"`
	// GasCostFallback is used when no fee estimate or gas token price exists.
	GasCostFallback decimal.Decimal `toml:"gas_cost_fallback"`
	AgeGapPenalty   float64         `toml:"age_gap_penalty"`
	EpochBucket     duration        `toml:"epoch_bucket"`
	DedupTTL        duration        `toml:"dedup_ttl"`
	AutoExecute     bool            `toml:"auto_execute"`
}

// FeeConfig holds the fee estimator parameters.
type FeeConfig struct {
	HistorySize           int      `toml:"history_size"`
	BaseFeeMultiplier     float64  `toml:"base_fee_multiplier"`
	PriorityFeeMultiplier float64  `toml:"priority_fee_multiplier"`
	MinPriorityFeeGwei    float64  `toml:"min_priority_fee_gwei"`
	MaxTotalFeeGwei       float64  `toml:"max_total_fee_gwei"`
	PollInterval          duration `toml:"poll_interval"`
}

// ExecutionConfig holds the protected execution engine parameters.
type ExecutionConfig struct {
	MaxSlippage        decimal.Decimal `toml:"max_slippage"`
	BundleTimeout      duration        `toml:"bundle_timeout"`
	MinValidity        duration        `toml:"min_validity"`
	MaxPendingBundles  int             `toml:"max_pending_bundles"`
	SimulationRequired bool            `toml:"simulation_required"`
	ExecutorAddress    string          `toml:"executor_address"`
	GasLimit           uint64          `toml:"gas_limit"`
	LeadTx             bool            `toml:"lead_tx"`
	TrailingTx         bool            `toml:"trailing_tx"`
	InclusionPoll      duration        `toml:"inclusion_poll"`
	DistributedLock    bool            `toml:"distributed_lock"`
	LockTTL            duration        `toml:"lock_ttl"`
}

// PositionConfig holds stop-loss and take-profit offsets.
type PositionConfig struct {
	StopLossPct   decimal.Decimal `toml:"stop_loss_pct"`
	TakeProfitPct decimal.Decimal `toml:"take_profit_pct"`
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	TickInterval        duration        `toml:"tick_interval"`
	MinBalanceEth       decimal.Decimal `toml:"min_balance_eth"`
	MaxGasThresholdGwei float64         `toml:"max_gas_threshold_gwei"`
	MaxLossThreshold    float64         `toml:"max_loss_threshold"`
	LossWindow          duration        `toml:"loss_window"`
}

// RiskConfig configures the token risk gate. When URL is empty the static
// allow and deny lists are used.
type RiskConfig struct {
	URL      string   `toml:"url"`
	Timeout  duration `toml:"timeout"`
	CacheTTL duration `toml:"cache_ttl"`
	Allow    []string `toml:"allow"`
	Deny     []string `toml:"deny"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Leave Addr empty to run
// single-instance with in-process caches.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled          bool     `toml:"enabled"`
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	ForcePathStyle   bool     `toml:"force_path_style"`
	ArchiveInterval  duration `toml:"archive_interval"`
	ArchiveRetention duration `toml:"archive_retention"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:      "http://localhost:8545",
			ChainID:     1,
			CallTimeout: duration{10 * time.Second},
			MaxRetries:  3,
		},
		Relay: RelayConfig{
			URL:        "https://relay.flashbots.net",
			Timeout:    duration{10 * time.Second},
			RateLimit:  10,
			RateWindow: duration{time.Second},
		},
		Sources: SourcesConfig{
			MaxDeviation: 0.05,
			MirrorTTL:    duration{30 * time.Second},
		},
		Normalizer: NormalizerConfig{
			MinSources:         2,
			OutlierThreshold:   2.0,
			StalenessWindow:    duration{30 * time.Second},
			FreshnessHorizon:   duration{60 * time.Second},
			HistorySize:        100,
			StabilityThreshold: 0.02,
			VolatilityCeiling:  0.05,
			TickInterval:       duration{time.Second},
		},
		Arbitrage: ArbitrageConfig{
			Strategy:           "cross_venue_spread",
			TickInterval:       duration{5 * time.Second},
			MinSpread:          decimal.RequireFromString("0.01"),
			MinProfitThreshold: decimal.NewFromInt(5),
			TradeSize:          decimal.NewFromInt(1000),
			GasToken:           "ETH",
			GasCostFallback:    decimal.NewFromInt(2),
			AgeGapPenalty:      0.02,
			EpochBucket:        duration{60 * time.Second},
			DedupTTL:           duration{60 * time.Second},
			AutoExecute:        false,
		},
		Fees: FeeConfig{
			HistorySize:           20,
			BaseFeeMultiplier:     1.125,
			PriorityFeeMultiplier: 1.2,
			MinPriorityFeeGwei:    1,
			MaxTotalFeeGwei:       300,
			PollInterval:          duration{12 * time.Second},
		},
		Execution: ExecutionConfig{
			MaxSlippage:        decimal.RequireFromString("0.01"),
			BundleTimeout:      duration{90 * time.Second},
			MinValidity:        duration{12 * time.Second},
			MaxPendingBundles:  5,
			SimulationRequired: true,
			GasLimit:           350_000,
			InclusionPoll:      duration{3 * time.Second},
			LockTTL:            duration{2 * time.Minute},
		},
		Positions: PositionConfig{
			StopLossPct:   decimal.RequireFromString("0.05"),
			TakeProfitPct: decimal.RequireFromString("0.10"),
		},
		Breaker: BreakerConfig{
			TickInterval:        duration{5 * time.Second},
			MinBalanceEth:       decimal.RequireFromString("0.05"),
			MaxGasThresholdGwei: 500,
			MaxLossThreshold:    0.10,
			LossWindow:          duration{24 * time.Hour},
		},
		Risk: RiskConfig{
			Timeout:  duration{5 * time.Second},
			CacheTTL: duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbguard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:         "http://localhost:9000",
			Region:           "us-east-1",
			Bucket:           "arbguard-archive",
			ForcePathStyle:   true,
			ArchiveInterval:  duration{24 * time.Hour},
			ArchiveRetention: duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8000,
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"emergency", "bundle_rejected", "bundle_expired", "position_closed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"detect":  true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, detect, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet is only needed when bundles are signed.
	if strings.ToLower(c.Mode) == "full" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode full")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Execution.ExecutorAddress == "" {
			errs = append(errs, "execution: executor_address must be set for mode full")
		}
		if c.Relay.URL == "" {
			errs = append(errs, "relay: url must not be empty")
		}
	}

	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}

	errs = append(errs, c.Sources.validate()...)

	n := c.Normalizer
	if n.MinSources < 1 {
		errs = append(errs, "normalizer: min_sources must be >= 1")
	}
	if n.OutlierThreshold <= 0 {
		errs = append(errs, "normalizer: outlier_threshold must be > 0")
	}
	if n.StalenessWindow.Duration <= 0 {
		errs = append(errs, "normalizer: staleness_window must be > 0")
	}
	if n.HistorySize < 2 {
		errs = append(errs, "normalizer: history_size must be >= 2")
	}
	if n.VolatilityCeiling <= 0 {
		errs = append(errs, "normalizer: volatility_ceiling must be > 0")
	}
	if n.TickInterval.Duration <= 0 {
		errs = append(errs, "normalizer: tick_interval must be > 0")
	}

	a := c.Arbitrage
	if a.Strategy == "" {
		errs = append(errs, "arbitrage: strategy must not be empty")
	}
	if !a.MinSpread.IsPositive() {
		errs = append(errs, "arbitrage: min_spread must be > 0")
	}
	if a.MinProfitThreshold.IsNegative() {
		errs = append(errs, "arbitrage: min_profit_threshold must be >= 0")
	}
	if !a.TradeSize.IsPositive() {
		errs = append(errs, "arbitrage: trade_size must be > 0")
	}
	if a.EpochBucket.Duration < time.Second {
		errs = append(errs, "arbitrage: epoch_bucket must be >= 1s")
	}
	if a.TickInterval.Duration <= 0 {
		errs = append(errs, "arbitrage: tick_interval must be > 0")
	}

	f := c.Fees
	if f.HistorySize < 1 {
		errs = append(errs, "fees: history_size must be >= 1")
	}
	if f.BaseFeeMultiplier < 1 {
		errs = append(errs, "fees: base_fee_multiplier must be >= 1")
	}
	if f.PriorityFeeMultiplier <= 0 {
		errs = append(errs, "fees: priority_fee_multiplier must be > 0")
	}
	if f.MaxTotalFeeGwei <= 0 {
		errs = append(errs, "fees: max_total_fee_gwei must be > 0")
	}

	e := c.Execution
	if e.MaxSlippage.IsNegative() || e.MaxSlippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "execution: max_slippage must be in [0, 1)")
	}
	if e.BundleTimeout.Duration <= 0 {
		errs = append(errs, "execution: bundle_timeout must be > 0")
	}
	if e.MinValidity.Duration > e.BundleTimeout.Duration {
		errs = append(errs, "execution: min_validity must not exceed bundle_timeout")
	}
	if e.MaxPendingBundles < 1 {
		errs = append(errs, "execution: max_pending_bundles must be >= 1")
	}
	if e.GasLimit == 0 {
		errs = append(errs, "execution: gas_limit must be > 0")
	}

	p := c.Positions
	if !p.StopLossPct.IsPositive() || p.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "positions: stop_loss_pct must be in (0, 1)")
	}
	if !p.TakeProfitPct.IsPositive() {
		errs = append(errs, "positions: take_profit_pct must be > 0")
	}

	b := c.Breaker
	if b.TickInterval.Duration <= 0 {
		errs = append(errs, "breaker: tick_interval must be > 0")
	}
	if b.MinBalanceEth.IsNegative() {
		errs = append(errs, "breaker: min_balance_eth must be >= 0")
	}
	if b.MaxGasThresholdGwei <= 0 {
		errs = append(errs, "breaker: max_gas_threshold_gwei must be > 0")
	}
	if b.MaxLossThreshold <= 0 || b.MaxLossThreshold > 1 {
		errs = append(errs, "breaker: max_loss_threshold must be in (0, 1]")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// An empty redis addr selects the in-process cache and bus.
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (s SourcesConfig) validate() []string {
	var errs []string
	if len(s.Tokens) == 0 {
		errs = append(errs, "sources: tokens must not be empty")
	}
	if s.MaxDeviation <= 0 {
		errs = append(errs, "sources: max_deviation must be > 0")
	}
	seen := make(map[string]bool)
	check := func(kind, id string) {
		if id == "" {
			errs = append(errs, fmt.Sprintf("sources: %s entry is missing an id", kind))
			return
		}
		if seen[id] {
			errs = append(errs, fmt.Sprintf("sources: duplicate source id %q", id))
		}
		seen[id] = true
	}
	for _, p := range s.Pools {
		check("pool", p.ID)
		if p.PairAddress == "" {
			errs = append(errs, fmt.Sprintf("sources: pool %q: pair_address must not be empty", p.ID))
		}
		if p.Token == "" {
			errs = append(errs, fmt.Sprintf("sources: pool %q: token must not be empty", p.ID))
		}
	}
	for _, x := range s.Exchanges {
		check("exchange", x.ID)
		if x.URL == "" {
			errs = append(errs, fmt.Sprintf("sources: exchange %q: url must not be empty", x.ID))
		}
	}
	for _, o := range s.Oracles {
		check("oracle", o.ID)
		if o.URL == "" {
			errs = append(errs, fmt.Sprintf("sources: oracle %q: url must not be empty", o.ID))
		}
	}
	if len(seen) == 0 {
		errs = append(errs, "sources: at least one pool, exchange or oracle must be configured")
	}
	return errs
}

// SourceCount returns the number of configured venues.
func (s SourcesConfig) SourceCount() int {
	return len(s.Pools) + len(s.Exchanges) + len(s.Oracles)
}
