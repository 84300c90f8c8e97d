package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBGUARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
// Secrets are injected this way at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ARBGUARD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ARBGUARD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ARBGUARD_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.RelayKey, "ARBGUARD_WALLET_RELAY_KEY")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "ARBGUARD_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "ARBGUARD_CHAIN_CHAIN_ID")
	setDuration(&cfg.Chain.CallTimeout, "ARBGUARD_CHAIN_CALL_TIMEOUT")
	setInt(&cfg.Chain.MaxRetries, "ARBGUARD_CHAIN_MAX_RETRIES")

	// ── Relay ──
	setStr(&cfg.Relay.URL, "ARBGUARD_RELAY_URL")
	setDuration(&cfg.Relay.Timeout, "ARBGUARD_RELAY_TIMEOUT")
	setInt(&cfg.Relay.RateLimit, "ARBGUARD_RELAY_RATE_LIMIT")
	setDuration(&cfg.Relay.RateWindow, "ARBGUARD_RELAY_RATE_WINDOW")

	// ── Sources ──
	setStringSlice(&cfg.Sources.Tokens, "ARBGUARD_SOURCES_TOKENS")
	setFloat64(&cfg.Sources.MaxDeviation, "ARBGUARD_SOURCES_MAX_DEVIATION")
	setDuration(&cfg.Sources.MirrorTTL, "ARBGUARD_SOURCES_MIRROR_TTL")

	// ── Normalizer ──
	setInt(&cfg.Normalizer.MinSources, "ARBGUARD_NORMALIZER_MIN_SOURCES")
	setInt(&cfg.Normalizer.ExpectedSources, "ARBGUARD_NORMALIZER_EXPECTED_SOURCES")
	setFloat64(&cfg.Normalizer.OutlierThreshold, "ARBGUARD_NORMALIZER_OUTLIER_THRESHOLD")
	setDuration(&cfg.Normalizer.StalenessWindow, "ARBGUARD_NORMALIZER_STALENESS_WINDOW")
	setDuration(&cfg.Normalizer.FreshnessHorizon, "ARBGUARD_NORMALIZER_FRESHNESS_HORIZON")
	setInt(&cfg.Normalizer.HistorySize, "ARBGUARD_NORMALIZER_HISTORY_SIZE")
	setFloat64(&cfg.Normalizer.StabilityThreshold, "ARBGUARD_NORMALIZER_STABILITY_THRESHOLD")
	setFloat64(&cfg.Normalizer.VolatilityCeiling, "ARBGUARD_NORMALIZER_VOLATILITY_CEILING")
	setDuration(&cfg.Normalizer.TickInterval, "ARBGUARD_NORMALIZER_TICK_INTERVAL")

	// ── Arbitrage ──
	setStr(&cfg.Arbitrage.Strategy, "ARBGUARD_ARBITRAGE_STRATEGY")
	setDuration(&cfg.Arbitrage.TickInterval, "ARBGUARD_ARBITRAGE_TICK_INTERVAL")
	setDecimal(&cfg.Arbitrage.MinSpread, "ARBGUARD_ARBITRAGE_MIN_SPREAD")
	setDecimal(&cfg.Arbitrage.MinProfitThreshold, "ARBGUARD_ARBITRAGE_MIN_PROFIT_THRESHOLD")
	setDecimal(&cfg.Arbitrage.TradeSize, "ARBGUARD_ARBITRAGE_TRADE_SIZE")
	setStr(&cfg.Arbitrage.GasToken, "ARBGUARD_ARBITRAGE_GAS_TOKEN")
	setDecimal(&cfg.Arbitrage.GasCostFallback, "ARBGUARD_ARBITRAGE_GAS_COST_FALLBACK")
	setFloat64(&cfg.Arbitrage.AgeGapPenalty, "ARBGUARD_ARBITRAGE_AGE_GAP_PENALTY")
	setDuration(&cfg.Arbitrage.EpochBucket, "ARBGUARD_ARBITRAGE_EPOCH_BUCKET")
	setDuration(&cfg.Arbitrage.DedupTTL, "ARBGUARD_ARBITRAGE_DEDUP_TTL")
	setBool(&cfg.Arbitrage.AutoExecute, "ARBGUARD_ARBITRAGE_AUTO_EXECUTE")

	// ── Fees ──
	setInt(&cfg.Fees.HistorySize, "ARBGUARD_FEES_HISTORY_SIZE")
	setFloat64(&cfg.Fees.BaseFeeMultiplier, "ARBGUARD_FEES_BASE_FEE_MULTIPLIER")
	setFloat64(&cfg.Fees.PriorityFeeMultiplier, "ARBGUARD_FEES_PRIORITY_FEE_MULTIPLIER")
	setFloat64(&cfg.Fees.MinPriorityFeeGwei, "ARBGUARD_FEES_MIN_PRIORITY_FEE_GWEI")
	setFloat64(&cfg.Fees.MaxTotalFeeGwei, "ARBGUARD_FEES_MAX_TOTAL_FEE_GWEI")
	setDuration(&cfg.Fees.PollInterval, "ARBGUARD_FEES_POLL_INTERVAL")

	// ── Execution ──
	setDecimal(&cfg.Execution.MaxSlippage, "ARBGUARD_EXECUTION_MAX_SLIPPAGE")
	setDuration(&cfg.Execution.BundleTimeout, "ARBGUARD_EXECUTION_BUNDLE_TIMEOUT")
	setDuration(&cfg.Execution.MinValidity, "ARBGUARD_EXECUTION_MIN_VALIDITY")
	setInt(&cfg.Execution.MaxPendingBundles, "ARBGUARD_EXECUTION_MAX_PENDING_BUNDLES")
	setBool(&cfg.Execution.SimulationRequired, "ARBGUARD_EXECUTION_SIMULATION_REQUIRED")
	setStr(&cfg.Execution.ExecutorAddress, "ARBGUARD_EXECUTION_EXECUTOR_ADDRESS")
	setUint64(&cfg.Execution.GasLimit, "ARBGUARD_EXECUTION_GAS_LIMIT")
	setBool(&cfg.Execution.LeadTx, "ARBGUARD_EXECUTION_LEAD_TX")
	setBool(&cfg.Execution.TrailingTx, "ARBGUARD_EXECUTION_TRAILING_TX")
	setDuration(&cfg.Execution.InclusionPoll, "ARBGUARD_EXECUTION_INCLUSION_POLL")
	setBool(&cfg.Execution.DistributedLock, "ARBGUARD_EXECUTION_DISTRIBUTED_LOCK")
	setDuration(&cfg.Execution.LockTTL, "ARBGUARD_EXECUTION_LOCK_TTL")

	// ── Positions ──
	setDecimal(&cfg.Positions.StopLossPct, "ARBGUARD_POSITIONS_STOP_LOSS_PCT")
	setDecimal(&cfg.Positions.TakeProfitPct, "ARBGUARD_POSITIONS_TAKE_PROFIT_PCT")

	// ── Breaker ──
	setDuration(&cfg.Breaker.TickInterval, "ARBGUARD_BREAKER_TICK_INTERVAL")
	setDecimal(&cfg.Breaker.MinBalanceEth, "ARBGUARD_BREAKER_MIN_BALANCE_ETH")
	setFloat64(&cfg.Breaker.MaxGasThresholdGwei, "ARBGUARD_BREAKER_MAX_GAS_THRESHOLD_GWEI")
	setFloat64(&cfg.Breaker.MaxLossThreshold, "ARBGUARD_BREAKER_MAX_LOSS_THRESHOLD")
	setDuration(&cfg.Breaker.LossWindow, "ARBGUARD_BREAKER_LOSS_WINDOW")

	// ── Risk ──
	setStr(&cfg.Risk.URL, "ARBGUARD_RISK_URL")
	setDuration(&cfg.Risk.Timeout, "ARBGUARD_RISK_TIMEOUT")
	setDuration(&cfg.Risk.CacheTTL, "ARBGUARD_RISK_CACHE_TTL")
	setStringSlice(&cfg.Risk.Allow, "ARBGUARD_RISK_ALLOW")
	setStringSlice(&cfg.Risk.Deny, "ARBGUARD_RISK_DENY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBGUARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBGUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBGUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBGUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBGUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBGUARD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBGUARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBGUARD_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "ARBGUARD_S3_ARCHIVE_INTERVAL")
	setDuration(&cfg.S3.ArchiveRetention, "ARBGUARD_S3_ARCHIVE_RETENTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBGUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBGUARD_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ARBGUARD_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBGUARD_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "ARBGUARD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ARBGUARD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBGUARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBGUARD_MODE")
	setStr(&cfg.LogLevel, "ARBGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
