package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Capital ──
	setFloat64(&cfg.Capital.StartingUSD, "PERPARB_CAPITAL_STARTING_USD")
	setInt(&cfg.Capital.MaxOpenPositions, "PERPARB_CAPITAL_MAX_OPEN_POSITIONS")

	// ── Detector ──
	setFloat64(&cfg.Detector.MinSpreadBps, "PERPARB_DETECTOR_MIN_SPREAD_BPS")
	setFloat64(&cfg.Detector.MinFundingDelta, "PERPARB_DETECTOR_MIN_FUNDING_DELTA")
	setFloat64(&cfg.Detector.MinConfidence, "PERPARB_DETECTOR_MIN_CONFIDENCE")
	setFloat64(&cfg.Detector.PositionSizeUSD, "PERPARB_DETECTOR_POSITION_SIZE_USD")
	setFloat64(&cfg.Detector.FundingCostBps, "PERPARB_DETECTOR_FUNDING_COST_BPS")
	setInt(&cfg.Detector.FundingCycles, "PERPARB_DETECTOR_FUNDING_CYCLES")
	setDuration(&cfg.Detector.MaxQuoteAge, "PERPARB_DETECTOR_MAX_QUOTE_AGE")
	setInt(&cfg.Detector.Core, "PERPARB_DETECTOR_CORE")

	// ── Executor ──
	setDuration(&cfg.Executor.OrderDeadline, "PERPARB_EXECUTOR_ORDER_DEADLINE")
	setFloat64(&cfg.Executor.MinSizeUSD, "PERPARB_EXECUTOR_MIN_SIZE_USD")
	setFloat64(&cfg.Executor.MaxCapitalFraction, "PERPARB_EXECUTOR_MAX_CAPITAL_FRACTION")
	setFloat64(&cfg.Executor.FillThresholdPct, "PERPARB_EXECUTOR_FILL_THRESHOLD_PCT")

	// ── Strategy ──
	setInt(&cfg.Strategy.Core, "PERPARB_STRATEGY_CORE")
	setDuration(&cfg.Strategy.MonitorInterval, "PERPARB_STRATEGY_MONITOR_INTERVAL")
	setDuration(&cfg.Strategy.SnapshotInterval, "PERPARB_STRATEGY_SNAPSHOT_INTERVAL")

	// ── Exit ──
	setFloat64(&cfg.Exit.ProfitTargetFraction, "PERPARB_EXIT_PROFIT_TARGET_FRACTION")
	setFloat64(&cfg.Exit.StopLossMinUSD, "PERPARB_EXIT_STOP_LOSS_MIN_USD")
	setFloat64(&cfg.Exit.StopLossFraction, "PERPARB_EXIT_STOP_LOSS_FRACTION")
	setFloat64(&cfg.Exit.WideningFactor, "PERPARB_EXIT_WIDENING_FACTOR")
	setFloat64(&cfg.Exit.ConvergenceFraction, "PERPARB_EXIT_CONVERGENCE_FRACTION")
	setFloat64(&cfg.Exit.ConvergenceAbsolute, "PERPARB_EXIT_CONVERGENCE_ABSOLUTE")
	setDuration(&cfg.Exit.FundingCycle, "PERPARB_EXIT_FUNDING_CYCLE")
	setInt(&cfg.Exit.NegativeCycles, "PERPARB_EXIT_NEGATIVE_CYCLES")

	// ── Queues ──
	setInt(&cfg.Queues.IngressCapacity, "PERPARB_QUEUES_INGRESS_CAPACITY")
	setInt(&cfg.Queues.OpportunityCapacity, "PERPARB_QUEUES_OPPORTUNITY_CAPACITY")

	// ── Ingress ──
	setInt(&cfg.Ingress.Core, "PERPARB_INGRESS_CORE")

	// ── Venues ──
	for name, v := range cfg.Venues {
		prefix := "PERPARB_VENUES_" + strings.ToUpper(name) + "_"
		setBool(&v.Enabled, prefix+"ENABLED")
		setStr(&v.WsURL, prefix+"WS_URL")
		setStr(&v.RestURL, prefix+"REST_URL")
		setStr(&v.ApiKey, prefix+"API_KEY")
		setStr(&v.ApiSecret, prefix+"API_SECRET")
		setStringSlice(&v.Symbols, prefix+"SYMBOLS")
		cfg.Venues[name] = v
	}

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "PERPARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "PERPARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "PERPARB_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.VaultAddress, "PERPARB_WALLET_VAULT_ADDRESS")
	setInt(&cfg.Wallet.ChainID, "PERPARB_WALLET_CHAIN_ID")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERPARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPARB_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.SnapshotStream, "PERPARB_REDIS_SNAPSHOT_STREAM")
	setInt64(&cfg.Redis.SnapshotMaxLen, "PERPARB_REDIS_SNAPSHOT_MAX_LEN")
	setStr(&cfg.Redis.OpportunityChannel, "PERPARB_REDIS_OPPORTUNITY_CHANNEL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PERPARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPARB_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "PERPARB_S3_RETENTION_DAYS")
	setDuration(&cfg.S3.SweepInterval, "PERPARB_S3_SWEEP_INTERVAL")
	setBool(&cfg.S3.Enabled, "PERPARB_S3_ENABLED")

	// ── Paper ──
	setDuration(&cfg.Paper.Latency, "PERPARB_PAPER_LATENCY")
	setFloat64(&cfg.Paper.ParticipationPct, "PERPARB_PAPER_PARTICIPATION_PCT")
	setFloat64(&cfg.Paper.MarketSlippageBps, "PERPARB_PAPER_MARKET_SLIPPAGE_BPS")
	setFloat64(&cfg.Paper.QuantityStep, "PERPARB_PAPER_QUANTITY_STEP")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "PERPARB_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPARB_MODE")
	setStr(&cfg.LogLevel, "PERPARB_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
