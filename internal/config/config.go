// Package config defines the top-level configuration for the arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PERPARB_* environment
// variables.
type Config struct {
	Capital  CapitalConfig          `toml:"capital"`
	Detector DetectorConfig         `toml:"detector"`
	Executor ExecutorConfig         `toml:"executor"`
	Strategy StrategyConfig         `toml:"strategy"`
	Exit     ExitConfig             `toml:"exit"`
	Queues   QueueConfig            `toml:"queues"`
	Ingress  IngressConfig          `toml:"ingress"`
	Venues   map[string]VenueConfig `toml:"venues"`
	Wallet   WalletConfig           `toml:"wallet"`
	Postgres PostgresConfig         `toml:"postgres"`
	Redis    RedisConfig            `toml:"redis"`
	S3       S3Config               `toml:"s3"`
	Paper    PaperConfig            `toml:"paper"`
	Server   ServerConfig           `toml:"server"`
	Notify   NotifyConfig           `toml:"notify"`
	Mode     string                 `toml:"mode"`
	LogLevel string                 `toml:"log_level"`
}

// CapitalConfig holds the portfolio boot parameters.
type CapitalConfig struct {
	StartingUSD      float64 `toml:"starting_usd"`
	MaxOpenPositions int     `toml:"max_open_positions"`
}

// DetectorConfig holds the opportunity detection thresholds.
type DetectorConfig struct {
	MinSpreadBps    float64  `toml:"min_spread_bps"`
	MinFundingDelta float64  `toml:"min_funding_delta"`
	MinConfidence   float64  `toml:"min_confidence"`
	PositionSizeUSD float64  `toml:"position_size_usd"`
	FundingCostBps  float64  `toml:"funding_cost_bps"`
	FundingCycles   int      `toml:"funding_cycles"`
	MaxQuoteAge     duration `toml:"max_quote_age"`
	Core            int      `toml:"core"`
}

// ExecutorConfig holds the execution parameters.
type ExecutorConfig struct {
	OrderDeadline      duration   `toml:"order_deadline"`
	MinSizeUSD         float64    `toml:"min_size_usd"`
	MaxCapitalFraction float64    `toml:"max_capital_fraction"`
	FillThresholdPct   float64    `toml:"fill_threshold_pct"`
	HedgeBackoffs      []duration `toml:"hedge_backoffs"`
}

// StrategyConfig holds the strategy thread parameters.
type StrategyConfig struct {
	Core             int      `toml:"core"`
	MonitorInterval  duration `toml:"monitor_interval"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// ExitConfig holds the position-exit thresholds.
type ExitConfig struct {
	ProfitTargetFraction float64  `toml:"profit_target_fraction"`
	StopLossMinUSD       float64  `toml:"stop_loss_min_usd"`
	StopLossFraction     float64  `toml:"stop_loss_fraction"`
	WideningFactor       float64  `toml:"widening_factor"`
	ConvergenceFraction  float64  `toml:"convergence_fraction"`
	ConvergenceAbsolute  float64  `toml:"convergence_absolute"`
	FundingCycle         duration `toml:"funding_cycle"`
	NegativeCycles       int      `toml:"negative_cycles"`
}

// QueueConfig holds the ring capacities.
type QueueConfig struct {
	IngressCapacity     int `toml:"ingress_capacity"`
	OpportunityCapacity int `toml:"opportunity_capacity"`
}

// IngressConfig holds the ingress bridge parameters.
type IngressConfig struct {
	Core int `toml:"core"`
}

// VenueConfig holds one venue's endpoints, credentials, and roster.
type VenueConfig struct {
	Enabled   bool     `toml:"enabled"`
	Symbols   []string `toml:"symbols"`
	WsURL     string   `toml:"ws_url"`
	RestURL   string   `toml:"rest_url"`
	ApiKey    string   `toml:"api_key"`
	ApiSecret string   `toml:"api_secret"`
}

// WalletConfig holds the Ethereum wallet used for decentralised venue
// order signing.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	VaultAddress     string `toml:"vault_address"`
	ChainID          int    `toml:"chain_id"`
}

// PostgresConfig holds PostgreSQL connection parameters for the event log.
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

// RedisConfig holds Redis connection and telemetry-stream parameters.
type RedisConfig struct {
	Addr               string `toml:"addr"`
	Password           string `toml:"password"`
	DB                 int    `toml:"db"`
	PoolSize           int    `toml:"pool_size"`
	MaxRetries         int    `toml:"max_retries"`
	TLSEnabled         bool   `toml:"tls_enabled"`
	SnapshotStream     string `toml:"snapshot_stream"`
	SnapshotMaxLen     int64  `toml:"snapshot_max_len"`
	OpportunityChannel string `toml:"opportunity_channel"`
}

// S3Config holds S3-compatible object storage parameters for archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int      `toml:"retention_days"`
	SweepInterval  duration `toml:"sweep_interval"`
	Enabled        bool     `toml:"enabled"`
}

// PaperConfig holds the simulated-venue parameters for paper mode.
type PaperConfig struct {
	Latency           duration `toml:"latency"`
	ParticipationPct  float64  `toml:"participation_pct"`
	MarketSlippageBps float64  `toml:"market_slippage_bps"`
	QuantityStep      float64  `toml:"quantity_step"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	ApiKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "500ms", "8h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "500ms" or "8h".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Capital: CapitalConfig{
			StartingUSD:      10000.0,
			MaxOpenPositions: 64,
		},
		Detector: DetectorConfig{
			MinSpreadBps:    10.0,
			MinFundingDelta: 0.0001,
			MinConfidence:   70.0,
			PositionSizeUSD: 1000.0,
			FundingCostBps:  10.0,
			FundingCycles:   1,
			MaxQuoteAge:     duration{200 * time.Millisecond},
			Core:            -1,
		},
		Executor: ExecutorConfig{
			OrderDeadline:      duration{500 * time.Millisecond},
			MinSizeUSD:         100.0,
			MaxCapitalFraction: 0.5,
			FillThresholdPct:   0.20,
			HedgeBackoffs: []duration{
				{50 * time.Millisecond},
				{100 * time.Millisecond},
				{200 * time.Millisecond},
			},
		},
		Strategy: StrategyConfig{
			Core:             -1,
			MonitorInterval:  duration{time.Second},
			SnapshotInterval: duration{time.Second},
		},
		Exit: ExitConfig{
			ProfitTargetFraction: 0.9,
			StopLossMinUSD:       5.0,
			StopLossFraction:     0.5,
			WideningFactor:       1.3,
			ConvergenceFraction:  0.20,
			ConvergenceAbsolute:  0.00005,
			FundingCycle:         duration{8 * time.Hour},
			NegativeCycles:       2,
		},
		Queues: QueueConfig{
			IngressCapacity:     10000,
			OpportunityCapacity: 1024,
		},
		Ingress: IngressConfig{
			Core: -1,
		},
		Venues: map[string]VenueConfig{
			"binance": {
				Enabled: true,
				Symbols: []string{"BTCUSDT", "ETHUSDT"},
				WsURL:   "wss://fstream.binance.com/stream",
				RestURL: "https://fapi.binance.com",
			},
			"bybit": {
				Enabled: true,
				Symbols: []string{"BTCUSDT", "ETHUSDT"},
				WsURL:   "wss://stream.bybit.com/v5/public/linear",
				RestURL: "https://api.bybit.com",
			},
			"hyperliquid": {
				Enabled: false,
				Symbols: []string{"BTC", "ETH"},
				WsURL:   "wss://api.hyperliquid.xyz/ws",
				RestURL: "https://api.hyperliquid.xyz",
			},
		},
		Wallet: WalletConfig{
			ChainID: 1337,
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "perparb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:               "localhost:6379",
			DB:                 0,
			PoolSize:           20,
			MaxRetries:         3,
			TLSEnabled:         false,
			SnapshotStream:     "perparb:portfolio",
			SnapshotMaxLen:     10000,
			OpportunityChannel: "perparb:opportunities",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perparb-data",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
			SweepInterval:  duration{24 * time.Hour},
			Enabled:        false,
		},
		Paper: PaperConfig{
			Latency:           duration{5 * time.Millisecond},
			ParticipationPct:  0.25,
			MarketSlippageBps: 2.0,
			QuantityStep:      0.001,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"trade_opened", "trade_closed", "leg_out", "hedge_stuck", "error"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper":   true,
	"live":    true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Capital
	if c.Capital.StartingUSD <= 0 {
		errs = append(errs, "capital: starting_usd must be > 0")
	}
	if c.Capital.MaxOpenPositions < 1 {
		errs = append(errs, "capital: max_open_positions must be >= 1")
	}

	// Detector
	if c.Detector.MinSpreadBps <= 0 {
		errs = append(errs, "detector: min_spread_bps must be > 0")
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 100 {
		errs = append(errs, fmt.Sprintf("detector: min_confidence must be 0-100, got %g", c.Detector.MinConfidence))
	}
	if c.Detector.PositionSizeUSD <= 0 {
		errs = append(errs, "detector: position_size_usd must be > 0")
	}
	if c.Detector.FundingCycles < 0 {
		errs = append(errs, "detector: funding_cycles must be >= 0")
	}
	if c.Detector.MaxQuoteAge.Duration <= 0 {
		errs = append(errs, "detector: max_quote_age must be > 0")
	}

	// Executor
	if c.Executor.OrderDeadline.Duration <= 0 {
		errs = append(errs, "executor: order_deadline must be > 0")
	}
	if c.Executor.MaxCapitalFraction <= 0 || c.Executor.MaxCapitalFraction > 1 {
		errs = append(errs, fmt.Sprintf("executor: max_capital_fraction must be in (0,1], got %g", c.Executor.MaxCapitalFraction))
	}
	if c.Executor.FillThresholdPct < 0 || c.Executor.FillThresholdPct >= 1 {
		errs = append(errs, fmt.Sprintf("executor: fill_threshold_pct must be in [0,1), got %g", c.Executor.FillThresholdPct))
	}

	// Exit
	if c.Exit.ProfitTargetFraction <= 0 {
		errs = append(errs, "exit: profit_target_fraction must be > 0")
	}
	if c.Exit.WideningFactor <= 1 {
		errs = append(errs, "exit: widening_factor must be > 1")
	}
	if c.Exit.NegativeCycles < 1 {
		errs = append(errs, "exit: negative_cycles must be >= 1")
	}

	// Queues
	if c.Queues.IngressCapacity < 1 {
		errs = append(errs, "queues: ingress_capacity must be >= 1")
	}
	if c.Queues.OpportunityCapacity < 1 {
		errs = append(errs, "queues: opportunity_capacity must be >= 1")
	}

	// Venues. Live mode needs at least two enabled venues with credentials.
	enabled := 0
	for name, v := range c.Venues {
		if !v.Enabled {
			continue
		}
		enabled++
		if len(v.Symbols) == 0 {
			errs = append(errs, fmt.Sprintf("venues.%s: symbols must not be empty when enabled", name))
		}
		if c.Mode == "live" && name != "hyperliquid" && v.ApiKey == "" {
			errs = append(errs, fmt.Sprintf("venues.%s: api_key is required for live mode", name))
		}
	}
	if (c.Mode == "paper" || c.Mode == "live") && enabled < 2 {
		errs = append(errs, fmt.Sprintf("venues: at least two venues must be enabled for %s mode, got %d", c.Mode, enabled))
	}

	// Wallet is needed when the hyperliquid leg is live.
	if c.Mode == "live" {
		if hl, ok := c.Venues["hyperliquid"]; ok && hl.Enabled {
			if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
				errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when hyperliquid is enabled")
			}
			if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
				errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
			}
		}
	}

	// Postgres
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only checked when archival is on.
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
		if c.S3.SweepInterval.Duration <= 0 {
			errs = append(errs, "s3: sweep_interval must be > 0")
		}
	}

	// Paper
	if c.Mode == "paper" {
		if c.Paper.ParticipationPct <= 0 || c.Paper.ParticipationPct > 1 {
			errs = append(errs, fmt.Sprintf("paper: participation_pct must be in (0,1], got %g", c.Paper.ParticipationPct))
		}
		if c.Paper.QuantityStep <= 0 {
			errs = append(errs, "paper: quantity_step must be > 0")
		}
	}

	// Server
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

// HedgeBackoffDurations converts the configured backoff ladder to plain
// time.Durations for the executor.
func (c *ExecutorConfig) HedgeBackoffDurations() []time.Duration {
	out := make([]time.Duration, len(c.HedgeBackoffs))
	for i, d := range c.HedgeBackoffs {
		out[i] = d.Duration
	}
	return out
}
