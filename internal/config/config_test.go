package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsPassValidation(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, 10000.0, cfg.Capital.StartingUSD)
	assert.Equal(t, 200*time.Millisecond, cfg.Detector.MaxQuoteAge.Duration)
	assert.Len(t, cfg.Executor.HedgeBackoffs, 3)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "monitor"
log_level = "debug"

[capital]
starting_usd = 250000.0

[detector]
min_spread_bps = 4.5
max_quote_age = "150ms"

[executor]
hedge_backoffs = ["10ms", "20ms"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250000.0, cfg.Capital.StartingUSD)
	assert.Equal(t, 4.5, cfg.Detector.MinSpreadBps)
	assert.Equal(t, 150*time.Millisecond, cfg.Detector.MaxQuoteAge.Duration)
	assert.Equal(t,
		[]time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		cfg.Executor.HedgeBackoffDurations())

	// Untouched sections keep their defaults.
	assert.Equal(t, 64, cfg.Capital.MaxOpenPositions)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Capital.StartingUSD, cfg.Capital.StartingUSD)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERPARB_MODE", "live")
	t.Setenv("PERPARB_CAPITAL_STARTING_USD", "50000")
	t.Setenv("PERPARB_DETECTOR_MAX_QUOTE_AGE", "75ms")
	t.Setenv("PERPARB_VENUES_BINANCE_API_KEY", "env-key")
	t.Setenv("PERPARB_VENUES_BINANCE_SYMBOLS", "SOLUSDT, DOGEUSDT,")
	t.Setenv("PERPARB_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("PERPARB_S3_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, 50000.0, cfg.Capital.StartingUSD)
	assert.Equal(t, 75*time.Millisecond, cfg.Detector.MaxQuoteAge.Duration)
	assert.Equal(t, "env-key", cfg.Venues["binance"].ApiKey)
	assert.Equal(t, []string{"SOLUSDT", "DOGEUSDT"}, cfg.Venues["binance"].Symbols)
	assert.Equal(t, "postgres://env/db", cfg.Postgres.DSN)
	assert.True(t, cfg.S3.Enabled)
}

func TestEnvOverrideIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("PERPARB_CAPITAL_STARTING_USD", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Capital.StartingUSD, cfg.Capital.StartingUSD)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "replay"
	cfg.Capital.StartingUSD = 0
	cfg.Detector.MinConfidence = 150
	cfg.Executor.MaxCapitalFraction = 1.5
	cfg.Exit.WideningFactor = 1.0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "replay"`)
	assert.Contains(t, msg, "starting_usd must be > 0")
	assert.Contains(t, msg, "min_confidence must be 0-100")
	assert.Contains(t, msg, "max_capital_fraction must be in (0,1]")
	assert.Contains(t, msg, "widening_factor must be > 1")
	assert.Contains(t, msg, "redis: addr must not be empty")
}

func TestValidateLiveModeRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key is required for live mode")

	for name, v := range cfg.Venues {
		v.ApiKey = "k"
		v.ApiSecret = "s"
		cfg.Venues[name] = v
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidateLiveHyperliquidNeedsWallet(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	for name, v := range cfg.Venues {
		v.ApiKey = "k"
		cfg.Venues[name] = v
	}
	hl := cfg.Venues["hyperliquid"]
	hl.Enabled = true
	cfg.Venues["hyperliquid"] = hl

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private_key or encrypted_key_path")

	cfg.Wallet.EncryptedKeyPath = "/keys/wallet.json"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password is required")

	cfg.Wallet.KeyPassword = "pw"
	assert.NoError(t, cfg.Validate())
}

func TestValidateNeedsTwoVenuesForTrading(t *testing.T) {
	cfg := Defaults()
	bybit := cfg.Venues["bybit"]
	bybit.Enabled = false
	cfg.Venues["bybit"] = bybit

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two venues must be enabled")

	// Monitor mode watches markets without trading and has no such floor.
	cfg.Mode = "monitor"
	assert.NoError(t, cfg.Validate())
}

func TestValidateDSNSkipsHostChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://u:p@db:5432/perparb"
	cfg.Postgres.Host = ""
	cfg.Postgres.Port = 0
	cfg.Postgres.Database = ""

	assert.NoError(t, cfg.Validate())
}

func TestValidateS3OnlyWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.S3.Bucket = ""
	assert.NoError(t, cfg.Validate())

	cfg.S3.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket must not be empty")
}

func TestDurationRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("1h30m")))
	assert.Equal(t, 90*time.Minute, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
