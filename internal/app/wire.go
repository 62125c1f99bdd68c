package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/perparb/internal/blob/s3"
	"github.com/alanyoungcy/perparb/internal/cache/redis"
	"github.com/alanyoungcy/perparb/internal/config"
	"github.com/alanyoungcy/perparb/internal/crypto"
	"github.com/alanyoungcy/perparb/internal/detector"
	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/executor"
	"github.com/alanyoungcy/perparb/internal/feed"
	"github.com/alanyoungcy/perparb/internal/marketstate"
	"github.com/alanyoungcy/perparb/internal/metrics"
	"github.com/alanyoungcy/perparb/internal/monitor"
	"github.com/alanyoungcy/perparb/internal/notify"
	"github.com/alanyoungcy/perparb/internal/paper"
	"github.com/alanyoungcy/perparb/internal/platform/binance"
	"github.com/alanyoungcy/perparb/internal/platform/bybit"
	"github.com/alanyoungcy/perparb/internal/platform/hyperliquid"
	"github.com/alanyoungcy/perparb/internal/portfolio"
	"github.com/alanyoungcy/perparb/internal/ring"
	"github.com/alanyoungcy/perparb/internal/server"
	"github.com/alanyoungcy/perparb/internal/server/handler"
	"github.com/alanyoungcy/perparb/internal/server/ws"
	"github.com/alanyoungcy/perparb/internal/store/postgres"
	"github.com/alanyoungcy/perparb/internal/symbols"
)

// symbolCapacity bounds the number of distinct (venue, symbol) pairs the
// engine can track in one process lifetime.
const symbolCapacity = 1024

// latencyWindow is the sample count kept per hot-path latency histogram.
const latencyWindow = 4096

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Hot path
	Metrics    *metrics.Metrics
	Registry   *symbols.Registry
	MarketRing *ring.MarketRing
	OppRing    *ring.OppRing
	Market     *marketstate.Store
	Ledger     *portfolio.Ledger
	Halt       *executor.Halt
	Executor   *executor.Executor
	Detector   *detector.Detector
	Strategy   *executor.StrategyLoop
	Ingress    *feed.Ingress

	// Cold-path channels bridging the strategy thread to persistence.
	Events    chan domain.TradeEvent
	Closed    chan domain.ClosedTrade
	Snapshots chan domain.PortfolioSnapshot

	// Persistence
	EventStore domain.EventStore
	Trades     *postgres.ClosedTradeStore

	// Redis
	Telemetry   *redis.Telemetry
	RateLimiter domain.RateLimiter
	Locks       *redis.LockManager

	// Archival
	Retention *s3blob.Retention

	// Notifications
	Notifier *notify.Notifier

	// Operator surface
	SnapshotCache *handler.SnapshotCache
	Hub           *ws.Hub
	Server        *server.Server

	startedAt time.Time
}

// hasPostgres reports whether a database connection is configured.
func hasPostgres(cfg *config.Config) bool {
	return strings.TrimSpace(cfg.Postgres.DSN) != "" || strings.TrimSpace(cfg.Postgres.Host) != ""
}

// hasRedis reports whether a Redis connection is configured.
func hasRedis(cfg *config.Config) bool {
	return strings.TrimSpace(cfg.Redis.Addr) != ""
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{startedAt: time.Now().UTC()}

	// --- Hot-path state ---
	deps.Metrics = metrics.New(latencyWindow)
	deps.Registry = symbols.NewRegistry(symbolCapacity)
	deps.Market = marketstate.NewStore(symbolCapacity)
	deps.MarketRing = ring.NewMarketRing(cfg.Queues.IngressCapacity)
	deps.OppRing = ring.NewOppRing(cfg.Queues.OpportunityCapacity)
	deps.Ledger = portfolio.NewLedger(cfg.Capital.StartingUSD, cfg.Capital.MaxOpenPositions)
	deps.Halt = executor.NewHalt()

	deps.Events = make(chan domain.TradeEvent, 256)
	deps.Closed = make(chan domain.ClosedTrade, 64)
	deps.Snapshots = make(chan domain.PortfolioSnapshot, 16)

	// --- Redis (telemetry, rate limiting, leadership) ---
	if hasRedis(cfg) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Telemetry = redis.NewTelemetry(redisClient, redis.TelemetryConfig{
			SnapshotStream:     cfg.Redis.SnapshotStream,
			SnapshotMaxLen:     cfg.Redis.SnapshotMaxLen,
			OpportunityChannel: cfg.Redis.OpportunityChannel,
		})
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
	}

	// --- PostgreSQL (trade event log and closed-trade history) ---
	if hasPostgres(cfg) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.EventStore = postgres.NewEventStore(pool)
		deps.Trades = postgres.NewClosedTradeStore(pool)
	}

	// --- Execution core ---
	deps.Executor = executor.New(
		executor.Config{
			OrderDeadline:      cfg.Executor.OrderDeadline.Duration,
			MinSizeUSD:         cfg.Executor.MinSizeUSD,
			MaxCapitalFraction: cfg.Executor.MaxCapitalFraction,
			MaxQuoteAge:        cfg.Detector.MaxQuoteAge.Duration,
			HedgeBackoffs:      cfg.Executor.HedgeBackoffDurations(),
			FillThresholdPct:   cfg.Executor.FillThresholdPct,
		},
		deps.Ledger, deps.Market, deps.Registry, deps.Halt, deps.Metrics,
		deps.Events, deps.Closed, logger,
	)

	deps.Detector = detector.New(
		detector.Config{
			MinSpreadBps:    cfg.Detector.MinSpreadBps,
			MinFundingDelta: cfg.Detector.MinFundingDelta,
			MinConfidence:   cfg.Detector.MinConfidence,
			PositionSizeUSD: cfg.Detector.PositionSizeUSD,
			FundingCostBps:  cfg.Detector.FundingCostBps,
			FundingCycles:   cfg.Detector.FundingCycles,
			MaxQuoteAge:     cfg.Detector.MaxQuoteAge.Duration,
			Core:            cfg.Detector.Core,
		},
		deps.MarketRing, deps.Market, deps.OppRing, deps.Registry,
		deps.Metrics, logger,
	)

	exitPolicy := monitor.New(monitor.Config{
		ProfitTargetFraction: cfg.Exit.ProfitTargetFraction,
		StopLossMinUSD:       cfg.Exit.StopLossMinUSD,
		StopLossFraction:     cfg.Exit.StopLossFraction,
		WideningFactor:       cfg.Exit.WideningFactor,
		ConvergenceEntryMin:  cfg.Detector.MinFundingDelta,
		ConvergenceFraction:  cfg.Exit.ConvergenceFraction,
		ConvergenceAbsolute:  cfg.Exit.ConvergenceAbsolute,
		FundingCycle:         cfg.Exit.FundingCycle.Duration,
		NegativeCycles:       uint8(cfg.Exit.NegativeCycles),
	})

	deps.Strategy = executor.NewStrategyLoop(
		executor.StrategyConfig{
			Core:             cfg.Strategy.Core,
			MonitorInterval:  cfg.Strategy.MonitorInterval.Duration,
			SnapshotInterval: cfg.Strategy.SnapshotInterval.Duration,
		},
		deps.Executor, deps.OppRing.Subscribe(), exitPolicy, deps.Snapshots, logger,
	)

	// --- Venue feeds and backends ---
	deps.Ingress = feed.NewIngress(deps.MarketRing, deps.Metrics, logger)
	if err := wireVenues(ctx, cfg, mode, deps, logger); err != nil {
		cleanup()
		return nil, nil, err
	}

	// --- S3 archival ---
	if cfg.S3.Enabled {
		if deps.Trades == nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3 archival requires postgres")
		}
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Retention = s3blob.NewRetention(
			s3blob.RetentionConfig{
				RetentionDays: cfg.S3.RetentionDays,
				SweepInterval: cfg.S3.SweepInterval.Duration,
			},
			deps.Trades,
			s3blob.NewArchiver(s3Client),
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Operator surface ---
	if cfg.Server.Enabled {
		deps.SnapshotCache = &handler.SnapshotCache{}

		var sub ws.Subscriber
		if deps.Telemetry != nil {
			sub = deps.Telemetry
		}
		deps.Hub = ws.NewHub(sub, ws.Config{
			OpportunityChannel: cfg.Redis.OpportunityChannel,
			Mode:               mode,
			StartedAt:          deps.startedAt,
		}, logger)

		handlers := server.Handlers{
			Status:    handler.NewStatusHandler(deps.Metrics, deps.Halt, mode, deps.startedAt),
			Portfolio: newPortfolioHandler(deps),
			Control:   handler.NewControlHandler(deps.Halt, logger),
		}
		deps.Server = server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.ApiKey,
			Limiter:     deps.RateLimiter,
		}, handlers, deps.Hub, logger)
	}

	return deps, cleanup, nil
}

// newPortfolioHandler builds the portfolio handler, passing a nil trade
// lister when no durable store exists so the endpoint degrades to empty
// history instead of erroring.
func newPortfolioHandler(deps *Dependencies) *handler.PortfolioHandler {
	var lister handler.TradeLister
	if deps.Trades != nil {
		lister = deps.Trades
	}
	return handler.NewPortfolioHandler(deps.SnapshotCache, lister)
}

// wireVenues interns every enabled venue's roster, attaches the market-data
// connectors, and registers an order backend per venue: simulated fills in
// paper mode, signed REST clients in live mode, none in monitor mode.
func wireVenues(ctx context.Context, cfg *config.Config, mode string, deps *Dependencies, logger *slog.Logger) error {
	paperCfg := paper.Config{
		Latency:           cfg.Paper.Latency.Duration,
		ParticipationPct:  cfg.Paper.ParticipationPct,
		MarketSlippageBps: cfg.Paper.MarketSlippageBps,
		QuantityStep:      cfg.Paper.QuantityStep,
	}

	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		venue := domain.ParseVenue(name)
		if venue == domain.VenueUnknown {
			logger.Warn("skipping unknown venue", slog.String("venue", name))
			continue
		}

		roster := make(map[string]uint32, len(vc.Symbols))
		for _, sym := range vc.Symbols {
			id, err := deps.Registry.Intern(venue, sym)
			if err != nil {
				return fmt.Errorf("wire: intern %s/%s: %w", name, sym, err)
			}
			roster[sym] = id
		}

		switch venue {
		case domain.VenueBinance:
			deps.Ingress.Attach(binance.NewWSClient(vc.WsURL, roster))
		case domain.VenueBybit:
			deps.Ingress.Attach(bybit.NewWSClient(vc.WsURL, roster))
		case domain.VenueHyperliquid:
			deps.Ingress.Attach(hyperliquid.NewWSClient(vc.WsURL, roster))
		default:
			return fmt.Errorf("wire: no feed adapter for venue %q", name)
		}

		switch mode {
		case "paper":
			deps.Executor.RegisterBackend(venue, paper.New(venue, paperCfg, deps.Market, logger))
		case "live":
			backend, err := liveBackend(ctx, cfg, venue, vc, deps)
			if err != nil {
				return err
			}
			deps.Executor.RegisterBackend(venue, backend)
		}
	}
	return nil
}

// liveBackend constructs the signed REST client for one venue and primes its
// lot-step table so quantity rounding never races the first order.
func liveBackend(ctx context.Context, cfg *config.Config, venue domain.VenueID, vc config.VenueConfig, deps *Dependencies) (domain.VenueBackend, error) {
	switch venue {
	case domain.VenueBinance:
		client := binance.NewClient(binance.ClientConfig{
			BaseURL: vc.RestURL,
			Auth:    crypto.HMACAuth{Key: vc.ApiKey, Secret: vc.ApiSecret},
			Limiter: deps.RateLimiter,
		})
		if err := client.LoadExchangeInfo(ctx); err != nil {
			return nil, fmt.Errorf("wire: binance exchange info: %w", err)
		}
		return client, nil

	case domain.VenueBybit:
		client := bybit.NewClient(bybit.ClientConfig{
			BaseURL: vc.RestURL,
			Auth:    crypto.HMACAuth{Key: vc.ApiKey, Secret: vc.ApiSecret},
			Limiter: deps.RateLimiter,
		})
		if err := client.LoadInstrumentInfo(ctx); err != nil {
			return nil, fmt.Errorf("wire: bybit instrument info: %w", err)
		}
		return client, nil

	case domain.VenueHyperliquid:
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: hyperliquid key: %w", err)
		}
		signer, err := crypto.NewSigner(key, cfg.Wallet.ChainID)
		if err != nil {
			return nil, fmt.Errorf("wire: hyperliquid signer: %w", err)
		}
		client := hyperliquid.NewClient(hyperliquid.ClientConfig{
			BaseURL: vc.RestURL,
			Signer:  signer,
			Mainnet: !strings.Contains(vc.RestURL, "testnet"),
			Limiter: deps.RateLimiter,
		})
		if err := client.LoadMeta(ctx); err != nil {
			return nil, fmt.Errorf("wire: hyperliquid meta: %w", err)
		}
		return client, nil
	}
	return nil, fmt.Errorf("wire: no order backend for venue %q", venue)
}
