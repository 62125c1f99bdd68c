package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/ring"
)

// leaderLockKey guards against two live engines trading the same account.
const leaderLockKey = "perparb:live:leader"

// leaderLockTTL is the leadership lease duration.
const leaderLockTTL = 30 * time.Second

// oppPollInterval paces the cold-side opportunity telemetry cursor.
const oppPollInterval = 50 * time.Millisecond

// PaperMode runs the full engine against simulated venue backends: real
// market data in, simulated fills out.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runEngine(ctx, deps)
}

// LiveMode runs the full engine against signed venue clients. When Redis is
// configured, a leadership lease ensures only one live engine trades the
// account at a time.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	if deps.Locks != nil {
		release, err := deps.Locks.Acquire(ctx, leaderLockKey, leaderLockTTL)
		if err != nil {
			return fmt.Errorf("app: acquire leadership: %w", err)
		}
		defer release()
		a.logger.Info("leadership lease acquired", slog.String("key", leaderLockKey))
	}

	return a.runEngine(ctx, deps)
}

// MonitorMode runs feeds, detection, and telemetry without ever placing an
// order: detected opportunities are published and served, nothing is
// admitted.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startFeeds(g, ctx, deps)
	g.Go(func() error { return deps.Detector.Run(ctx) })
	a.startOpportunityTelemetry(g, ctx, deps)
	a.startServer(g, ctx, deps)

	return g.Wait()
}

// runEngine starts every component of the trading engine and blocks until
// the context is cancelled or a component fails.
func (a *App) runEngine(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startFeeds(g, ctx, deps)
	g.Go(func() error { return deps.Detector.Run(ctx) })
	g.Go(func() error { return deps.Strategy.Run(ctx) })
	g.Go(func() error { return a.runPersistence(ctx, deps) })
	a.startOpportunityTelemetry(g, ctx, deps)

	if deps.Retention != nil {
		g.Go(func() error { return deps.Retention.Run(ctx) })
	}

	a.startServer(g, ctx, deps)

	return g.Wait()
}

// startFeeds connects every venue feed and tears them down on cancellation.
func (a *App) startFeeds(g *errgroup.Group, ctx context.Context, deps *Dependencies) {
	g.Go(func() error {
		if err := deps.Ingress.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		deps.Ingress.Close()
		return ctx.Err()
	})
}

// startServer starts the HTTP server and the WebSocket hub when the operator
// surface is enabled.
func (a *App) startServer(g *errgroup.Group, ctx context.Context, deps *Dependencies) {
	if deps.Server == nil {
		return
	}

	g.Go(func() error { return deps.Hub.Run(ctx) })
	g.Go(func() error { return deps.Server.Start() })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := deps.Server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// startOpportunityTelemetry publishes every detected opportunity to the
// Redis channel through a dedicated cold-side cursor.
func (a *App) startOpportunityTelemetry(g *errgroup.Group, ctx context.Context, deps *Dependencies) {
	if deps.Telemetry == nil {
		return
	}
	cursor := deps.OppRing.Subscribe()
	g.Go(func() error { return a.runOpportunityTelemetry(ctx, deps, cursor) })
}

// runOpportunityTelemetry drains the opportunity ring on a polling cadence
// and publishes each record. Falling behind loses opportunities, never
// stalls the detector.
func (a *App) runOpportunityTelemetry(ctx context.Context, deps *Dependencies, cursor *ring.Cursor) error {
	ticker := time.NewTicker(oppPollInterval)
	defer ticker.Stop()

	var opp domain.Opportunity
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for cursor.Poll(&opp) {
				instrument := deps.Registry.InstrumentName(opp.InstrumentID)
				if err := deps.Telemetry.PublishOpportunity(ctx, opp, instrument); err != nil {
					a.logger.Warn("opportunity publish failed",
						slog.String("instrument", instrument),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// runPersistence is the cold path: it drains trade events, closed trades,
// and portfolio snapshots from the strategy thread into the event log, the
// trade history, telemetry, the snapshot cache, and notifications. The hot
// path never waits for any of this.
func (a *App) runPersistence(ctx context.Context, deps *Dependencies) error {
	for {
		select {
		case <-ctx.Done():
			a.drainPersistence(deps)
			return ctx.Err()

		case ev := <-deps.Events:
			a.persistEvent(ctx, deps, ev)

		case trade := <-deps.Closed:
			a.persistClosed(ctx, deps, trade)

		case snap := <-deps.Snapshots:
			a.publishSnapshot(ctx, deps, snap)
		}
	}
}

// drainPersistence flushes buffered events and trades after cancellation so
// a clean shutdown loses nothing that was already emitted.
func (a *App) drainPersistence(deps *Dependencies) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case ev := <-deps.Events:
			a.persistEvent(ctx, deps, ev)
		case trade := <-deps.Closed:
			a.persistClosed(ctx, deps, trade)
		default:
			return
		}
	}
}

// persistEvent appends one trade event to the durable log and raises the
// matching operator notification.
func (a *App) persistEvent(ctx context.Context, deps *Dependencies, ev domain.TradeEvent) {
	if deps.EventStore != nil {
		if err := deps.EventStore.Append(ctx, ev); err != nil {
			a.logger.Error("event append failed",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	switch ev.Type {
	case domain.EventTradeOpened:
		a.notify(ctx, deps, "trade_opened", "Trade opened",
			fmt.Sprintf("%s long %s / short %s, $%.2f at %.1f bps",
				ev.Instrument, ev.LongVenue, ev.ShortVenue, ev.SizeUSD, ev.SpreadBps))
	case domain.EventLegOut:
		a.notify(ctx, deps, "leg_out", "Leg out",
			fmt.Sprintf("%s: %s", ev.Instrument, ev.Reason))
		if strings.Contains(ev.Reason, domain.ErrHedgeStuck.Error()) {
			a.notify(ctx, deps, "hedge_stuck", "Hedge stuck, trading halted",
				fmt.Sprintf("%s: %s", ev.Instrument, ev.Reason))
		}
	}
}

// persistClosed records one settled trade and notifies the operator.
func (a *App) persistClosed(ctx context.Context, deps *Dependencies, trade domain.ClosedTrade) {
	if deps.Trades != nil {
		if err := deps.Trades.Insert(ctx, trade); err != nil {
			a.logger.Error("closed trade insert failed",
				slog.String("trade_id", trade.TradeID),
				slog.String("error", err.Error()),
			)
		}
	}

	a.notify(ctx, deps, "trade_closed", "Trade closed",
		fmt.Sprintf("%s %s: $%.2f PnL (%s)",
			trade.Instrument, trade.LongVenue+"/"+trade.ShortVenue,
			trade.RealizedPnLUSD, trade.ExitReason))
}

// publishSnapshot fans one portfolio snapshot out to the snapshot cache,
// the WebSocket hub, and the Redis stream.
func (a *App) publishSnapshot(ctx context.Context, deps *Dependencies, snap domain.PortfolioSnapshot) {
	if deps.SnapshotCache != nil {
		deps.SnapshotCache.Store(&snap)
	}
	if deps.Hub != nil {
		deps.Hub.Broadcast("portfolio", snap)
	}
	if deps.Telemetry != nil {
		if err := deps.Telemetry.PublishSnapshot(ctx, snap); err != nil {
			a.logger.Warn("snapshot publish failed", slog.String("error", err.Error()))
		}
	}
}

// notify sends one operator notification, logging delivery failures.
func (a *App) notify(ctx context.Context, deps *Dependencies, event, title, message string) {
	if deps.Notifier == nil {
		return
	}
	if err := deps.Notifier.Notify(ctx, event, title, message); err != nil {
		a.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
