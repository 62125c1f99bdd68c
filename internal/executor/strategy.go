package executor

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
	"github.com/alanyoungcy/perparb/internal/ring"
)

// ExitPolicy decides whether an active position should be unwound. The
// quotes are nil when a leg's venue has no fresh data; implementations
// must tolerate that.
type ExitPolicy interface {
	ShouldExit(p *domain.Position, longQ, shortQ *marketstate.Quote, nowNanos int64) (domain.ExitReason, bool)
}

// StrategyConfig tunes the strategy thread.
type StrategyConfig struct {
	// Core pins the strategy thread; negative leaves it floating.
	Core int
	// MonitorInterval paces the open-position sweep.
	MonitorInterval time.Duration
	// SnapshotInterval paces portfolio snapshot publication.
	SnapshotInterval time.Duration
}

// DefaultStrategyConfig returns the production strategy parameters.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Core:             -1,
		MonitorInterval:  time.Second,
		SnapshotInterval: time.Second,
	}
}

// StrategyLoop is the single consumer of the opportunity ring and the sole
// owner of the ledger. It interleaves admissions with a periodic sweep of
// open positions and publishes portfolio snapshots for cold readers.
type StrategyLoop struct {
	cfg       StrategyConfig
	exec      *Executor
	cursor    *ring.Cursor
	policy    ExitPolicy
	snapshots chan<- domain.PortfolioSnapshot
	logger    *slog.Logger

	now func() int64

	longQ, shortQ marketstate.Quote
	decisions     []exitDecision
	retries       []retryDecision
}

type exitDecision struct {
	instrumentID uint32
	pos          *domain.Position
	reason       domain.ExitReason
}

type retryDecision struct {
	instrumentID uint32
	pos          *domain.Position
}

// NewStrategyLoop wires the strategy thread. snapshots may be nil when no
// telemetry consumer exists.
func NewStrategyLoop(
	cfg StrategyConfig,
	exec *Executor,
	cursor *ring.Cursor,
	policy ExitPolicy,
	snapshots chan<- domain.PortfolioSnapshot,
	logger *slog.Logger,
) *StrategyLoop {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Second
	}
	return &StrategyLoop{
		cfg:       cfg,
		exec:      exec,
		cursor:    cursor,
		policy:    policy,
		snapshots: snapshots,
		logger:    logger.With(slog.String("component", "strategy")),
		now:       func() int64 { return time.Now().UnixNano() },
		decisions: make([]exitDecision, 0, 16),
		retries:   make([]retryDecision, 0, 4),
	}
}

// Run executes the strategy loop until ctx is cancelled, then unwinds every
// open position before returning. Only invariant violations propagate as
// errors.
func (s *StrategyLoop) Run(ctx context.Context) error {
	if err := ring.Pin(s.cfg.Core); err != nil {
		s.logger.Warn("core pinning failed, running unpinned", slog.String("error", err.Error()))
	}
	defer ring.Unpin()
	s.logger.Info("strategy started", slog.Int("core", s.cfg.Core))
	defer s.logger.Info("strategy stopped")

	nextSweep := s.now() + s.cfg.MonitorInterval.Nanoseconds()
	nextSnap := s.now() + s.cfg.SnapshotInterval.Nanoseconds()

	var opp domain.Opportunity
	for {
		progressed := false
		if s.cursor.Poll(&opp) {
			if err := s.exec.Execute(ctx, &opp); err != nil {
				if errors.Is(err, domain.ErrInvariantViolation) {
					return err
				}
				s.logger.Error("execution failed", slog.String("error", err.Error()))
			}
			progressed = true
		}

		now := s.now()
		if now >= nextSweep {
			if err := s.sweep(ctx, now); err != nil {
				return err
			}
			nextSweep = now + s.cfg.MonitorInterval.Nanoseconds()
		}
		if now >= nextSnap {
			s.publishSnapshot(now)
			nextSnap = now + s.cfg.SnapshotInterval.Nanoseconds()
		}

		if !progressed {
			select {
			case <-ctx.Done():
				return s.shutdown()
			default:
			}
			runtime.Gosched()
		}
	}
}

// Step drains at most one pending opportunity; it never runs a sweep.
// Exposed for deterministic tests; Run is the production loop.
func (s *StrategyLoop) Step(ctx context.Context) (bool, error) {
	var opp domain.Opportunity
	if !s.cursor.Poll(&opp) {
		return false, nil
	}
	return true, s.exec.Execute(ctx, &opp)
}

// Sweep runs one monitor pass immediately, outside the Run loop's ticker.
func (s *StrategyLoop) Sweep(ctx context.Context) error {
	return s.sweep(ctx, s.now())
}

// sweep evaluates every open position against the exit policy. Decisions
// are collected first so the ledger iteration never mutates the open set.
func (s *StrategyLoop) sweep(ctx context.Context, nowNanos int64) error {
	s.decisions = s.decisions[:0]
	s.retries = s.retries[:0]

	s.exec.ledger.ForEachOpen(func(id uint32, p *domain.Position) {
		switch p.Status {
		case domain.StatusHedging:
			// Leg-out guard: anything still hedging at sweep time gets
			// an immediate market hedge attempt.
			s.retries = append(s.retries, retryDecision{instrumentID: id, pos: p})
		case domain.StatusActive:
			longQ, shortQ := s.quotes(p, nowNanos)
			if reason, exit := s.policy.ShouldExit(p, longQ, shortQ, nowNanos); exit {
				s.decisions = append(s.decisions, exitDecision{instrumentID: id, pos: p, reason: reason})
			}
		}
	})

	for i := range s.retries {
		r := &s.retries[i]
		if err := s.exec.RetryHedge(ctx, r.instrumentID, r.pos); err != nil {
			s.logger.Warn("hedge retry failed",
				slog.String("instrument", r.pos.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}
	for i := range s.decisions {
		d := &s.decisions[i]
		if err := s.exec.ExecuteExit(ctx, d.instrumentID, d.pos, d.reason); err != nil {
			if errors.Is(err, domain.ErrInvariantViolation) {
				return err
			}
			s.logger.Warn("exit failed, position stays open",
				slog.String("instrument", d.pos.Instrument),
				slog.String("reason", d.reason.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// quotes loads both legs' current quotes, returning nil for a stale or
// missing side.
func (s *StrategyLoop) quotes(p *domain.Position, nowNanos int64) (longQ, shortQ *marketstate.Quote) {
	if s.exec.store.Snapshot(p.Long.SymbolID, &s.longQ) && !s.longQ.Stale(nowNanos) {
		longQ = &s.longQ
	}
	if s.exec.store.Snapshot(p.Short.SymbolID, &s.shortQ) && !s.shortQ.Stale(nowNanos) {
		shortQ = &s.shortQ
	}
	return longQ, shortQ
}

// publishSnapshot copies the ledger into a fresh snapshot and hands it to
// the telemetry path. Allocation is fine here; this is the cold path.
func (s *StrategyLoop) publishSnapshot(nowNanos int64) {
	if s.snapshots == nil {
		return
	}
	var snap domain.PortfolioSnapshot
	s.exec.ledger.Snapshot(&snap, func(p *domain.Position) (float64, float64, bool) {
		var lq, sq marketstate.Quote
		if !s.exec.store.Snapshot(p.Long.SymbolID, &lq) || !s.exec.store.Snapshot(p.Short.SymbolID, &sq) {
			return 0, 0, false
		}
		return lq.Bid, sq.Ask, true
	}, nowNanos/1000)
	snap.Halted = s.exec.halt.Active()
	snap.HaltReason = s.exec.halt.Reason()
	select {
	case s.snapshots <- snap:
	default:
	}
}

// shutdown unwinds every open position at market before the loop exits.
func (s *StrategyLoop) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.decisions = s.decisions[:0]
	s.exec.ledger.ForEachOpen(func(id uint32, p *domain.Position) {
		if p.Status == domain.StatusActive {
			s.decisions = append(s.decisions, exitDecision{instrumentID: id, pos: p, reason: domain.ExitShutdown})
		}
	})
	for i := range s.decisions {
		d := &s.decisions[i]
		if err := s.exec.ExecuteExit(ctx, d.instrumentID, d.pos, d.reason); err != nil {
			s.logger.Error("shutdown exit failed",
				slog.String("instrument", d.pos.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}
	if n := s.exec.ledger.OpenCount(); n > 0 {
		s.logger.Error("positions still open after shutdown sweep", slog.Int("count", n))
	}
	s.publishSnapshot(s.now())
	return nil
}
