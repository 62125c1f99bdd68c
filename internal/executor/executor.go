// Package executor is the atomic dual-leg execution core. It admits
// opportunities against the portfolio, submits the harder leg first, and
// enforces the 500 ms leg deadlines with a market hedge on the unfilled
// side. All order I/O happens on the strategy thread; these are the only
// deliberate blocking calls on the critical path.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
	"github.com/alanyoungcy/perparb/internal/metrics"
	"github.com/alanyoungcy/perparb/internal/portfolio"
	"github.com/alanyoungcy/perparb/internal/symbols"
)

// Config carries execution parameters.
type Config struct {
	// OrderDeadline bounds each leg's limit-order wait.
	OrderDeadline time.Duration
	// MinSizeUSD floors the intended position size.
	MinSizeUSD float64
	// MaxCapitalFraction caps one position's share of available capital.
	MaxCapitalFraction float64
	// MaxQuoteAge is the admission re-check of the latency gate.
	MaxQuoteAge time.Duration
	// HedgeBackoffs schedules hedge retries after a failed attempt.
	HedgeBackoffs []time.Duration
	// FillThresholdPct is the queue-position discipline: a partial fill
	// counts only once cumulative volume strictly exceeds this fraction
	// of the resting depth observed at submission.
	FillThresholdPct float64
}

// DefaultConfig returns production execution parameters.
func DefaultConfig() Config {
	return Config{
		OrderDeadline:      500 * time.Millisecond,
		MinSizeUSD:         100.0,
		MaxCapitalFraction: 0.5,
		MaxQuoteAge:        200 * time.Millisecond,
		HedgeBackoffs:      []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond},
		FillThresholdPct:   0.20,
	}
}

// Executor performs admission and dual-leg entries and exits. It is driven
// exclusively by the strategy thread.
type Executor struct {
	cfg      Config
	ledger   *portfolio.Ledger
	store    *marketstate.Store
	registry *symbols.Registry
	backends [domain.VenueCount]domain.VenueBackend
	halt     *Halt
	metrics  *metrics.Metrics
	logger   *slog.Logger
	events   chan<- domain.TradeEvent
	closed   chan<- domain.ClosedTrade

	now func() int64

	longQ, shortQ marketstate.Quote
}

// New wires an executor. events receives the append-only trade event
// stream and closed the settled trades; neither channel is ever blocked
// on, a full buffer drops the item.
func New(
	cfg Config,
	ledger *portfolio.Ledger,
	store *marketstate.Store,
	registry *symbols.Registry,
	halt *Halt,
	m *metrics.Metrics,
	events chan<- domain.TradeEvent,
	closed chan<- domain.ClosedTrade,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		cfg:      cfg,
		ledger:   ledger,
		store:    store,
		registry: registry,
		halt:     halt,
		metrics:  m,
		events:   events,
		closed:   closed,
		logger:   logger.With(slog.String("component", "executor")),
		now:      func() int64 { return time.Now().UnixNano() },
	}
}

// RegisterBackend installs the order backend for one venue.
func (e *Executor) RegisterBackend(v domain.VenueID, b domain.VenueBackend) {
	if v < domain.VenueCount {
		e.backends[v] = b
	}
}

// Halt exposes the kill switch for the operator surface.
func (e *Executor) Halt() *Halt { return e.halt }

// Execute runs one opportunity through admission and, when admitted, the
// dual-leg entry state machine. Rejections are counted, not returned as
// errors; the error path is reserved for invariant violations that must
// stop the process.
func (e *Executor) Execute(ctx context.Context, opp *domain.Opportunity) error {
	instrument := e.registry.InstrumentName(opp.InstrumentID)
	size, reason := e.admit(opp)
	if reason != domain.RejectNone {
		e.reject(opp, instrument, reason)
		return nil
	}
	return e.enter(ctx, opp, instrument, size)
}

// admit applies the pre-I/O admission checks and returns the intended size
// in USD, or the rejection reason.
func (e *Executor) admit(opp *domain.Opportunity) (float64, domain.RejectReason) {
	if e.halt.Active() {
		return 0, domain.RejectHalted
	}
	if e.ledger.HasOpen(opp.InstrumentID) {
		return 0, domain.RejectSymbolOpen
	}

	nowNanos := e.now()
	if !e.store.Snapshot(opp.LongSymbolID, &e.longQ) ||
		!e.store.Snapshot(opp.ShortSymbolID, &e.shortQ) ||
		!e.longQ.Fresh(nowNanos, e.cfg.MaxQuoteAge) ||
		!e.shortQ.Fresh(nowNanos, e.cfg.MaxQuoteAge) {
		return 0, domain.RejectStaleQuote
	}

	available := e.ledger.Available()
	base := opp.ProjectedProfitBps / opp.SpreadBps * available
	size := math.Max(e.cfg.MinSizeUSD, math.Min(e.cfg.MaxCapitalFraction*available, base))
	if size > available {
		return 0, domain.RejectInsufficientCapital
	}
	return size, domain.RejectNone
}

// legPlan is the per-leg working state of one entry.
type legPlan struct {
	venue    domain.VenueID
	symbolID uint32
	symbol   string
	side     domain.OrderSide
	price    float64
	qty      float64
	depthQty float64

	orderID      string
	fillPrice    float64
	fillTs       int64
	filled       bool
}

// enter drives the entry state machine: harder leg limit first, easier leg
// on its fill, market hedge past the deadline.
func (e *Executor) enter(ctx context.Context, opp *domain.Opportunity, instrument string, sizeUSD float64) error {
	longLeg, shortLeg, reason := e.plan(opp, sizeUSD)
	if reason != domain.RejectNone {
		e.reject(opp, instrument, reason)
		return nil
	}

	harderSide := domain.HarderLeg(opp.LongVenue, opp.ShortVenue)
	harder, easier := longLeg, shortLeg
	if harderSide == domain.SideShortLeg {
		harder, easier = shortLeg, longLeg
	}

	status := domain.StatusPendingHarder
	e.metrics.EmitToSubmit.Record(e.now()/1000 - opp.TsMicros)

	// Harder leg: limit at the quoted entry price, cancel on deadline.
	harderReq := harder.qty
	if ok, err := e.submitLimit(ctx, harder); err != nil || !ok {
		// No exposure yet; an error or timeout on the harder leg
		// simply abandons the entry.
		if err != nil {
			e.logger.Warn("harder leg failed",
				slog.String("instrument", instrument),
				slog.String("venue", harder.venue.String()),
				slog.String("error", err.Error()),
			)
			e.reject(opp, instrument, domain.RejectVenueError)
			return nil
		}
		e.reject(opp, instrument, domain.RejectEntryTimeout)
		return nil
	}

	// Easier leg is sized to what the harder leg actually filled; a
	// counted partial shrinks both the easier leg and the booked size.
	mustTransition(&status, domain.StatusPendingEasier)
	if harder.qty < harderReq {
		fraction := harder.qty / harderReq
		easier.qty = roundToStep(easier.qty*fraction, e.backends[easier.venue].QuantityStep(easier.symbol))
		sizeUSD *= fraction
	}

	legOut := false
	var legOutLoss float64
	ok, err := e.submitLimit(ctx, easier)
	if err != nil || !ok {
		// Harder leg is live: hedge the easier side at market.
		mustTransition(&status, domain.StatusHedging)
		limitPrice := easier.price
		if hedged, herr := e.hedge(ctx, easier); herr != nil || !hedged {
			return e.stuck(ctx, opp, instrument, harder, easier, sizeUSD, herr)
		}
		legOut = true
		legOutLoss = hedgeLoss(easier.side, limitPrice, easier.fillPrice, easier.qty)
		e.ledger.RecordLegOut(legOutLoss)
		e.metrics.LegOuts.Inc()
		mustTransition(&status, domain.StatusActive)
	} else {
		mustTransition(&status, domain.StatusActive)
	}

	return e.open(ctx, opp, instrument, longLeg, shortLeg, harderSide, sizeUSD, legOut, legOutLoss)
}

// plan converts the opportunity and size into two leg plans with venue-step
// rounded quantities.
func (e *Executor) plan(opp *domain.Opportunity, sizeUSD float64) (longLeg, shortLeg *legPlan, reason domain.RejectReason) {
	longBackend := e.backends[opp.LongVenue]
	shortBackend := e.backends[opp.ShortVenue]
	if longBackend == nil || shortBackend == nil {
		return nil, nil, domain.RejectVenueError
	}
	_, longSym := e.registry.Resolve(opp.LongSymbolID)
	_, shortSym := e.registry.Resolve(opp.ShortSymbolID)

	longQty := roundToStep(sizeUSD/opp.LongAsk, longBackend.QuantityStep(longSym))
	shortQty := roundToStep(sizeUSD/opp.ShortBid, shortBackend.QuantityStep(shortSym))
	if longQty <= 0 || shortQty <= 0 {
		return nil, nil, domain.RejectSizeTooSmall
	}

	longLeg = &legPlan{
		venue:    opp.LongVenue,
		symbolID: opp.LongSymbolID,
		symbol:   longSym,
		side:     domain.Buy,
		price:    opp.LongAsk,
		qty:      longQty,
		depthQty: opp.DepthLong / opp.LongAsk,
	}
	shortLeg = &legPlan{
		venue:    opp.ShortVenue,
		symbolID: opp.ShortSymbolID,
		symbol:   shortSym,
		side:     domain.Sell,
		price:    opp.ShortBid,
		qty:      shortQty,
		depthQty: opp.DepthShort / opp.ShortBid,
	}
	return longLeg, shortLeg, domain.RejectNone
}

// open records the accepted position in the ledger and emits events.
func (e *Executor) open(
	ctx context.Context,
	opp *domain.Opportunity,
	instrument string,
	longLeg, shortLeg *legPlan,
	harderSide domain.PositionSide,
	sizeUSD float64,
	legOut bool,
	legOutLoss float64,
) error {
	nowMicros := e.now() / 1000
	projectedUSD := opp.ProjectedProfitBps / 10000 * sizeUSD
	pos, err := e.ledger.Open(portfolio.OpenParams{
		TradeID:      uuid.New(),
		InstrumentID: opp.InstrumentID,
		Instrument:   instrument,
		Long: domain.Leg{
			Venue:        longLeg.venue,
			SymbolID:     longLeg.symbolID,
			EntryPrice:   longLeg.fillPrice,
			OrderID:      longLeg.orderID,
			FillTsMicros: longLeg.fillTs,
		},
		Short: domain.Leg{
			Venue:        shortLeg.venue,
			SymbolID:     shortLeg.symbolID,
			EntryPrice:   shortLeg.fillPrice,
			OrderID:      shortLeg.orderID,
			FillTsMicros: shortLeg.fillTs,
		},
		Size:               sizeUSD,
		Status:             domain.StatusActive,
		HarderSide:         harderSide,
		EntrySpreadBps:     opp.SpreadBps,
		EntryFundingDelta:  opp.FundingDelta8h,
		ProjectedProfitUSD: projectedUSD,
		OpenedTsMicros:     nowMicros,
		LegOut:             legOut,
	})
	if err != nil {
		return fmt.Errorf("executor: open %s: %w", instrument, err)
	}
	e.metrics.Admitted.Inc()
	e.metrics.TradesOpen.Inc()

	if legOut {
		e.emit(domain.TradeEvent{
			ID:         uuid.New().String(),
			Type:       domain.EventLegOut,
			TradeID:    pos.TradeID.String(),
			Instrument: instrument,
			LongVenue:  longLeg.venue.String(),
			ShortVenue: shortLeg.venue.String(),
			SizeUSD:    sizeUSD,
			PnLUSD:     -legOutLoss,
			OccurredAt: time.Now().UTC(),
		})
	}
	e.emit(domain.TradeEvent{
		ID:         uuid.New().String(),
		Type:       domain.EventTradeOpened,
		TradeID:    pos.TradeID.String(),
		Instrument: instrument,
		LongVenue:  longLeg.venue.String(),
		ShortVenue: shortLeg.venue.String(),
		SizeUSD:    sizeUSD,
		SpreadBps:  opp.SpreadBps,
		OccurredAt: time.Now().UTC(),
	})
	e.logger.Info("position opened",
		slog.String("trade_id", pos.TradeID.String()),
		slog.String("instrument", instrument),
		slog.String("long", longLeg.venue.String()),
		slog.String("short", shortLeg.venue.String()),
		slog.Float64("size_usd", sizeUSD),
		slog.Float64("spread_bps", opp.SpreadBps),
		slog.Bool("leg_out", legOut),
	)
	_ = ctx
	return nil
}

// stuck handles hedge-retry exhaustion: the position is recorded in
// Hedging status with the stuck flag, trading halts, and a fatal-class
// alert goes out. The harder leg remains live.
func (e *Executor) stuck(
	ctx context.Context,
	opp *domain.Opportunity,
	instrument string,
	harder, easier *legPlan,
	sizeUSD float64,
	cause error,
) error {
	longLeg, shortLeg := harder, easier
	harderSide := domain.SideLongLeg
	if harder.side == domain.Sell {
		longLeg, shortLeg = easier, harder
		harderSide = domain.SideShortLeg
	}
	nowMicros := e.now() / 1000
	pos, err := e.ledger.Open(portfolio.OpenParams{
		TradeID:      uuid.New(),
		InstrumentID: opp.InstrumentID,
		Instrument:   instrument,
		Long: domain.Leg{
			Venue:        longLeg.venue,
			SymbolID:     longLeg.symbolID,
			EntryPrice:   longLeg.fillPrice,
			OrderID:      longLeg.orderID,
			FillTsMicros: longLeg.fillTs,
		},
		Short: domain.Leg{
			Venue:        shortLeg.venue,
			SymbolID:     shortLeg.symbolID,
			EntryPrice:   shortLeg.fillPrice,
			OrderID:      shortLeg.orderID,
			FillTsMicros: shortLeg.fillTs,
		},
		Size:              sizeUSD,
		Status:            domain.StatusHedging,
		HarderSide:        harderSide,
		EntrySpreadBps:    opp.SpreadBps,
		EntryFundingDelta: opp.FundingDelta8h,
		OpenedTsMicros:    nowMicros,
		LegOut:            true,
	})
	if err != nil {
		return fmt.Errorf("executor: record stuck hedge %s: %w", instrument, err)
	}
	pos.HedgeStuck = true
	e.halt.Set("hedge stuck: " + instrument)
	e.metrics.LegOuts.Inc()
	e.ledger.RecordLegOut(0)

	msg := domain.ErrHedgeStuck.Error()
	if cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, cause.Error())
	}
	e.emit(domain.TradeEvent{
		ID:         uuid.New().String(),
		Type:       domain.EventLegOut,
		TradeID:    pos.TradeID.String(),
		Instrument: instrument,
		LongVenue:  longLeg.venue.String(),
		ShortVenue: shortLeg.venue.String(),
		SizeUSD:    sizeUSD,
		Reason:     msg,
		OccurredAt: time.Now().UTC(),
	})
	e.logger.Error("hedge stuck, trading halted",
		slog.String("trade_id", pos.TradeID.String()),
		slog.String("instrument", instrument),
		slog.String("reason", msg),
	)
	_ = ctx
	return nil
}

// reject records one discarded opportunity.
func (e *Executor) reject(opp *domain.Opportunity, instrument string, reason domain.RejectReason) {
	e.metrics.Reject(reason)
	e.emit(domain.TradeEvent{
		ID:         uuid.New().String(),
		Type:       domain.EventRejected,
		Instrument: instrument,
		LongVenue:  opp.LongVenue.String(),
		ShortVenue: opp.ShortVenue.String(),
		SpreadBps:  opp.SpreadBps,
		Reason:     reason.String(),
		OccurredAt: time.Now().UTC(),
	})
	e.logger.Debug("opportunity rejected",
		slog.String("instrument", instrument),
		slog.String("reason", reason.String()),
	)
}

// emit hands an event to the cold persistence path without blocking.
func (e *Executor) emit(ev domain.TradeEvent) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event buffer full, dropping", slog.String("type", string(ev.Type)))
	}
}

// emitClosed hands a settled trade to the cold persistence path without
// blocking.
func (e *Executor) emitClosed(t domain.ClosedTrade) {
	if e.closed == nil {
		return
	}
	select {
	case e.closed <- t:
	default:
		e.logger.Warn("closed trade buffer full, dropping", slog.String("trade_id", t.TradeID))
	}
}

// hedgeLoss is the price concession of a market hedge versus the limit it
// replaced, signed so a worse fill is a positive loss.
func hedgeLoss(side domain.OrderSide, limitPrice, hedgePrice, qty float64) float64 {
	if side == domain.Buy {
		return (hedgePrice - limitPrice) * qty
	}
	return (limitPrice - hedgePrice) * qty
}

func roundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}

// mustTransition advances the local entry status, panicking on a reverse
// edge. The transition table is exhaustive, so a violation is a bug, not a
// runtime condition.
func mustTransition(s *domain.PositionStatus, next domain.PositionStatus) {
	if !s.CanTransition(next) {
		panic(fmt.Sprintf("executor: illegal transition %s -> %s", *s, next))
	}
	*s = next
}
