// Package portfolio is the single-writer capital ledger. Only the strategy
// thread mutates it; cold-path readers receive snapshot copies produced
// into pre-allocated buffers. Every mutation re-checks the conservation
// invariant and reports a violation as a fatal error.
package portfolio

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// DefaultMaxOpen bounds simultaneously open positions and sizes the
// pre-allocated position pool.
const DefaultMaxOpen = 64

// invariantEpsilon absorbs float64 rounding across open/close cycles.
const invariantEpsilon = 1e-6

// OpenParams carries everything the ledger needs to admit a position.
type OpenParams struct {
	TradeID            uuid.UUID
	InstrumentID       uint32
	Instrument         string
	Long               domain.Leg
	Short              domain.Leg
	Size               float64
	Status             domain.PositionStatus
	HarderSide         domain.PositionSide
	EntrySpreadBps     float64
	EntryFundingDelta  float64
	ProjectedProfitUSD float64
	OpenedTsMicros     int64
	LegOut             bool
}

// Ledger tracks available capital, open positions keyed by instrument, and
// realized results. Not safe for concurrent use; ownership is the strategy
// thread's alone.
type Ledger struct {
	startingCapital float64
	available       float64
	realizedPnL     float64

	open map[uint32]*domain.Position

	pool []domain.Position
	free []int
	slot map[uint32]int

	closedLog []domain.ClosedTrade
	closedN   int

	closed  int
	wins    int
	losses  int
	legOuts int
	legOutLoss float64
}

// NewLedger creates a ledger with the given starting capital. maxOpen
// bounds concurrent positions; zero picks the default.
func NewLedger(startingCapital float64, maxOpen int) *Ledger {
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpen
	}
	l := &Ledger{
		startingCapital: startingCapital,
		available:       startingCapital,
		open:            make(map[uint32]*domain.Position, maxOpen),
		pool:            make([]domain.Position, maxOpen),
		free:            make([]int, 0, maxOpen),
		slot:            make(map[uint32]int, maxOpen),
		closedLog:       make([]domain.ClosedTrade, 1024),
	}
	for i := maxOpen - 1; i >= 0; i-- {
		l.free = append(l.free, i)
	}
	return l
}

// Available returns uncommitted capital.
func (l *Ledger) Available() float64 { return l.available }

// StartingCapital returns the boot-time capital.
func (l *Ledger) StartingCapital() float64 { return l.startingCapital }

// RealizedPnL returns cumulative realized profit.
func (l *Ledger) RealizedPnL() float64 { return l.realizedPnL }

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int { return len(l.open) }

// HasOpen reports whether the instrument already has an open position.
func (l *Ledger) HasOpen(instrumentID uint32) bool {
	_, ok := l.open[instrumentID]
	return ok
}

// Get returns the open position for an instrument, or nil.
func (l *Ledger) Get(instrumentID uint32) *domain.Position {
	return l.open[instrumentID]
}

// ForEachOpen visits every open position. The callback may mutate the
// position but must not open or close positions.
func (l *Ledger) ForEachOpen(fn func(instrumentID uint32, p *domain.Position)) {
	for id, p := range l.open {
		fn(id, p)
	}
}

// Open admits a position: capital is deducted and the position enters the
// open set. Fails when the instrument is already open, capital is short, or
// the pool is exhausted.
func (l *Ledger) Open(params OpenParams) (*domain.Position, error) {
	if _, ok := l.open[params.InstrumentID]; ok {
		return nil, fmt.Errorf("portfolio: open %s: %w", params.Instrument, domain.ErrSymbolOpen)
	}
	if l.available < params.Size {
		return nil, fmt.Errorf("portfolio: open %s: %w", params.Instrument, domain.ErrInsufficientCapital)
	}
	if len(l.free) == 0 {
		return nil, fmt.Errorf("portfolio: open %s: position pool exhausted: %w", params.Instrument, domain.ErrInsufficientCapital)
	}

	idx := l.free[len(l.free)-1]
	l.free = l.free[:len(l.free)-1]
	p := &l.pool[idx]
	*p = domain.Position{
		TradeID:            params.TradeID,
		Instrument:         params.Instrument,
		Long:               params.Long,
		Short:              params.Short,
		Size:               params.Size,
		Status:             params.Status,
		HarderSide:         params.HarderSide,
		EntrySpreadBps:     params.EntrySpreadBps,
		EntryFundingDelta:  params.EntryFundingDelta,
		ProjectedProfitUSD: params.ProjectedProfitUSD,
		OpenedTsMicros:     params.OpenedTsMicros,
		LegOut:             params.LegOut,
	}

	l.available -= params.Size
	l.open[params.InstrumentID] = p
	l.slot[params.InstrumentID] = idx

	if err := l.checkInvariant(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close settles an open position: capital is restored by size plus realized
// PnL, counters advance, and the closed trade is returned for persistence.
func (l *Ledger) Close(instrumentID uint32, realizedPnL float64, closedAt time.Time) (domain.ClosedTrade, error) {
	p, ok := l.open[instrumentID]
	if !ok {
		return domain.ClosedTrade{}, fmt.Errorf("portfolio: close %d: no open position", instrumentID)
	}

	l.available += p.Size + realizedPnL
	l.realizedPnL += realizedPnL
	l.closed++
	if realizedPnL > 0 {
		l.wins++
	} else {
		l.losses++
	}

	trade := domain.ClosedTrade{
		TradeID:        p.TradeID.String(),
		Instrument:     p.Instrument,
		LongVenue:      p.Long.Venue.String(),
		ShortVenue:     p.Short.Venue.String(),
		LongEntry:      p.Long.EntryPrice,
		LongExit:       p.Long.ExitPrice,
		ShortEntry:     p.Short.EntryPrice,
		ShortExit:      p.Short.ExitPrice,
		SizeUSD:        p.Size,
		RealizedPnLUSD: realizedPnL,
		EntrySpreadBps: p.EntrySpreadBps,
		ExitReason:     p.ExitReason.String(),
		LegOut:         p.LegOut,
		OpenedAt:       time.UnixMicro(p.OpenedTsMicros).UTC(),
		ClosedAt:       closedAt.UTC(),
	}
	l.closedLog[l.closedN%len(l.closedLog)] = trade
	l.closedN++

	delete(l.open, instrumentID)
	idx := l.slot[instrumentID]
	delete(l.slot, instrumentID)
	l.free = append(l.free, idx)

	if err := l.checkInvariant(); err != nil {
		return trade, err
	}
	return trade, nil
}

// RecordLegOut accounts one pass through the hedging branch.
func (l *Ledger) RecordLegOut(lossUSD float64) {
	l.legOuts++
	l.legOutLoss += lossUSD
}

// LegOuts returns the leg-out count and cumulative loss.
func (l *Ledger) LegOuts() (int, float64) { return l.legOuts, l.legOutLoss }

// checkInvariant verifies capital conservation after a mutation:
// available + committed size equals starting capital + realized PnL.
func (l *Ledger) checkInvariant() error {
	committed := 0.0
	for _, p := range l.open {
		committed += p.Size
	}
	diff := l.available + committed - (l.startingCapital + l.realizedPnL)
	if math.Abs(diff) > invariantEpsilon {
		return fmt.Errorf(
			"portfolio: available=%.6f committed=%.6f starting=%.6f realized=%.6f drift=%.9f: %w",
			l.available, committed, l.startingCapital, l.realizedPnL, diff,
			domain.ErrInvariantViolation,
		)
	}
	return nil
}

// Verify recomputes the conservation invariant on demand.
func (l *Ledger) Verify() error { return l.checkInvariant() }

// Snapshot copies ledger state into snap, reusing snap's position slice.
// Must be called from the owning thread; hand the filled snapshot to cold
// readers by value or over a channel.
func (l *Ledger) Snapshot(snap *domain.PortfolioSnapshot, quote func(p *domain.Position) (longPx, shortPx float64, ok bool), nowMicros int64) {
	snap.StartingCapital = l.startingCapital
	snap.AvailableCapital = l.available
	snap.RealizedPnLUSD = l.realizedPnL
	snap.ClosedTrades = l.closed
	snap.Wins = l.wins
	snap.Losses = l.losses
	snap.LegOuts = l.legOuts
	snap.LegOutLossUSD = l.legOutLoss
	snap.TsMicros = nowMicros

	if cap(snap.OpenPositions) < len(l.open) {
		snap.OpenPositions = make([]domain.OpenPositionView, 0, DefaultMaxOpen)
	}
	snap.OpenPositions = snap.OpenPositions[:0]
	for _, p := range l.open {
		view := domain.OpenPositionView{
			TradeID:            p.TradeID.String(),
			Instrument:         p.Instrument,
			LongVenue:          p.Long.Venue.String(),
			ShortVenue:         p.Short.Venue.String(),
			SizeUSD:            p.Size,
			Status:             p.Status.String(),
			EntrySpreadBps:     p.EntrySpreadBps,
			ProjectedProfitUSD: p.ProjectedProfitUSD,
			OpenedTsMicros:     p.OpenedTsMicros,
		}
		if quote != nil {
			if longPx, shortPx, ok := quote(p); ok {
				view.UnrealizedPnLUSD = p.UnrealizedPnL(longPx, shortPx)
			}
		}
		snap.OpenPositions = append(snap.OpenPositions, view)
	}
}

// RecentClosed appends up to limit most recent closed trades to buf,
// newest first.
func (l *Ledger) RecentClosed(buf []domain.ClosedTrade, limit int) []domain.ClosedTrade {
	buf = buf[:0]
	n := l.closedN
	if limit > len(l.closedLog) {
		limit = len(l.closedLog)
	}
	if limit > n {
		limit = n
	}
	for i := 0; i < limit; i++ {
		buf = append(buf, l.closedLog[(n-1-i)%len(l.closedLog)])
	}
	return buf
}

// Stats returns closed, win, and loss counts.
func (l *Ledger) Stats() (closed, wins, losses int) {
	return l.closed, l.wins, l.losses
}
