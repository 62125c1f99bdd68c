package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// ExecuteExit unwinds an active position with the same dual-leg discipline
// as entry: the harder venue's closing leg goes out first as a limit, the
// other follows, and any unfilled closing leg is hedged at market. Realized
// PnL is settled through the ledger and the closed trade is emitted for
// persistence.
func (e *Executor) ExecuteExit(ctx context.Context, instrumentID uint32, pos *domain.Position, reason domain.ExitReason) error {
	if pos.Status != domain.StatusActive {
		return fmt.Errorf("executor: exit %s in %s", pos.Instrument, pos.Status)
	}
	pos.Status = domain.StatusExiting
	pos.ExitReason = reason

	units := pos.BaseUnits()
	longClose, shortClose := e.exitPlans(pos, units)
	if longClose == nil || shortClose == nil {
		pos.Status = domain.StatusActive
		return fmt.Errorf("executor: exit %s: %w", pos.Instrument, domain.ErrUnknownVenue)
	}

	harder, easier := longClose, shortClose
	if pos.HarderSide == domain.SideShortLeg {
		harder, easier = shortClose, longClose
	}

	if err := e.closeLeg(ctx, harder); err != nil {
		pos.Status = domain.StatusActive
		return fmt.Errorf("executor: exit %s harder leg: %w", pos.Instrument, err)
	}
	if err := e.closeLeg(ctx, easier); err != nil {
		pos.Status = domain.StatusActive
		return fmt.Errorf("executor: exit %s easier leg: %w", pos.Instrument, err)
	}

	pos.Long.ExitPrice = longClose.fillPrice
	pos.Short.ExitPrice = shortClose.fillPrice
	realized := (pos.Long.ExitPrice-pos.Long.EntryPrice)*units -
		(pos.Short.ExitPrice-pos.Short.EntryPrice)*units

	pos.Status = domain.StatusClosed
	trade, err := e.ledger.Close(instrumentID, realized, time.Now())
	if err != nil {
		return fmt.Errorf("executor: settle %s: %w", pos.Instrument, err)
	}
	e.metrics.Exits.Inc()
	e.metrics.TradesOpen.Dec()

	e.emit(domain.TradeEvent{
		ID:         uuid.New().String(),
		Type:       domain.EventTradeClosed,
		TradeID:    trade.TradeID,
		Instrument: trade.Instrument,
		LongVenue:  trade.LongVenue,
		ShortVenue: trade.ShortVenue,
		SizeUSD:    trade.SizeUSD,
		PnLUSD:     realized,
		Reason:     reason.String(),
		OccurredAt: trade.ClosedAt,
	})
	e.logger.Info("position closed",
		slog.String("trade_id", trade.TradeID),
		slog.String("instrument", trade.Instrument),
		slog.String("reason", reason.String()),
		slog.Float64("pnl_usd", realized),
	)
	e.emitClosed(trade)
	return nil
}

// exitPlans builds the two closing legs: sell what was bought, buy back
// what was sold, priced at the current book.
func (e *Executor) exitPlans(pos *domain.Position, units float64) (longClose, shortClose *legPlan) {
	if e.backends[pos.Long.Venue] == nil || e.backends[pos.Short.Venue] == nil {
		return nil, nil
	}
	_, longSym := e.registry.Resolve(pos.Long.SymbolID)
	_, shortSym := e.registry.Resolve(pos.Short.SymbolID)

	longClose = &legPlan{
		venue:    pos.Long.Venue,
		symbolID: pos.Long.SymbolID,
		symbol:   longSym,
		side:     domain.Sell,
		qty:      units,
	}
	shortClose = &legPlan{
		venue:    pos.Short.Venue,
		symbolID: pos.Short.SymbolID,
		symbol:   shortSym,
		side:     domain.Buy,
		qty:      units,
	}
	if e.store.Snapshot(pos.Long.SymbolID, &e.longQ) {
		longClose.price = e.longQ.Bid
		longClose.depthQty = e.longQ.DepthBid
	}
	if e.store.Snapshot(pos.Short.SymbolID, &e.shortQ) {
		shortClose.price = e.shortQ.Ask
		shortClose.depthQty = e.shortQ.DepthAsk
	}
	return longClose, shortClose
}

// closeLeg fills one closing leg: limit at the current book when a quote is
// available, falling back to the market hedge ladder on timeout or when no
// quote exists. Exits must complete, so the ladder's exhaustion is the only
// error surface.
func (e *Executor) closeLeg(ctx context.Context, p *legPlan) error {
	if p.price > 0 {
		ok, err := e.submitLimit(ctx, p)
		if err != nil {
			e.logger.Warn("closing limit failed, hedging at market",
				slog.String("venue", p.venue.String()),
				slog.String("symbol", p.symbol),
				slog.String("error", err.Error()),
			)
		}
		if ok {
			return nil
		}
	}
	if ok, err := e.hedge(ctx, p); err != nil || !ok {
		if err == nil {
			err = domain.ErrHedgeStuck
		}
		return err
	}
	return nil
}

// RetryHedge reattempts the market hedge for a position stranded in Hedging
// status. On success the position becomes active with the hedge fill as its
// entry, and the halt is released if this was the last stuck position.
func (e *Executor) RetryHedge(ctx context.Context, instrumentID uint32, pos *domain.Position) error {
	if pos.Status != domain.StatusHedging {
		return nil
	}

	leg := &pos.Long
	side := domain.Buy
	if pos.HarderSide == domain.SideLongLeg {
		leg = &pos.Short
		side = domain.Sell
	}
	_, sym := e.registry.Resolve(leg.SymbolID)
	p := &legPlan{
		venue:    leg.Venue,
		symbolID: leg.SymbolID,
		symbol:   sym,
		side:     side,
		qty:      pos.BaseUnits(),
	}
	ok, err := e.hedge(ctx, p)
	if err != nil || !ok {
		if err == nil {
			err = domain.ErrHedgeStuck
		}
		return fmt.Errorf("executor: retry hedge %s: %w", pos.Instrument, err)
	}

	leg.EntryPrice = p.fillPrice
	leg.OrderID = p.orderID
	leg.FillTsMicros = p.fillTs
	pos.HedgeStuck = false
	pos.Status = domain.StatusActive

	stillStuck := false
	e.ledger.ForEachOpen(func(_ uint32, other *domain.Position) {
		if other.HedgeStuck {
			stillStuck = true
		}
	})
	if !stillStuck {
		e.halt.Clear()
	}
	e.logger.Info("stuck hedge recovered",
		slog.String("trade_id", pos.TradeID.String()),
		slog.String("instrument", pos.Instrument),
		slog.Float64("fill_price", p.fillPrice),
		slog.Bool("halt_cleared", !stillStuck),
	)
	_ = instrumentID
	return nil
}
