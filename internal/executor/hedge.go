package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// qtyEpsilon treats residual quantities below it as flat.
const qtyEpsilon = 1e-9

// submitLimit places p as a limit order with the configured deadline and
// resolves the outcome. A partial fill counts only when cumulative filled
// volume strictly exceeds the fill threshold fraction of the resting depth
// observed at submission; an uncounted partial is cancelled and the
// remainder resubmitted once. On success p carries the counted fill and
// the method returns true. A timeout returns false; venue failures return
// the error.
func (e *Executor) submitLimit(ctx context.Context, p *legPlan) (bool, error) {
	backend := e.backends[p.venue]
	if backend == nil {
		return false, fmt.Errorf("executor: %s: %w", p.venue, domain.ErrUnknownVenue)
	}
	req := domain.OrderRequest{
		Venue:    p.venue,
		SymbolID: p.symbolID,
		Symbol:   p.symbol,
		Side:     p.side,
		Kind:     domain.Limit,
		Price:    p.price,
		Size:     p.qty,
		Deadline: e.cfg.OrderDeadline,
	}
	out, err := backend.Submit(ctx, req)
	if err != nil {
		return false, err
	}

	switch out.Status {
	case domain.OrderFilled:
		p.record(out, out.FilledSize)
		return true, nil

	case domain.OrderPartiallyFilled:
		if out.FilledSize > e.cfg.FillThresholdPct*p.depthQty {
			p.record(out, out.FilledSize)
			return true, nil
		}
		return e.resubmitRemainder(ctx, p, backend, req, out)

	default:
		return false, nil
	}
}

// resubmitRemainder cancels an uncounted partial and tries the remainder
// once. The combined quantity is accepted when complete or past the fill
// threshold; anything else is flattened at market so no silent exposure
// survives a failed entry leg.
func (e *Executor) resubmitRemainder(
	ctx context.Context,
	p *legPlan,
	backend domain.VenueBackend,
	req domain.OrderRequest,
	first domain.OrderOutcome,
) (bool, error) {
	if err := backend.Cancel(ctx, p.symbol, first.OrderID); err != nil {
		e.logger.Warn("cancel of uncounted partial failed",
			slog.String("venue", p.venue.String()),
			slog.String("order_id", first.OrderID),
			slog.String("error", err.Error()),
		)
	}

	req.Size = p.qty - first.FilledSize
	second, err := backend.Submit(ctx, req)
	if err != nil {
		second = domain.OrderOutcome{Status: domain.OrderNotFilled}
	}

	total := first.FilledSize + second.FilledSize
	complete := p.qty-total <= qtyEpsilon
	if complete || total > e.cfg.FillThresholdPct*p.depthQty {
		avg := weightedPrice(first, second)
		p.orderID = pickOrderID(first, second)
		p.fillPrice = avg
		p.fillTs = latestTs(first, second)
		p.qty = total
		return true, nil
	}

	if second.Status == domain.OrderPartiallyFilled {
		if cerr := backend.Cancel(ctx, p.symbol, second.OrderID); cerr != nil {
			e.logger.Warn("cancel of resubmitted partial failed",
				slog.String("venue", p.venue.String()),
				slog.String("error", cerr.Error()),
			)
		}
	}
	if total > qtyEpsilon {
		e.flatten(ctx, p, backend, total)
	}
	return false, err
}

// flatten closes out residual quantity from an abandoned entry leg with a
// market order in the opposite direction.
func (e *Executor) flatten(ctx context.Context, p *legPlan, backend domain.VenueBackend, qty float64) {
	out, err := backend.Submit(ctx, domain.OrderRequest{
		Venue:    p.venue,
		SymbolID: p.symbolID,
		Symbol:   p.symbol,
		Side:     p.side.Opposite(),
		Kind:     domain.Market,
		Size:     qty,
		Deadline: e.cfg.OrderDeadline,
	})
	if err != nil || out.Status != domain.OrderFilled {
		e.logger.Error("failed to flatten residual entry quantity",
			slog.String("venue", p.venue.String()),
			slog.String("symbol", p.symbol),
			slog.Float64("qty", qty),
		)
		return
	}
	e.logger.Warn("flattened residual entry quantity",
		slog.String("venue", p.venue.String()),
		slog.String("symbol", p.symbol),
		slog.Float64("qty", qty),
	)
}

// hedge market-orders the unfilled side, sized to match the filled leg.
// Failures are retried on the backoff ladder; partial market fills shrink
// the remainder and keep going within the same attempt budget. On success
// p carries the volume-weighted hedge fill.
func (e *Executor) hedge(ctx context.Context, p *legPlan) (bool, error) {
	backend := e.backends[p.venue]
	if backend == nil {
		return false, fmt.Errorf("executor: %s: %w", p.venue, domain.ErrUnknownVenue)
	}

	remaining := p.qty
	var (
		filledQty  float64
		notional   float64
		lastErr    error
		orderID    string
		fillTs     int64
	)

	attempts := 1 + len(e.cfg.HedgeBackoffs)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			e.metrics.HedgeRetries.Inc()
			select {
			case <-time.After(e.cfg.HedgeBackoffs[i-1]):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		out, err := backend.Submit(ctx, domain.OrderRequest{
			Venue:    p.venue,
			SymbolID: p.symbolID,
			Symbol:   p.symbol,
			Side:     p.side,
			Kind:     domain.Market,
			Size:     remaining,
			Deadline: e.cfg.OrderDeadline,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if out.FilledSize > 0 {
			filledQty += out.FilledSize
			notional += out.FilledSize * out.FillPrice
			remaining -= out.FilledSize
			orderID = out.OrderID
			fillTs = out.FillTsMicros
		}
		if remaining <= qtyEpsilon {
			p.orderID = orderID
			p.fillPrice = notional / filledQty
			p.fillTs = fillTs
			p.qty = filledQty
			p.filled = true
			return true, nil
		}
		lastErr = fmt.Errorf("executor: hedge %s %s: %s", p.venue, p.symbol, out.Status)
	}
	if lastErr == nil {
		lastErr = domain.ErrHedgeStuck
	}
	return false, lastErr
}

func (p *legPlan) record(out domain.OrderOutcome, qty float64) {
	p.orderID = out.OrderID
	p.fillPrice = out.FillPrice
	p.fillTs = out.FillTsMicros
	p.qty = qty
	p.filled = true
}

func weightedPrice(a, b domain.OrderOutcome) float64 {
	total := a.FilledSize + b.FilledSize
	if total <= 0 {
		return 0
	}
	return (a.FilledSize*a.FillPrice + b.FilledSize*b.FillPrice) / total
}

func pickOrderID(a, b domain.OrderOutcome) string {
	if b.FilledSize > 0 && b.OrderID != "" {
		return b.OrderID
	}
	return a.OrderID
}

func latestTs(a, b domain.OrderOutcome) int64 {
	if b.FillTsMicros > a.FillTsMicros {
		return b.FillTsMicros
	}
	return a.FillTsMicros
}
