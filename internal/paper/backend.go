// Package paper is the simulated venue backend. Fills are computed
// deterministically from the latest book state: a limit order trades
// against the visible resting depth with a configurable participation
// fraction, so partial-fill handling and the queue-position discipline are
// exercised without a live venue.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// Config tunes the simulation.
type Config struct {
	// Latency is the simulated round trip per order call.
	Latency time.Duration
	// ParticipationPct is the fraction of resting depth a limit order
	// captures within its deadline.
	ParticipationPct float64
	// MarketSlippageBps worsens every market fill against the quote.
	MarketSlippageBps float64
	// QuantityStep is the default lot step when no per-symbol override
	// exists.
	QuantityStep float64
	// Steps overrides the lot step per symbol.
	Steps map[string]float64
}

// DefaultConfig returns the simulation defaults.
func DefaultConfig() Config {
	return Config{
		Latency:           5 * time.Millisecond,
		ParticipationPct:  0.25,
		MarketSlippageBps: 2.0,
		QuantityStep:      0.001,
	}
}

// Backend simulates one venue. Safe for use from the strategy thread only;
// it reads book state through seqlock snapshots and keeps no order book of
// its own.
type Backend struct {
	venue  domain.VenueID
	cfg    Config
	store  *marketstate.Store
	logger *slog.Logger

	seq atomic.Uint64
	now func() int64

	q marketstate.Quote
}

// New creates a simulated backend for one venue.
func New(venue domain.VenueID, cfg Config, store *marketstate.Store, logger *slog.Logger) *Backend {
	if cfg.ParticipationPct <= 0 {
		cfg.ParticipationPct = 0.25
	}
	if cfg.QuantityStep <= 0 {
		cfg.QuantityStep = 0.001
	}
	return &Backend{
		venue:  venue,
		cfg:    cfg,
		store:  store,
		logger: logger.With(slog.String("component", "paper"), slog.String("venue", venue.String())),
		now:    func() int64 { return time.Now().UnixMicro() },
	}
}

// Submit simulates one order against the current book.
func (b *Backend) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	if b.cfg.Latency > 0 {
		select {
		case <-time.After(b.cfg.Latency):
		case <-ctx.Done():
			return domain.OrderOutcome{Status: domain.OrderFailed}, ctx.Err()
		}
	}

	if !b.store.Snapshot(req.SymbolID, &b.q) {
		return domain.OrderOutcome{Status: domain.OrderFailed, Reason: "no market data"},
			fmt.Errorf("paper: %s %s: %w", b.venue, req.Symbol, domain.ErrStaleQuote)
	}

	switch req.Kind {
	case domain.Market:
		return b.fillMarket(req), nil
	default:
		return b.fillLimit(req), nil
	}
}

// fillMarket trades the full size at the far quote worsened by the
// configured slippage.
func (b *Backend) fillMarket(req domain.OrderRequest) domain.OrderOutcome {
	px := b.q.Ask
	if req.Side == domain.Sell {
		px = b.q.Bid
	}
	slip := px * b.cfg.MarketSlippageBps / 10000
	if req.Side == domain.Buy {
		px += slip
	} else {
		px -= slip
	}
	return domain.OrderOutcome{
		Status:       domain.OrderFilled,
		OrderID:      b.nextID(),
		FillPrice:    px,
		FilledSize:   req.Size,
		FillTsMicros: b.now(),
	}
}

// fillLimit fills only when the book has crossed the limit, and then only
// up to the participation fraction of the visible resting depth.
func (b *Backend) fillLimit(req domain.OrderRequest) domain.OrderOutcome {
	var crossed bool
	var depth float64
	if req.Side == domain.Buy {
		crossed = b.q.Ask <= req.Price
		depth = b.q.DepthAsk
	} else {
		crossed = b.q.Bid >= req.Price
		depth = b.q.DepthBid
	}
	if !crossed {
		return domain.OrderOutcome{Status: domain.OrderNotFilled, OrderID: b.nextID()}
	}

	available := req.Size
	if b.q.HasDepth {
		available = b.cfg.ParticipationPct * depth
	}
	if available >= req.Size {
		return domain.OrderOutcome{
			Status:       domain.OrderFilled,
			OrderID:      b.nextID(),
			FillPrice:    req.Price,
			FilledSize:   req.Size,
			FillTsMicros: b.now(),
		}
	}
	if available <= 0 {
		return domain.OrderOutcome{Status: domain.OrderNotFilled, OrderID: b.nextID()}
	}
	return domain.OrderOutcome{
		Status:       domain.OrderPartiallyFilled,
		OrderID:      b.nextID(),
		FillPrice:    req.Price,
		FilledSize:   quantize(available, b.QuantityStep(req.Symbol)),
		FillTsMicros: b.now(),
	}
}

// Cancel always succeeds; the simulation holds no resting orders.
func (b *Backend) Cancel(ctx context.Context, symbol, orderID string) error {
	_ = ctx
	b.logger.Debug("order cancelled", slog.String("symbol", symbol), slog.String("order_id", orderID))
	return nil
}

// QuantityStep returns the venue lot step for a symbol.
func (b *Backend) QuantityStep(symbol string) float64 {
	if s, ok := b.cfg.Steps[symbol]; ok {
		return s
	}
	return b.cfg.QuantityStep
}

func (b *Backend) nextID() string {
	return fmt.Sprintf("paper-%s-%d", b.venue, b.seq.Add(1))
}

// quantize floors a quantity onto the venue lot grid using exact decimal
// arithmetic so simulated fills land on the same steps a venue would
// report.
func quantize(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	d := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Floor().Mul(s).Float64()
	return f
}
