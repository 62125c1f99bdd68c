package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
	"github.com/alanyoungcy/perparb/internal/metrics"
	"github.com/alanyoungcy/perparb/internal/portfolio"
	"github.com/alanyoungcy/perparb/internal/symbols"
)

// scripted is one canned backend response. An empty script falls through to
// a full fill at the requested price.
type scripted struct {
	out domain.OrderOutcome
	err error
}

type fakeBackend struct {
	step    float64
	script  []scripted
	submits []domain.OrderRequest
	cancels []string
}

func (b *fakeBackend) Submit(_ context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	b.submits = append(b.submits, req)
	if len(b.script) > 0 {
		s := b.script[0]
		b.script = b.script[1:]
		return s.out, s.err
	}
	return domain.OrderOutcome{
		Status:     domain.OrderFilled,
		OrderID:    fmt.Sprintf("ord-%d", len(b.submits)),
		FillPrice:  req.Price,
		FilledSize: req.Size,
	}, nil
}

func (b *fakeBackend) Cancel(_ context.Context, _ string, orderID string) error {
	b.cancels = append(b.cancels, orderID)
	return nil
}

func (b *fakeBackend) QuantityStep(string) float64 { return b.step }

type execFixture struct {
	exec     *Executor
	ledger   *portfolio.Ledger
	halt     *Halt
	metrics  *metrics.Metrics
	events   chan domain.TradeEvent
	closed   chan domain.ClosedTrade
	registry *symbols.Registry
	inst     uint32
	binance  uint32
	bybit    uint32
	long     *fakeBackend // binance
	short    *fakeBackend // bybit
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()

	f := &execFixture{
		ledger:   portfolio.NewLedger(10000, 8),
		halt:     NewHalt(),
		metrics:  metrics.New(64),
		events:   make(chan domain.TradeEvent, 64),
		closed:   make(chan domain.ClosedTrade, 16),
		registry: symbols.NewRegistry(16),
		long:     &fakeBackend{step: 0.001},
		short:    &fakeBackend{step: 0.001},
	}

	var err error
	f.binance, err = f.registry.Intern(domain.VenueBinance, "BTCUSDT")
	require.NoError(t, err)
	f.bybit, err = f.registry.Intern(domain.VenueBybit, "BTCUSDT")
	require.NoError(t, err)
	f.inst = f.registry.InstrumentOf(f.binance)

	nowNanos := time.Hour.Nanoseconds()
	store := marketstate.NewStore(16)
	require.NoError(t, store.Apply(&domain.MarketUpdate{
		SymbolID: f.binance, Bid: 49999, Ask: 50000, TsMicros: nowNanos / 1000,
	}, nowNanos))
	require.NoError(t, store.Apply(&domain.MarketUpdate{
		SymbolID: f.bybit, Bid: 50050, Ask: 50051, TsMicros: nowNanos / 1000,
	}, nowNanos))

	cfg := DefaultConfig()
	cfg.HedgeBackoffs = []time.Duration{time.Millisecond, time.Millisecond}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.exec = New(cfg, f.ledger, store, f.registry, f.halt, f.metrics, f.events, f.closed, logger)
	f.exec.now = func() int64 { return nowNanos }
	f.exec.RegisterBackend(domain.VenueBinance, f.long)
	f.exec.RegisterBackend(domain.VenueBybit, f.short)
	return f
}

// opp is a clean candidate: 10 bps spread on a 50k book, ample depth. With
// 10000 USD available the sizing rule lands on the 50% capital cap, 5000.
func (f *execFixture) opp() *domain.Opportunity {
	return &domain.Opportunity{
		InstrumentID:       f.inst,
		LongSymbolID:       f.binance,
		ShortSymbolID:      f.bybit,
		LongVenue:          domain.VenueBinance,
		ShortVenue:         domain.VenueBybit,
		LongAsk:            50000,
		ShortBid:           50050,
		SpreadBps:          10,
		FundingDelta8h:     0.0005,
		DepthLong:          50000,
		DepthShort:         50000,
		Confidence:         80,
		ProjectedProfitBps: 20,
	}
}

func (f *execFixture) drainEvents() []domain.TradeEvent {
	var out []domain.TradeEvent
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestExecutorOpensDualLeg(t *testing.T) {
	f := newExecFixture(t)

	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))

	require.Equal(t, 1, f.ledger.OpenCount())
	pos := f.ledger.Get(f.inst)
	require.NotNil(t, pos)
	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.Equal(t, 5000.0, pos.Size)
	assert.Equal(t, 50000.0, pos.Long.EntryPrice)
	assert.Equal(t, 50050.0, pos.Short.EntryPrice)
	assert.Equal(t, domain.SideLongLeg, pos.HarderSide)
	assert.False(t, pos.LegOut)
	assert.Equal(t, 5000.0, f.ledger.Available())

	// Harder leg (binance, same tier, alphabetically first) is the limit
	// buy; the easier bybit leg is the limit sell sized off the book.
	require.Len(t, f.long.submits, 1)
	require.Len(t, f.short.submits, 1)
	assert.Equal(t, domain.Buy, f.long.submits[0].Side)
	assert.Equal(t, domain.Limit, f.long.submits[0].Kind)
	assert.Equal(t, 50000.0, f.long.submits[0].Price)
	assert.InDelta(t, 0.1, f.long.submits[0].Size, 1e-9)
	assert.Equal(t, domain.Sell, f.short.submits[0].Side)
	assert.InDelta(t, 0.099, f.short.submits[0].Size, 1e-9)

	evs := f.drainEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventTradeOpened, evs[0].Type)
	assert.Equal(t, uint64(1), f.metrics.Admitted.Load())
	assert.Equal(t, int64(1), f.metrics.TradesOpen.Load())
}

func TestExecutorRejectsWhenHalted(t *testing.T) {
	f := newExecFixture(t)
	f.halt.Set("operator stop")

	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))

	assert.Equal(t, 0, f.ledger.OpenCount())
	assert.Empty(t, f.long.submits)
	assert.Equal(t, uint64(1), f.metrics.Rejects[domain.RejectHalted].Load())

	evs := f.drainEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventRejected, evs[0].Type)
}

func TestExecutorRejectsOpenInstrument(t *testing.T) {
	f := newExecFixture(t)

	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))
	f.drainEvents()

	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))
	assert.Equal(t, 1, f.ledger.OpenCount())
	assert.Equal(t, uint64(1), f.metrics.Rejects[domain.RejectSymbolOpen].Load())
}

func TestExecutorRejectsStaleQuote(t *testing.T) {
	f := newExecFixture(t)

	// Both quotes were received at the fixture's "now"; age them past the
	// admission gate by advancing the executor clock.
	base := time.Hour.Nanoseconds()
	f.exec.now = func() int64 { return base + (250 * time.Millisecond).Nanoseconds() }

	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))

	assert.Equal(t, 0, f.ledger.OpenCount())
	assert.Equal(t, uint64(1), f.metrics.Rejects[domain.RejectStaleQuote].Load())
}

func TestExecutorHarderTimeoutAbandonsEntry(t *testing.T) {
	f := newExecFixture(t)
	f.long.script = []scripted{{out: domain.OrderOutcome{Status: domain.OrderNotFilled}}}

	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))

	assert.Equal(t, 0, f.ledger.OpenCount())
	assert.Empty(t, f.short.submits, "easier leg must not be submitted after a harder timeout")
	assert.Equal(t, uint64(1), f.metrics.Rejects[domain.RejectEntryTimeout].Load())
	assert.Equal(t, 10000.0, f.ledger.Available())
}

func TestExecutorPartialHarderShrinksEntry(t *testing.T) {
	f := newExecFixture(t)

	opp := f.opp()
	// 5000 USD of depth is 0.1 BTC, so the 20% fill threshold is 0.02 BTC
	// and a 0.05 BTC partial counts.
	opp.DepthLong = 5000
	f.long.script = []scripted{{out: domain.OrderOutcome{
		Status:     domain.OrderPartiallyFilled,
		OrderID:    "partial-1",
		FillPrice:  50000,
		FilledSize: 0.05,
	}}}

	require.NoError(t, f.exec.Execute(context.Background(), opp))

	pos := f.ledger.Get(f.inst)
	require.NotNil(t, pos)
	assert.Equal(t, 2500.0, pos.Size, "booked size should shrink to the filled fraction")
	// Easier leg resized to half of 0.099 and re-rounded to the step.
	require.Len(t, f.short.submits, 1)
	assert.InDelta(t, 0.049, f.short.submits[0].Size, 1e-9)
	assert.Equal(t, 7500.0, f.ledger.Available())
}

func TestExecutorLegOutHedgesAtMarket(t *testing.T) {
	f := newExecFixture(t)
	f.short.script = []scripted{
		{out: domain.OrderOutcome{Status: domain.OrderNotFilled}},
		{out: domain.OrderOutcome{
			Status:     domain.OrderFilled,
			OrderID:    "hedge-1",
			FillPrice:  50040,
			FilledSize: 0.099,
		}},
	}

	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))

	pos := f.ledger.Get(f.inst)
	require.NotNil(t, pos)
	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.True(t, pos.LegOut)
	assert.Equal(t, 50040.0, pos.Short.EntryPrice)

	// Selling 10 USD under the limit on 0.099 units costs 0.99.
	n, loss := f.ledger.LegOuts()
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0.99, loss, 1e-9)
	assert.Equal(t, uint64(1), f.metrics.LegOuts.Load())

	// The hedge went out as a market order.
	require.Len(t, f.short.submits, 2)
	assert.Equal(t, domain.Market, f.short.submits[1].Kind)

	evs := f.drainEvents()
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventLegOut, evs[0].Type)
	assert.Equal(t, domain.EventTradeOpened, evs[1].Type)
}

func TestExecutorHedgeStuckHaltsTrading(t *testing.T) {
	f := newExecFixture(t)
	venueDown := errors.New("venue unreachable")
	f.short.script = []scripted{
		{out: domain.OrderOutcome{Status: domain.OrderNotFilled}},
		{err: venueDown},
		{err: venueDown},
		{err: venueDown},
	}

	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))

	require.True(t, f.halt.Active())
	assert.Contains(t, f.halt.Reason(), "hedge stuck")

	pos := f.ledger.Get(f.inst)
	require.NotNil(t, pos)
	assert.Equal(t, domain.StatusHedging, pos.Status)
	assert.True(t, pos.HedgeStuck)

	evs := f.drainEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventLegOut, evs[0].Type)
	assert.Contains(t, evs[0].Reason, domain.ErrHedgeStuck.Error())

	// Further opportunities bounce off the halt.
	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))
	assert.Equal(t, uint64(1), f.metrics.Rejects[domain.RejectHalted].Load())
}

func TestExecutorExitSettlesThroughLedger(t *testing.T) {
	f := newExecFixture(t)
	require.NoError(t, f.exec.Execute(context.Background(), f.opp()))
	f.drainEvents()

	pos := f.ledger.Get(f.inst)
	require.NotNil(t, pos)

	require.NoError(t, f.exec.ExecuteExit(context.Background(), f.inst, pos, domain.ExitProfitTarget))

	// Closing legs fill at the book: sell long at 49999, buy back short at
	// 50051. On 0.1 units each leg gives up 0.1, so realized is -0.2.
	assert.Equal(t, 0, f.ledger.OpenCount())
	assert.InDelta(t, 9999.8, f.ledger.Available(), 1e-9)
	assert.Equal(t, uint64(1), f.metrics.Exits.Load())
	assert.Equal(t, int64(0), f.metrics.TradesOpen.Load())

	select {
	case trade := <-f.closed:
		assert.InDelta(t, -0.2, trade.RealizedPnLUSD, 1e-9)
		assert.Equal(t, domain.ExitProfitTarget.String(), trade.ExitReason)
	default:
		t.Fatal("no closed trade emitted")
	}

	evs := f.drainEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventTradeClosed, evs[0].Type)
}

func TestHedgeLossSigning(t *testing.T) {
	// A buy hedged above its limit loses money; below it gains.
	assert.Equal(t, 5.0, hedgeLoss(domain.Buy, 100, 105, 1))
	assert.Equal(t, -5.0, hedgeLoss(domain.Buy, 100, 95, 1))
	// A sell hedged below its limit loses money.
	assert.Equal(t, 5.0, hedgeLoss(domain.Sell, 100, 95, 1))
}

func TestRoundToStep(t *testing.T) {
	assert.InDelta(t, 0.099, roundToStep(0.0999, 0.001), 1e-12)
	assert.Equal(t, 0.0999, roundToStep(0.0999, 0))
}
