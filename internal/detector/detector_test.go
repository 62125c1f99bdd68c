package detector

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
	"github.com/alanyoungcy/perparb/internal/metrics"
	"github.com/alanyoungcy/perparb/internal/ring"
	"github.com/alanyoungcy/perparb/internal/symbols"
)

type fixture struct {
	det      *Detector
	ingress  *ring.MarketRing
	cursor   *ring.Cursor
	metrics  *metrics.Metrics
	registry *symbols.Registry
	binance  uint32
	bybit    uint32
	nowNanos int64
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		ingress:  ring.NewMarketRing(64),
		registry: symbols.NewRegistry(16),
		metrics:  metrics.New(64),
		nowNanos: time.Hour.Nanoseconds(),
	}
	opps := ring.NewOppRing(64)
	f.cursor = opps.Subscribe()

	var err error
	f.binance, err = f.registry.Intern(domain.VenueBinance, "BTCUSDT")
	require.NoError(t, err)
	f.bybit, err = f.registry.Intern(domain.VenueBybit, "BTCUSDT")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.det = New(cfg, f.ingress, marketstate.NewStore(16), opps, f.registry, f.metrics, logger)
	f.det.now = func() int64 { return f.nowNanos }
	return f
}

// feed pushes one full update (prices, funding, depth) and steps the
// detector once.
func (f *fixture) feed(t *testing.T, id uint32, bid, ask, funding, depth float64) {
	t.Helper()
	f.ingress.Push(&domain.MarketUpdate{
		SymbolID:    id,
		Flags:       domain.FlagFunding | domain.FlagDepth,
		Bid:         bid,
		Ask:         ask,
		FundingRate: funding,
		DepthBid:    depth,
		DepthAsk:    depth,
		TsMicros:    f.nowNanos / 1000,
	})
	require.True(t, f.det.Step())
}

func (f *fixture) poll() (domain.Opportunity, bool) {
	var opp domain.Opportunity
	ok := f.cursor.Poll(&opp)
	return opp, ok
}

func TestDetectorEmitsOpportunity(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	// Binance ask 50000 vs bybit bid 50300: 60 bps spread. Funding delta
	// 0.01 per cycle. Depth of 1 BTC per side, roughly 50k USD, clears the
	// 2x notional gate. Confidence saturates at 100.
	f.feed(t, f.binance, 49999, 50000, 0.01, 1.0)
	f.feed(t, f.bybit, 50300, 50301, 0.0, 1.0)

	opp, ok := f.poll()
	require.True(t, ok, "expected an opportunity")

	assert.Equal(t, f.registry.InstrumentOf(f.binance), opp.InstrumentID)
	assert.Equal(t, f.binance, opp.LongSymbolID)
	assert.Equal(t, f.bybit, opp.ShortSymbolID)
	assert.Equal(t, domain.VenueBinance, opp.LongVenue)
	assert.Equal(t, domain.VenueBybit, opp.ShortVenue)
	assert.Equal(t, 50000.0, opp.LongAsk)
	assert.Equal(t, 50300.0, opp.ShortBid)
	assert.InDelta(t, 60.0, opp.SpreadBps, 0.01)
	assert.InDelta(t, 0.01, opp.FundingDelta8h, 1e-12)
	assert.Equal(t, 100.0, opp.Confidence)

	// 60 bps minus binance taker 4, bybit taker 5.5, slippage
	// 2 + 3*1000/50000, and one 10 bps funding cycle.
	wantProjected := 60.0 - 4.0 - 5.5 - (2.0 + 3.0*1000.0/50000.0) - 10.0
	assert.InDelta(t, wantProjected, opp.ProjectedProfitBps, 0.05)

	// Only one direction clears the spread gate.
	_, ok = f.poll()
	assert.False(t, ok, "reverse direction should not be emitted")
}

func TestDetectorSpreadGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	f := newFixture(t, cfg)

	// Bybit bid 50040 over binance ask 50000 is 8 bps, under the minimum.
	f.feed(t, f.binance, 49999, 50000, 0.01, 1.0)
	f.feed(t, f.bybit, 50040, 50041, 0.0, 1.0)

	_, ok := f.poll()
	assert.False(t, ok)
	assert.Greater(t, f.metrics.GateSpread.Load(), uint64(0))
}

func TestDetectorFundingBoundaryIsStrict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	f := newFixture(t, cfg)

	// Funding delta exactly at the 0.0001 minimum must fail.
	f.feed(t, f.binance, 49999, 50000, 0.0001, 1.0)
	f.feed(t, f.bybit, 50300, 50301, 0.0, 1.0)

	_, ok := f.poll()
	assert.False(t, ok)
	assert.Greater(t, f.metrics.GateFunding.Load(), uint64(0))
}

func TestDetectorLatencyGate(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.feed(t, f.binance, 49999, 50000, 0.01, 1.0)

	// The binance quote ages past MaxQuoteAge before the bybit update
	// arrives, so the pair must be gated on latency.
	f.nowNanos += (300 * time.Millisecond).Nanoseconds()
	f.feed(t, f.bybit, 50300, 50301, 0.0, 1.0)

	_, ok := f.poll()
	assert.False(t, ok)
	assert.Greater(t, f.metrics.GateLatency.Load(), uint64(0))
}

func TestDetectorDepthGate(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	// 0.03 BTC at 50k is 1500 USD a side, under the 2x notional
	// requirement for a 1000 USD position.
	f.feed(t, f.binance, 49999, 50000, 0.01, 0.03)
	f.feed(t, f.bybit, 50300, 50301, 0.0, 0.03)

	_, ok := f.poll()
	assert.False(t, ok)
	assert.Greater(t, f.metrics.GateDepth.Load(), uint64(0))
}

func TestDetectorProfitGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpreadBps = 5.0
	cfg.MinConfidence = 0
	f := newFixture(t, cfg)

	// 12 bps of spread cannot cover 9.5 bps of taker fees plus slippage
	// plus a 10 bps funding cycle.
	f.feed(t, f.binance, 49999, 50000, 0.01, 1.0)
	f.feed(t, f.bybit, 50060, 50061, 0.0, 1.0)

	_, ok := f.poll()
	assert.False(t, ok)
	assert.Greater(t, f.metrics.GateProfit.Load(), uint64(0))
}

func TestDetectorSingleVenueNoCandidates(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	only, err := f.registry.Intern(domain.VenueBinance, "SOLUSDT")
	require.NoError(t, err)

	f.feed(t, only, 100, 100.1, 0.01, 100)

	_, ok := f.poll()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), f.metrics.PairsChecked.Load())
}

func TestDetectorMalformedCounted(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.ingress.Push(&domain.MarketUpdate{SymbolID: f.binance, Bid: 101, Ask: 100})
	require.True(t, f.det.Step())

	assert.Equal(t, uint64(1), f.metrics.UpdatesMalformed.Load())
	assert.Equal(t, uint64(0), f.metrics.UpdatesApplied.Load())
}

func TestConfidenceScoring(t *testing.T) {
	// Saturated on both components: 50 + 30 + 20.
	assert.Equal(t, 100.0, Confidence(50, 0.01))
	// Zero signal leaves only the base.
	assert.Equal(t, 20.0, Confidence(0, 0))
	// 25 bps is half the spread weight; funding sign is ignored.
	assert.InDelta(t, 25.0+3.0+20.0, Confidence(25, -0.001), 1e-9)
}

func TestSlippageEstimate(t *testing.T) {
	// Formula region: 2 + 3 * size/depth.
	assert.InDelta(t, 2.3, SlippageBps(1000, 10000), 1e-9)
	// Thin depth clamps at 5.
	assert.Equal(t, 5.0, SlippageBps(1000, 500))
	// Degenerate depth clamps at 5.
	assert.Equal(t, 5.0, SlippageBps(1000, 0))
}
