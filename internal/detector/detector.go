// Package detector consumes the ingress ring, maintains market state, and
// emits delta-neutral candidates into the broadcast opportunity ring. The
// loop runs on a pinned OS thread and allocates nothing after warm-up.
package detector

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
	"github.com/alanyoungcy/perparb/internal/metrics"
	"github.com/alanyoungcy/perparb/internal/ring"
	"github.com/alanyoungcy/perparb/internal/symbols"
)

// Config carries the detection thresholds. The spread, funding and profit
// comparisons are strict, so a value sitting exactly on those minimums
// fails; depth of exactly twice the size and confidence of exactly
// MinConfidence pass.
type Config struct {
	MinSpreadBps    float64
	MinFundingDelta float64
	MinConfidence   float64
	// PositionSizeUSD is the sizing assumption used by the depth gate
	// and the slippage estimate; actual sizing happens at admission.
	PositionSizeUSD float64
	// FundingCostBps is charged once per projected funding cycle.
	FundingCostBps float64
	FundingCycles  int
	// MaxQuoteAge is the latency gate: both venues' quotes must be
	// strictly younger than this.
	MaxQuoteAge time.Duration
	// Core pins the detector thread; negative leaves it floating.
	Core int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinSpreadBps:    10.0,
		MinFundingDelta: 0.0001,
		MinConfidence:   70.0,
		PositionSizeUSD: 1000.0,
		FundingCostBps:  10.0,
		FundingCycles:   1,
		MaxQuoteAge:     200 * time.Millisecond,
		Core:            -1,
	}
}

const spinBudget = 256

// Detector owns the market state store and the producer side of the
// opportunity ring.
type Detector struct {
	cfg      Config
	ingress  *ring.MarketRing
	store    *marketstate.Store
	opps     *ring.OppRing
	registry *symbols.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	now func() int64

	// pre-allocated scratch, touched only by the detector thread
	members   []uint32
	quotes    [domain.VenueCount]marketstate.Quote
	quoteOK   [domain.VenueCount]bool
}

// New wires a detector. The store passed in becomes detector-owned: no
// other goroutine may call its writer methods afterwards.
func New(
	cfg Config,
	ingress *ring.MarketRing,
	store *marketstate.Store,
	opps *ring.OppRing,
	registry *symbols.Registry,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Detector {
	return &Detector{
		cfg:      cfg,
		ingress:  ingress,
		store:    store,
		opps:     opps,
		registry: registry,
		metrics:  m,
		logger:   logger.With(slog.String("component", "detector")),
		now:      func() int64 { return time.Now().UnixNano() },
		members:  make([]uint32, 0, domain.VenueCount),
	}
}

// Run executes the detect loop until ctx is cancelled. It pins the calling
// goroutine to its OS thread (and to cfg.Core when non-negative) for the
// duration.
func (d *Detector) Run(ctx context.Context) error {
	if err := ring.Pin(d.cfg.Core); err != nil {
		d.logger.Warn("core pinning failed, running unpinned", slog.String("error", err.Error()))
	}
	defer ring.Unpin()
	d.logger.Info("detector started", slog.Int("core", d.cfg.Core))
	defer d.logger.Info("detector stopped")

	var u domain.MarketUpdate
	for {
		if d.ingress.PopSpin(&u, spinBudget) {
			d.handle(&u)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		runtime.Gosched()
	}
}

// Step processes at most one pending update. Exposed for deterministic
// tests; Run is the production loop.
func (d *Detector) Step() bool {
	var u domain.MarketUpdate
	if !d.ingress.Pop(&u) {
		return false
	}
	d.handle(&u)
	return true
}

func (d *Detector) handle(u *domain.MarketUpdate) {
	recv := d.now()
	if err := d.store.Apply(u, recv); err != nil {
		d.metrics.UpdatesMalformed.Inc()
		return
	}
	d.metrics.UpdatesApplied.Inc()
	d.metrics.IngressToDetect.Record(recv/1000 - u.TsMicros)

	inst := d.registry.InstrumentOf(u.SymbolID)
	d.members = d.registry.Members(inst, d.members)
	if len(d.members) < 2 {
		return
	}

	// Load every member's quote once; a stale venue is treated as not
	// present and generates no candidates.
	n := 0
	for _, id := range d.members {
		d.quoteOK[n] = d.store.Get(id, &d.quotes[n]) && !d.quotes[n].Stale(recv)
		n++
	}

	for i := 0; i < len(d.members); i++ {
		if !d.quoteOK[i] {
			continue
		}
		for j := i + 1; j < len(d.members); j++ {
			if !d.quoteOK[j] {
				continue
			}
			d.evaluate(inst, d.members[i], d.members[j], &d.quotes[i], &d.quotes[j], recv)
			d.evaluate(inst, d.members[j], d.members[i], &d.quotes[j], &d.quotes[i], recv)
		}
	}
}

// evaluate checks one direction (buy longID at its ask, sell shortID at its
// bid) and publishes the candidate when every gate passes.
func (d *Detector) evaluate(inst, longID, shortID uint32, long, short *marketstate.Quote, nowNanos int64) {
	d.metrics.PairsChecked.Inc()

	spread := (short.Bid - long.Ask) / long.Ask * 10000
	if !(spread > d.cfg.MinSpreadBps) {
		d.metrics.GateSpread.Inc()
		return
	}

	if !long.Fresh(nowNanos, d.cfg.MaxQuoteAge) || !short.Fresh(nowNanos, d.cfg.MaxQuoteAge) {
		d.metrics.GateLatency.Inc()
		return
	}

	size := d.cfg.PositionSizeUSD
	if !long.HasDepth || !short.HasDepth {
		d.metrics.GateDepth.Inc()
		return
	}
	depthLong := long.DepthAsk * long.Ask
	depthShort := short.DepthBid * short.Bid
	if depthLong < 2*size || depthShort < 2*size {
		d.metrics.GateDepth.Inc()
		return
	}

	if !long.HasFunding || !short.HasFunding {
		d.metrics.GateFunding.Inc()
		return
	}
	fundingDelta := long.FundingRate - short.FundingRate
	if !(math.Abs(fundingDelta) > d.cfg.MinFundingDelta) {
		d.metrics.GateFunding.Inc()
		return
	}

	confidence := Confidence(spread, fundingDelta)
	if confidence < d.cfg.MinConfidence {
		d.metrics.GateConfidence.Inc()
		return
	}

	longVenue, _ := d.registry.Resolve(longID)
	shortVenue, _ := d.registry.Resolve(shortID)
	slippage := SlippageBps(size, math.Min(depthLong, depthShort))
	projected := spread -
		longVenue.TakerFeeBps() -
		shortVenue.TakerFeeBps() -
		slippage -
		d.cfg.FundingCostBps*float64(d.cfg.FundingCycles)
	if !(projected > 0) {
		d.metrics.GateProfit.Inc()
		return
	}

	opp := domain.Opportunity{
		InstrumentID:       inst,
		LongSymbolID:       longID,
		ShortSymbolID:      shortID,
		LongVenue:          longVenue,
		ShortVenue:         shortVenue,
		LongAsk:            long.Ask,
		ShortBid:           short.Bid,
		SpreadBps:          spread,
		FundingDelta8h:     fundingDelta,
		DepthLong:          depthLong,
		DepthShort:         depthShort,
		Confidence:         confidence,
		ProjectedProfitBps: projected,
		TsMicros:           nowNanos / 1000,
	}
	d.opps.Publish(&opp)
	d.metrics.OppEmitted.Inc()
	d.metrics.DetectToEmit.Record((d.now() - nowNanos) / 1000)
}

// Confidence scores a candidate in [0,100]: half the weight on spread
// magnitude saturating at 50 bps, 0.3 on the funding differential
// saturating at 1% per cycle, and a fixed 20-point base.
func Confidence(spreadBps, fundingDelta float64) float64 {
	score := math.Min(spreadBps/50.0, 1.0) * 50.0
	score += math.Min(math.Abs(fundingDelta)/0.01, 1.0) * 30.0
	score += 20.0
	return score
}

// SlippageBps estimates execution slippage for a notional against the
// thinner side's top-of-book depth, clamped to 5 bps.
func SlippageBps(sizeUSD, depthUSD float64) float64 {
	if depthUSD <= 0 {
		return 5.0
	}
	return math.Min(5.0, 2.0+3.0*sizeUSD/depthUSD)
}
