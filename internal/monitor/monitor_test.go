package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

func testConfig() Config {
	return Config{
		ProfitTargetFraction: 0.9,
		StopLossMinUSD:       5.0,
		StopLossFraction:     0.5,
		WideningFactor:       1.3,
		ConvergenceEntryMin:  0.0001,
		ConvergenceFraction:  0.20,
		ConvergenceAbsolute:  0.00005,
		FundingCycle:         8 * time.Hour,
		NegativeCycles:       2,
	}
}

// testPosition is long binance at 50000, short bybit at 50050, 1000 USD
// notional, so base units are 0.02 and each dollar of price move on one leg
// is worth 0.02 USD of PnL.
func testPosition() *domain.Position {
	return &domain.Position{
		Instrument:         "BTC",
		Long:               domain.Leg{Venue: domain.VenueBinance, EntryPrice: 50000},
		Short:              domain.Leg{Venue: domain.VenueBybit, EntryPrice: 50050},
		Size:               1000,
		Status:             domain.StatusActive,
		EntrySpreadBps:     10,
		EntryFundingDelta:  0.0005,
		ProjectedProfitUSD: 20,
	}
}

func quotes(longBid, longAsk, shortBid, shortAsk float64) (*marketstate.Quote, *marketstate.Quote) {
	longQ := &marketstate.Quote{Bid: longBid, Ask: longAsk}
	shortQ := &marketstate.Quote{Bid: shortBid, Ask: shortAsk}
	return longQ, shortQ
}

func TestProfitTargetExit(t *testing.T) {
	m := New(testConfig())
	p := testPosition()

	// Long bid up 1000, short ask up 50: unrealized = 0.02*1000 - 0.02*50 = 19,
	// beyond 0.9 * 20 = 18.
	longQ, shortQ := quotes(51000, 51001, 50099, 50100)

	reason, exit := m.ShouldExit(p, longQ, shortQ, 0)
	assert.True(t, exit)
	assert.Equal(t, domain.ExitProfitTarget, reason)
}

func TestProfitTargetNotReached(t *testing.T) {
	m := New(testConfig())
	p := testPosition()

	// Unrealized is roughly 10, below the 18 target, spread narrowed,
	// funding delta still wide: hold.
	longQ, shortQ := quotes(50500, 50501, 50040, 50041)
	longQ.HasFunding, shortQ.HasFunding = true, true
	longQ.FundingRate, shortQ.FundingRate = 0.0005, 0.0

	reason, exit := m.ShouldExit(p, longQ, shortQ, 0)
	assert.False(t, exit)
	assert.Equal(t, domain.ExitNone, reason)
}

func TestStopLossExit(t *testing.T) {
	m := New(testConfig())
	p := testPosition()

	// Long bid down 600: unrealized = -12, past the stop at
	// max(5, 0.5*20) = 10.
	longQ, shortQ := quotes(49400, 49401, 50049, 50050)

	reason, exit := m.ShouldExit(p, longQ, shortQ, 0)
	assert.True(t, exit)
	assert.Equal(t, domain.ExitStopLoss, reason)
}

func TestStopLossFloorApplies(t *testing.T) {
	cfg := testConfig()
	cfg.StopLossFraction = 0.01 // fraction stop would be 0.20 USD
	m := New(cfg)
	p := testPosition()

	// Short ask up 200: unrealized = -0.02*200 = -4, inside the 5 USD floor,
	// and the bid/ask spread stays under the widening threshold: hold.
	longQ, shortQ := quotes(50000, 50001, 50049, 50250)

	_, exit := m.ShouldExit(p, longQ, shortQ, 0)
	assert.False(t, exit)
}

func TestSpreadWideningExit(t *testing.T) {
	// Neutralize the PnL rules by a stop that cannot trip.
	cfg := testConfig()
	cfg.StopLossMinUSD = 1e9
	cfg.StopLossFraction = 0
	m := New(cfg)

	p := testPosition()
	p.ProjectedProfitUSD = 1e9 // keep the profit target out of reach

	// Short bid 50070 vs long ask 50000: spread 14 bps > 1.3 * 10.
	longQ, shortQ := quotes(49999, 50000, 50070, 50071)

	reason, exit := m.ShouldExit(p, longQ, shortQ, 0)
	assert.True(t, exit)
	assert.Equal(t, domain.ExitSpreadWidening, reason)
}

func TestFundingConvergenceRelative(t *testing.T) {
	m := New(testConfig())
	p := testPosition() // entry delta 0.0005

	longQ, shortQ := quotes(50000, 50001, 50049, 50050)
	longQ.HasFunding, shortQ.HasFunding = true, true
	// Delta 0.00008 < 0.20 * 0.0005 = 0.0001: converged.
	longQ.FundingRate, shortQ.FundingRate = 0.00008, 0.0

	reason, exit := m.ShouldExit(p, longQ, shortQ, 0)
	assert.True(t, exit)
	assert.Equal(t, domain.ExitFundingConvergence, reason)
}

func TestFundingConvergenceAbsolute(t *testing.T) {
	m := New(testConfig())
	p := testPosition()
	p.EntryFundingDelta = 0.00005 // below ConvergenceEntryMin, relative rule off

	longQ, shortQ := quotes(50000, 50001, 50049, 50050)
	longQ.HasFunding, shortQ.HasFunding = true, true
	longQ.FundingRate, shortQ.FundingRate = 0.00004, 0.0

	reason, exit := m.ShouldExit(p, longQ, shortQ, 0)
	assert.True(t, exit)
	assert.Equal(t, domain.ExitFundingConvergence, reason)
}

func TestNegativeFundingNeedsConsecutiveCycles(t *testing.T) {
	m := New(testConfig())
	p := testPosition() // entry delta positive

	longQ, shortQ := quotes(50000, 50001, 50049, 50050)
	longQ.HasFunding, shortQ.HasFunding = true, true
	// Delta flipped sign but still wide enough to dodge convergence.
	longQ.FundingRate, shortQ.FundingRate = 0.0, 0.0005

	cycle := (8 * time.Hour).Nanoseconds()

	// First adverse cycle: hold.
	_, exit := m.ShouldExit(p, longQ, shortQ, 1*cycle)
	assert.False(t, exit)

	// Same cycle observed again: still hold, the counter must not advance.
	_, exit = m.ShouldExit(p, longQ, shortQ, 1*cycle+1)
	assert.False(t, exit)

	// Second consecutive adverse cycle: exit.
	reason, exit := m.ShouldExit(p, longQ, shortQ, 2*cycle)
	assert.True(t, exit)
	assert.Equal(t, domain.ExitNegativeFunding, reason)
}

func TestNegativeFundingCounterResets(t *testing.T) {
	m := New(testConfig())
	p := testPosition()

	longQ, shortQ := quotes(50000, 50001, 50049, 50050)
	longQ.HasFunding, shortQ.HasFunding = true, true
	cycle := (8 * time.Hour).Nanoseconds()

	longQ.FundingRate, shortQ.FundingRate = 0.0, 0.0005 // adverse
	_, exit := m.ShouldExit(p, longQ, shortQ, 1*cycle)
	assert.False(t, exit)

	longQ.FundingRate, shortQ.FundingRate = 0.0005, 0.0 // favourable again
	_, exit = m.ShouldExit(p, longQ, shortQ, 2*cycle)
	assert.False(t, exit)

	longQ.FundingRate, shortQ.FundingRate = 0.0, 0.0005 // adverse once more
	_, exit = m.ShouldExit(p, longQ, shortQ, 3*cycle)
	assert.False(t, exit, "counter should have reset after a favourable cycle")
}

func TestMissingQuotesSkipPriceRules(t *testing.T) {
	m := New(testConfig())
	p := testPosition()

	_, exit := m.ShouldExit(p, nil, nil, 0)
	assert.False(t, exit)

	longQ, _ := quotes(49000, 49001, 0, 0)
	_, exit = m.ShouldExit(p, longQ, nil, 0)
	assert.False(t, exit, "one-sided quotes must not trigger price exits")
}

func TestMissingFundingSkipsFundingRules(t *testing.T) {
	m := New(testConfig())
	p := testPosition()

	longQ, shortQ := quotes(50000, 50001, 50049, 50050)
	longQ.HasFunding = true // short side missing

	_, exit := m.ShouldExit(p, longQ, shortQ, 0)
	assert.False(t, exit)
}
