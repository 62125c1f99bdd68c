// Package monitor is the exit engine: a pure decision function over open
// positions and the latest quotes. It holds no I/O and no ownership; the
// strategy thread calls it once per sweep and acts on the verdicts.
package monitor

import (
	"math"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// Config carries the exit thresholds.
type Config struct {
	// ProfitTargetFraction of projected profit that locks in a win.
	ProfitTargetFraction float64
	// StopLossMinUSD floors the absolute stop.
	StopLossMinUSD float64
	// StopLossFraction of projected profit for the absolute stop.
	StopLossFraction float64
	// WideningFactor over the entry spread that abandons the trade.
	WideningFactor float64
	// ConvergenceEntryMin is the entry funding delta above which the
	// relative convergence test applies.
	ConvergenceEntryMin float64
	// ConvergenceFraction of the entry delta under which funding has
	// converged.
	ConvergenceFraction float64
	// ConvergenceAbsolute is the unconditional convergence floor.
	ConvergenceAbsolute float64
	// FundingCycle is one venue funding interval.
	FundingCycle time.Duration
	// NegativeCycles is how many consecutive adverse cycles force an
	// exit.
	NegativeCycles uint8
}

// DefaultConfig returns the production exit thresholds.
func DefaultConfig() Config {
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

// Monitor evaluates exit rules in priority order. Stateless apart from the
// per-position funding-cycle counters it maintains inside the positions
// themselves.
type Monitor struct {
	cfg Config
}

// New creates a monitor with the given thresholds.
func New(cfg Config) *Monitor {
	if cfg.FundingCycle <= 0 {
		cfg.FundingCycle = 8 * time.Hour
	}
	return &Monitor{cfg: cfg}
}

// ShouldExit applies the exit rules to one active position. Quotes are nil
// when the venue has no fresh data; price rules are skipped for missing
// sides rather than guessed.
func (m *Monitor) ShouldExit(p *domain.Position, longQ, shortQ *marketstate.Quote, nowNanos int64) (domain.ExitReason, bool) {
	if longQ != nil && shortQ != nil {
		unrealized := p.UnrealizedPnL(longQ.Bid, shortQ.Ask)

		if unrealized >= m.cfg.ProfitTargetFraction*p.ProjectedProfitUSD {
			return domain.ExitProfitTarget, true
		}

		stop := math.Max(m.cfg.StopLossMinUSD, m.cfg.StopLossFraction*p.ProjectedProfitUSD)
		if unrealized <= -stop {
			return domain.ExitStopLoss, true
		}

		spread := (shortQ.Bid - longQ.Ask) / longQ.Ask * 10000
		if spread > m.cfg.WideningFactor*p.EntrySpreadBps {
			return domain.ExitSpreadWidening, true
		}
	}

	if longQ != nil && shortQ != nil && longQ.HasFunding && shortQ.HasFunding {
		delta := longQ.FundingRate - shortQ.FundingRate

		entry := math.Abs(p.EntryFundingDelta)
		if entry > m.cfg.ConvergenceEntryMin && math.Abs(delta) < m.cfg.ConvergenceFraction*entry {
			return domain.ExitFundingConvergence, true
		}
		if math.Abs(delta) < m.cfg.ConvergenceAbsolute {
			return domain.ExitFundingConvergence, true
		}

		if m.fundingAdverse(p, delta, nowNanos) {
			return domain.ExitNegativeFunding, true
		}
	}

	return domain.ExitNone, false
}

// fundingAdverse advances the per-position cycle counter once per funding
// cycle and reports whether the delta has sat on the wrong side of the
// entry for the configured number of consecutive cycles.
func (m *Monitor) fundingAdverse(p *domain.Position, delta float64, nowNanos int64) bool {
	cycle := nowNanos / m.cfg.FundingCycle.Nanoseconds()
	if cycle == p.LastFundingCycle {
		return p.NegFundingCycles >= m.cfg.NegativeCycles
	}
	p.LastFundingCycle = cycle

	adverse := p.EntryFundingDelta != 0 && delta*p.EntryFundingDelta < 0
	if adverse {
		if p.NegFundingCycles < math.MaxUint8 {
			p.NegFundingCycles++
		}
	} else {
		p.NegFundingCycles = 0
	}
	return p.NegFundingCycles >= m.cfg.NegativeCycles
}
