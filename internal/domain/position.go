package domain

import "github.com/google/uuid"

// PositionStatus tags where a position sits in its entry/exit lifecycle.
// Transitions are strictly forward; see CanTransition.
type PositionStatus uint8

const (
	StatusPendingHarder PositionStatus = iota + 1
	StatusPendingEasier
	StatusActive
	StatusHedging
	StatusExiting
	StatusClosed
)

func (s PositionStatus) String() string {
	switch s {
	case StatusPendingHarder:
		return "pending_harder"
	case StatusPendingEasier:
		return "pending_easier"
	case StatusActive:
		return "active"
	case StatusHedging:
		return "hedging"
	case StatusExiting:
		return "exiting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next follows the forward
// order of the entry and exit state machines. No reverse edge exists.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	switch s {
	case StatusPendingHarder:
		return next == StatusPendingEasier
	case StatusPendingEasier:
		return next == StatusActive || next == StatusHedging
	case StatusHedging:
		return next == StatusActive
	case StatusActive:
		return next == StatusExiting
	case StatusExiting:
		return next == StatusClosed
	default:
		return false
	}
}

// ExitReason records which rule closed a position.
type ExitReason uint8

const (
	ExitNone ExitReason = iota
	ExitProfitTarget
	ExitStopLoss
	ExitSpreadWidening
	ExitFundingConvergence
	ExitNegativeFunding
	ExitShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitProfitTarget:
		return "profit_target"
	case ExitStopLoss:
		return "stop_loss"
	case ExitSpreadWidening:
		return "spread_widening"
	case ExitFundingConvergence:
		return "funding_convergence"
	case ExitNegativeFunding:
		return "negative_funding"
	case ExitShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Leg is one side of a delta-neutral position.
type Leg struct {
	Venue        VenueID
	SymbolID     uint32
	EntryPrice   float64
	ExitPrice    float64
	OrderID      string
	FillTsMicros int64
}

// Position is a dual-leg delta-neutral trade. It is created on entry
// acceptance, mutated only by the strategy thread, and appended to the
// closed log on closure. Size is notional USD shared by both legs.
type Position struct {
	TradeID    uuid.UUID
	Instrument string
	Long       Leg
	Short      Leg
	Size       float64
	Status     PositionStatus
	HarderSide PositionSide

	EntrySpreadBps     float64
	EntryFundingDelta  float64
	ProjectedProfitUSD float64
	OpenedTsMicros     int64

	ExitReason ExitReason

	// LegOut is set when entry completed through the hedging branch.
	LegOut bool
	// HedgeStuck marks a position whose hedge retries were exhausted;
	// new admissions are blocked until an operator intervenes.
	HedgeStuck bool

	// NegFundingCycles counts consecutive 8h funding cycles observed with
	// the delta in the unfavourable direction. Two forces an exit.
	NegFundingCycles uint8
	LastFundingCycle int64
}

// BaseUnits converts the shared notional size to base-asset units at the
// long entry price. Both legs carry the same base quantity.
func (p *Position) BaseUnits() float64 {
	if p.Long.EntryPrice <= 0 {
		return 0
	}
	return p.Size / p.Long.EntryPrice
}

// UnrealizedPnL computes mark-to-market profit in USD for the current long
// and short prices.
func (p *Position) UnrealizedPnL(currentLong, currentShort float64) float64 {
	units := p.BaseUnits()
	return (currentLong-p.Long.EntryPrice)*units - (currentShort-p.Short.EntryPrice)*units
}
