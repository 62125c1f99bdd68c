package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVenueRoundTrip(t *testing.T) {
	for _, v := range Venues() {
		assert.Equal(t, v, ParseVenue(v.String()), v.String())
	}
	assert.Equal(t, VenueBinance, ParseVenue("BINANCE"))
	assert.Equal(t, VenueGateio, ParseVenue("gate.io"))
	assert.Equal(t, VenueUnknown, ParseVenue("ftx"))
}

func TestHarderLegPicksLowerLiquidity(t *testing.T) {
	// Hyperliquid (tier 3) against binance (tier 1): the thin venue is harder.
	assert.Equal(t, SideLongLeg, HarderLeg(VenueHyperliquid, VenueBinance))
	assert.Equal(t, SideShortLeg, HarderLeg(VenueBinance, VenueHyperliquid))
}

func TestHarderLegSameTierAlphabetical(t *testing.T) {
	// binance and bybit are both tier 1; "binance" sorts first.
	assert.Equal(t, SideLongLeg, HarderLeg(VenueBinance, VenueBybit))
	assert.Equal(t, SideShortLeg, HarderLeg(VenueBybit, VenueBinance))
}

func TestTakerFeeFallback(t *testing.T) {
	assert.Equal(t, 4.0, VenueBinance.TakerFeeBps())
	assert.Equal(t, 6.0, VenueLighter.TakerFeeBps())
	assert.Equal(t, 6.0, VenueID(200).TakerFeeBps())
}

func TestStatusTransitionsAreForwardOnly(t *testing.T) {
	allowed := map[PositionStatus][]PositionStatus{
		StatusPendingHarder: {StatusPendingEasier},
		StatusPendingEasier: {StatusActive, StatusHedging},
		StatusHedging:       {StatusActive},
		StatusActive:        {StatusExiting},
		StatusExiting:       {StatusClosed},
		StatusClosed:        nil,
	}

	all := []PositionStatus{
		StatusPendingHarder, StatusPendingEasier, StatusActive,
		StatusHedging, StatusExiting, StatusClosed,
	}
	for from, oks := range allowed {
		okSet := map[PositionStatus]bool{}
		for _, s := range oks {
			okSet[s] = true
		}
		for _, to := range all {
			assert.Equal(t, okSet[to], from.CanTransition(to),
				"%s -> %s", from, to)
		}
	}
}

func TestPositionBaseUnitsAndPnL(t *testing.T) {
	p := &Position{
		Size:  5000,
		Long:  Leg{EntryPrice: 50000},
		Short: Leg{EntryPrice: 50050},
	}

	assert.Equal(t, 0.1, p.BaseUnits())

	// Long leg up 100, short leg up 40: 0.1*100 - 0.1*40 = 6.
	assert.InDelta(t, 6.0, p.UnrealizedPnL(50100, 50090), 1e-9)

	// Unfilled long leg yields zero units and zero PnL.
	empty := &Position{Size: 5000}
	assert.Zero(t, empty.BaseUnits())
	assert.Zero(t, empty.UnrealizedPnL(50100, 50090))
}

func TestExitReasonStrings(t *testing.T) {
	assert.Equal(t, "profit_target", ExitProfitTarget.String())
	assert.Equal(t, "stop_loss", ExitStopLoss.String())
	assert.Equal(t, "none", ExitNone.String())
}
