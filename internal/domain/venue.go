package domain

import "strings"

// VenueID identifies a futures venue. IDs are dense and stable for the
// process lifetime so they can index fixed-size arrays on the hot path.
type VenueID uint8

const (
	VenueUnknown VenueID = iota
	VenueBinance
	VenueOKX
	VenueBybit
	VenueBitget
	VenueKucoin
	VenueHyperliquid
	VenueParadex
	VenueGateio
	VenueDeribit
	VenueLighter

	// VenueCount bounds per-venue arrays, including the unknown slot.
	VenueCount
)

var venueNames = [VenueCount]string{
	VenueUnknown:     "",
	VenueBinance:     "binance",
	VenueOKX:         "okx",
	VenueBybit:       "bybit",
	VenueBitget:      "bitget",
	VenueKucoin:      "kucoin",
	VenueHyperliquid: "hyperliquid",
	VenueParadex:     "paradex",
	VenueGateio:      "gateio",
	VenueDeribit:     "deribit",
	VenueLighter:     "lighter",
}

// takerFeeBps holds per-venue taker fees in basis points. Venues without a
// negotiated schedule fall back to 6.0 bps.
var takerFeeBps = func() [VenueCount]float64 {
	var fees [VenueCount]float64
	for i := range fees {
		fees[i] = 6.0
	}
	fees[VenueBinance] = 4.0
	fees[VenueOKX] = 5.0
	fees[VenueBybit] = 5.5
	fees[VenueBitget] = 6.0
	fees[VenueKucoin] = 6.0
	fees[VenueHyperliquid] = 4.5
	fees[VenueParadex] = 5.0
	fees[VenueGateio] = 6.0
	return fees
}()

// liquidityTier ranks venues by expected fill quality. Tier 1 is the most
// liquid; unknown venues are treated as tier 3.
var liquidityTier = func() [VenueCount]uint8 {
	var tiers [VenueCount]uint8
	for i := range tiers {
		tiers[i] = 3
	}
	tiers[VenueBinance] = 1
	tiers[VenueBybit] = 1
	tiers[VenueOKX] = 1
	tiers[VenueDeribit] = 1
	tiers[VenueBitget] = 2
	tiers[VenueKucoin] = 2
	tiers[VenueGateio] = 2
	tiers[VenueHyperliquid] = 3
	tiers[VenueParadex] = 3
	tiers[VenueLighter] = 3
	return tiers
}()

// String returns the lowercase venue name, or "" for the unknown venue.
func (v VenueID) String() string {
	if v >= VenueCount {
		return ""
	}
	return venueNames[v]
}

// TakerFeeBps returns the venue's taker fee in basis points.
func (v VenueID) TakerFeeBps() float64 {
	if v >= VenueCount {
		return 6.0
	}
	return takerFeeBps[v]
}

// LiquidityTier returns the venue's liquidity tier (1 = most liquid).
func (v VenueID) LiquidityTier() uint8 {
	if v >= VenueCount {
		return 3
	}
	return liquidityTier[v]
}

// ParseVenue maps a venue name (case-insensitive) to its VenueID.
// Unrecognized names map to VenueUnknown.
func ParseVenue(name string) VenueID {
	switch strings.ToLower(name) {
	case "binance":
		return VenueBinance
	case "okx":
		return VenueOKX
	case "bybit":
		return VenueBybit
	case "bitget":
		return VenueBitget
	case "kucoin":
		return VenueKucoin
	case "hyperliquid":
		return VenueHyperliquid
	case "paradex":
		return VenueParadex
	case "gate", "gateio", "gate.io":
		return VenueGateio
	case "deribit":
		return VenueDeribit
	case "lighter":
		return VenueLighter
	default:
		return VenueUnknown
	}
}

// Venues lists every known venue id, excluding VenueUnknown.
func Venues() []VenueID {
	out := make([]VenueID, 0, VenueCount-1)
	for v := VenueID(1); v < VenueCount; v++ {
		out = append(out, v)
	}
	return out
}

// PositionSide distinguishes the two legs of a delta-neutral position.
type PositionSide uint8

const (
	SideLongLeg PositionSide = iota
	SideShortLeg
)

func (s PositionSide) String() string {
	if s == SideLongLeg {
		return "long"
	}
	return "short"
}

// HarderLeg reports which leg of a two-venue trade is harder to fill. The
// leg on the lower-liquidity venue is harder; within the same tier the venue
// that sorts first alphabetically is taken as harder so the choice is
// deterministic.
func HarderLeg(longVenue, shortVenue VenueID) PositionSide {
	lt, st := longVenue.LiquidityTier(), shortVenue.LiquidityTier()
	switch {
	case lt > st:
		return SideLongLeg
	case st > lt:
		return SideShortLeg
	}
	ln, sn := longVenue.String(), shortVenue.String()
	if sn < ln {
		return SideShortLeg
	}
	return SideLongLeg
}
