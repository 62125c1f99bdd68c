package domain

// MarketUpdate flag bits. A connector sets a flag only when the matching
// optional fields carry real data.
const (
	FlagFunding uint32 = 1 << iota
	FlagDepth
)

// MarketUpdate is one normalized tick from a venue connector. The struct is
// exactly one cache line (64 bytes) so ring slots never straddle lines.
// Prices are venue quote currency, depths are base-asset quantity at top of
// book, and TsMicros is the venue event time in microseconds.
type MarketUpdate struct {
	SymbolID    uint32
	Flags       uint32
	Bid         float64
	Ask         float64
	FundingRate float64
	DepthBid    float64
	DepthAsk    float64
	TsMicros    int64
	_           [8]byte
}

// HasFunding reports whether FundingRate carries data.
func (u *MarketUpdate) HasFunding() bool { return u.Flags&FlagFunding != 0 }

// HasDepth reports whether DepthBid and DepthAsk carry data.
func (u *MarketUpdate) HasDepth() bool { return u.Flags&FlagDepth != 0 }

// Valid reports whether the update is internally consistent. A crossed or
// non-positive quote is malformed and must not reach market state.
func (u *MarketUpdate) Valid() bool {
	return u.Bid > 0 && u.Ask > 0 && u.Bid <= u.Ask
}
