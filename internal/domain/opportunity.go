package domain

// Opportunity is a detected delta-neutral candidate: buy the long venue at
// its ask, sell the short venue at its bid, collect the funding differential.
// The record is fixed-size and pointer-free so the broadcast ring can copy it
// without allocating; venue and symbol text expansion happens at the UI
// boundary only. LongSymbolID and ShortSymbolID are the per-venue interned
// ids; InstrumentID groups them to one trading symbol.
type Opportunity struct {
	InstrumentID       uint32
	LongSymbolID       uint32
	ShortSymbolID      uint32
	LongVenue          VenueID
	ShortVenue         VenueID
	_                  [2]byte
	LongAsk            float64
	ShortBid           float64
	SpreadBps          float64
	FundingDelta8h     float64
	DepthLong          float64
	DepthShort         float64
	Confidence         float64
	ProjectedProfitBps float64
	TsMicros           int64
}
