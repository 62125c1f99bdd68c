package domain

// OpenPositionView is the read-only projection of one open position carried
// inside a portfolio snapshot.
type OpenPositionView struct {
	TradeID            string  `json:"trade_id"`
	Instrument         string  `json:"instrument"`
	LongVenue          string  `json:"long_venue"`
	ShortVenue         string  `json:"short_venue"`
	SizeUSD            float64 `json:"size_usd"`
	Status             string  `json:"status"`
	EntrySpreadBps     float64 `json:"entry_spread_bps"`
	ProjectedProfitUSD float64 `json:"projected_profit_usd"`
	UnrealizedPnLUSD   float64 `json:"unrealized_pnl_usd"`
	OpenedTsMicros     int64   `json:"opened_ts_micros"`
}

// PortfolioSnapshot is an atomic read-only copy of the ledger handed to
// cold-path readers (persistence, UI, metrics). Ledger.Snapshot fills the
// snapshot it is given and reuses that snapshot's OpenPositions slice; the
// strategy loop passes a fresh snapshot each time, so every published
// snapshot allocates its own positions slice.
type PortfolioSnapshot struct {
	StartingCapital  float64            `json:"starting_capital"`
	AvailableCapital float64            `json:"available_capital"`
	RealizedPnLUSD   float64            `json:"realized_pnl_usd"`
	OpenPositions    []OpenPositionView `json:"open_positions"`
	ClosedTrades     int                `json:"closed_trades"`
	Wins             int                `json:"wins"`
	Losses           int                `json:"losses"`
	LegOuts          int                `json:"leg_outs"`
	LegOutLossUSD    float64            `json:"leg_out_loss_usd"`
	Halted           bool               `json:"halted"`
	HaltReason       string             `json:"halt_reason,omitempty"`
	TsMicros         int64              `json:"ts_micros"`
}
