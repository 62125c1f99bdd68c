package portfolio

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
)

func openParams(inst uint32, size float64) OpenParams {
	return OpenParams{
		TradeID:      uuid.New(),
		InstrumentID: inst,
		Instrument:   "BTC",
		Long: domain.Leg{
			Venue:      domain.VenueBinance,
			EntryPrice: 50000,
		},
		Short: domain.Leg{
			Venue:      domain.VenueBybit,
			EntryPrice: 50050,
		},
		Size:           size,
		Status:         domain.StatusActive,
		EntrySpreadBps: 10,
		OpenedTsMicros: time.Now().UnixMicro(),
	}
}

func TestLedgerOpenDeductsCapital(t *testing.T) {
	l := NewLedger(10000, 8)

	p, err := l.Open(openParams(1, 1000))
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, 9000.0, l.Available())
	assert.Equal(t, 1, l.OpenCount())
	assert.True(t, l.HasOpen(1))
	assert.Same(t, p, l.Get(1))
}

func TestLedgerOpenRejectsDuplicateInstrument(t *testing.T) {
	l := NewLedger(10000, 8)

	_, err := l.Open(openParams(1, 1000))
	require.NoError(t, err)

	_, err = l.Open(openParams(1, 1000))
	assert.ErrorIs(t, err, domain.ErrSymbolOpen)
	assert.Equal(t, 9000.0, l.Available(), "failed open must not touch capital")
}

func TestLedgerOpenRejectsInsufficientCapital(t *testing.T) {
	l := NewLedger(500, 8)

	_, err := l.Open(openParams(1, 1000))
	assert.ErrorIs(t, err, domain.ErrInsufficientCapital)
	assert.Equal(t, 0, l.OpenCount())
}

func TestLedgerOpenRejectsWhenPoolExhausted(t *testing.T) {
	l := NewLedger(100000, 2)

	for i := uint32(1); i <= 2; i++ {
		_, err := l.Open(openParams(i, 100))
		require.NoError(t, err)
	}

	_, err := l.Open(openParams(3, 100))
	require.Error(t, err)
	assert.Equal(t, 2, l.OpenCount())
}

func TestLedgerCloseRestoresCapitalWithPnL(t *testing.T) {
	l := NewLedger(10000, 8)
	_, err := l.Open(openParams(1, 1000))
	require.NoError(t, err)

	trade, err := l.Close(1, 25.5, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 10025.5, l.Available())
	assert.Equal(t, 25.5, l.RealizedPnL())
	assert.Equal(t, 25.5, trade.RealizedPnLUSD)
	assert.Equal(t, "BTC", trade.Instrument)
	assert.Equal(t, "binance", trade.LongVenue)
	assert.Equal(t, "bybit", trade.ShortVenue)
	assert.False(t, l.HasOpen(1))

	closed, wins, losses := l.Stats()
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, wins)
	assert.Equal(t, 0, losses)
}

func TestLedgerCloseCountsLosses(t *testing.T) {
	l := NewLedger(10000, 8)
	_, err := l.Open(openParams(1, 1000))
	require.NoError(t, err)

	_, err = l.Close(1, -12.0, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 9988.0, l.Available())
	_, wins, losses := l.Stats()
	assert.Equal(t, 0, wins)
	assert.Equal(t, 1, losses)
}

func TestLedgerCloseUnknownInstrument(t *testing.T) {
	l := NewLedger(10000, 8)
	_, err := l.Close(99, 0, time.Now())
	assert.Error(t, err)
}

func TestLedgerPoolSlotReuse(t *testing.T) {
	l := NewLedger(10000, 1)

	for i := 0; i < 10; i++ {
		_, err := l.Open(openParams(uint32(i+1), 100))
		require.NoError(t, err)
		_, err = l.Close(uint32(i+1), 1.0, time.Now())
		require.NoError(t, err)
	}

	assert.Equal(t, 10010.0, l.Available())
	assert.NoError(t, l.Verify())
}

func TestLedgerInvariantHoldsAcrossCycles(t *testing.T) {
	l := NewLedger(10000, 16)

	// Interleave opens and closes with uneven PnL so rounding accumulates.
	pnls := []float64{3.17, -1.02, 0.004, 12.9, -7.77}
	for cycle := 0; cycle < 200; cycle++ {
		inst := uint32(cycle%8 + 1)
		if l.HasOpen(inst) {
			_, err := l.Close(inst, pnls[cycle%len(pnls)], time.Now())
			require.NoError(t, err)
		} else {
			_, err := l.Open(openParams(inst, 250.25))
			require.NoError(t, err)
		}
		require.NoError(t, l.Verify())
	}
}

func TestLedgerLegOutAccounting(t *testing.T) {
	l := NewLedger(10000, 8)

	l.RecordLegOut(4.5)
	l.RecordLegOut(0)

	n, loss := l.LegOuts()
	assert.Equal(t, 2, n)
	assert.Equal(t, 4.5, loss)
}

func TestLedgerSnapshot(t *testing.T) {
	l := NewLedger(10000, 8)
	_, err := l.Open(openParams(1, 1000))
	require.NoError(t, err)
	l.RecordLegOut(2.0)

	var snap domain.PortfolioSnapshot
	l.Snapshot(&snap, func(p *domain.Position) (float64, float64, bool) {
		return p.Long.EntryPrice + 100, p.Short.EntryPrice + 100, true
	}, 1234)

	assert.Equal(t, 10000.0, snap.StartingCapital)
	assert.Equal(t, 9000.0, snap.AvailableCapital)
	assert.Equal(t, int64(1234), snap.TsMicros)
	assert.Equal(t, 1, snap.LegOuts)
	require.Len(t, snap.OpenPositions, 1)

	view := snap.OpenPositions[0]
	assert.Equal(t, "BTC", view.Instrument)
	assert.Equal(t, 1000.0, view.SizeUSD)
	// Both legs moved by the same amount, so mark-to-market nets to zero.
	assert.InDelta(t, 0.0, view.UnrealizedPnLUSD, 1e-9)
}

func TestLedgerSnapshotReusesBuffer(t *testing.T) {
	l := NewLedger(10000, 8)
	_, err := l.Open(openParams(1, 1000))
	require.NoError(t, err)

	var snap domain.PortfolioSnapshot
	l.Snapshot(&snap, nil, 0)
	first := &snap.OpenPositions[0]

	l.Snapshot(&snap, nil, 0)
	assert.Same(t, first, &snap.OpenPositions[0], "snapshot should reuse the slice backing array")
}

func TestLedgerRecentClosedNewestFirst(t *testing.T) {
	l := NewLedger(100000, 8)

	for i := 0; i < 5; i++ {
		_, err := l.Open(openParams(1, 100))
		require.NoError(t, err)
		_, err = l.Close(1, float64(i), time.Now())
		require.NoError(t, err)
	}

	got := l.RecentClosed(nil, 3)
	require.Len(t, got, 3)
	assert.Equal(t, 4.0, got[0].RealizedPnLUSD)
	assert.Equal(t, 3.0, got[1].RealizedPnLUSD)
	assert.Equal(t, 2.0, got[2].RealizedPnLUSD)
}

func TestLedgerRecentClosedLimitExceedsHistory(t *testing.T) {
	l := NewLedger(100000, 8)
	_, err := l.Open(openParams(1, 100))
	require.NoError(t, err)
	_, err = l.Close(1, 1.0, time.Now())
	require.NoError(t, err)

	got := l.RecentClosed(nil, 50)
	assert.Len(t, got, 1)
}
