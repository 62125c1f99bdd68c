package handler

import (
	"context"
	"net/http"
	"sync"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// SnapshotCache holds the latest portfolio snapshot for the HTTP surface.
// The strategy thread publishes snapshots on its own cadence; the cache keeps
// the most recent one so a request never touches the ledger.
type SnapshotCache struct {
	mu   sync.RWMutex
	snap domain.PortfolioSnapshot
	ok   bool
}

// Store replaces the cached snapshot.
func (c *SnapshotCache) Store(snap *domain.PortfolioSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = *snap
	c.ok = true
}

// Load returns a copy of the cached snapshot and whether one exists yet.
func (c *SnapshotCache) Load() (domain.PortfolioSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, c.ok
}

// TradeLister reads recent closed trades from the durable store.
type TradeLister interface {
	ListRecent(ctx context.Context, limit int) ([]domain.ClosedTrade, error)
}

// PortfolioHandler serves portfolio and trade-history endpoints.
type PortfolioHandler struct {
	snapshots *SnapshotCache
	trades    TradeLister
}

// NewPortfolioHandler creates the portfolio handler. trades may be nil when
// no durable store is configured.
func NewPortfolioHandler(snapshots *SnapshotCache, trades TradeLister) *PortfolioHandler {
	return &PortfolioHandler{
		snapshots: snapshots,
		trades:    trades,
	}
}

// Portfolio returns the latest portfolio snapshot.
// GET /api/portfolio
func (h *PortfolioHandler) Portfolio(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshots.Load()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Trades returns the most recent closed trades.
// GET /api/trades?limit=N
func (h *PortfolioHandler) Trades(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeJSON(w, http.StatusOK, []domain.ClosedTrade{})
		return
	}

	trades, err := h.trades.ListRecent(r.Context(), parseLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing trades failed")
		return
	}
	if trades == nil {
		trades = []domain.ClosedTrade{}
	}
	writeJSON(w, http.StatusOK, trades)
}
