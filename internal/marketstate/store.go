// Package marketstate keeps the latest quote, funding, and depth per
// interned symbol id in struct-of-arrays form. The detector thread is the
// only writer; the strategy thread reads consistent copies through a
// per-symbol sequence lock, so no mutex exists anywhere in the store.
package marketstate

import (
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// StaleAfter is the age at which a venue's data stops generating or
// admitting candidates. An update exactly this old is already stale.
const StaleAfter = 5 * time.Second

// Quote is a consistent copy of one symbol's latest state.
type Quote struct {
	Bid         float64
	Ask         float64
	FundingRate float64
	DepthBid    float64
	DepthAsk    float64
	TsMicros    int64
	RecvNanos   int64
	HasFunding  bool
	HasDepth    bool
}

// Fresh reports whether the quote is young enough for detection, strictly
// younger than maxAge.
func (q *Quote) Fresh(nowNanos int64, maxAge time.Duration) bool {
	return nowNanos-q.RecvNanos < int64(maxAge)
}

// Stale reports whether the quote has crossed the staleness horizon.
func (q *Quote) Stale(nowNanos int64) bool {
	return !q.Fresh(nowNanos, StaleAfter)
}

// Store holds per-symbol market state indexed by interned symbol id. All
// field arrays are allocated once at construction; applying updates never
// allocates.
type Store struct {
	capacity uint32

	// seq is the per-symbol write stamp: zero means never written, odd
	// means a write is in flight, even means the row is consistent.
	seq []atomic.Uint32

	bid         []float64
	ask         []float64
	fundingRate []float64
	depthBid    []float64
	depthAsk    []float64
	hasFunding  []bool
	hasDepth    []bool
	tsMicros    []int64
	recvNanos   []int64

	applied   atomic.Uint64
	malformed atomic.Uint64
	regressed atomic.Uint64
}

// NewStore allocates state for up to capacity symbol ids.
func NewStore(capacity uint32) *Store {
	if capacity == 0 {
		capacity = 65536
	}
	return &Store{
		capacity:    capacity,
		seq:         make([]atomic.Uint32, capacity),
		bid:         make([]float64, capacity),
		ask:         make([]float64, capacity),
		fundingRate: make([]float64, capacity),
		depthBid:    make([]float64, capacity),
		depthAsk:    make([]float64, capacity),
		hasFunding:  make([]bool, capacity),
		hasDepth:    make([]bool, capacity),
		tsMicros:    make([]int64, capacity),
		recvNanos:   make([]int64, capacity),
	}
}

// Capacity returns the maximum symbol id the store can hold plus one.
func (s *Store) Capacity() uint32 { return s.capacity }

// Apply folds one update into the row for u.SymbolID. Writer thread only.
// Malformed updates (crossed book) and per-symbol timestamp regressions are
// counted and skipped without touching state. An update carrying the same
// bid and ask as before still refreshes the receive time, which is what
// keeps heartbeats counting against staleness.
func (s *Store) Apply(u *domain.MarketUpdate, recvNanos int64) error {
	if u.SymbolID >= s.capacity {
		s.malformed.Add(1)
		return domain.ErrMalformedUpdate
	}
	if !u.Valid() {
		s.malformed.Add(1)
		return domain.ErrMalformedUpdate
	}
	i := u.SymbolID
	if s.seq[i].Load() != 0 && u.TsMicros < s.tsMicros[i] {
		s.regressed.Add(1)
		return domain.ErrMalformedUpdate
	}

	v := s.seq[i].Load()
	s.seq[i].Store(v + 1)
	s.bid[i] = u.Bid
	s.ask[i] = u.Ask
	s.tsMicros[i] = u.TsMicros
	s.recvNanos[i] = recvNanos
	if u.HasFunding() {
		s.fundingRate[i] = u.FundingRate
		s.hasFunding[i] = true
	}
	if u.HasDepth() {
		s.depthBid[i] = u.DepthBid
		s.depthAsk[i] = u.DepthAsk
		s.hasDepth[i] = true
	}
	s.seq[i].Store(v + 2)
	s.applied.Add(1)
	return nil
}

// Get reads the row for id directly. Writer thread only; readers on other
// threads must use Snapshot.
func (s *Store) Get(id uint32, out *Quote) bool {
	if id >= s.capacity || s.seq[id].Load() == 0 {
		return false
	}
	s.copyRow(id, out)
	return true
}

// Snapshot copies a consistent row for id. Safe to call from any thread;
// it spins while a write is in flight, which is bounded by the writer's
// store sequence.
func (s *Store) Snapshot(id uint32, out *Quote) bool {
	if id >= s.capacity {
		return false
	}
	for {
		v1 := s.seq[id].Load()
		if v1 == 0 {
			return false
		}
		if v1&1 != 0 {
			continue
		}
		s.copyRow(id, out)
		if s.seq[id].Load() == v1 {
			return true
		}
	}
}

func (s *Store) copyRow(id uint32, out *Quote) {
	out.Bid = s.bid[id]
	out.Ask = s.ask[id]
	out.FundingRate = s.fundingRate[id]
	out.DepthBid = s.depthBid[id]
	out.DepthAsk = s.depthAsk[id]
	out.TsMicros = s.tsMicros[id]
	out.RecvNanos = s.recvNanos[id]
	out.HasFunding = s.hasFunding[id]
	out.HasDepth = s.hasDepth[id]
}

// Applied returns the count of updates folded into state.
func (s *Store) Applied() uint64 { return s.applied.Load() }

// Malformed returns the count of rejected inconsistent updates.
func (s *Store) Malformed() uint64 { return s.malformed.Load() + s.regressed.Load() }
