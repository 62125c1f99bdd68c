package marketstate

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

func update(id uint32, bid, ask float64, ts int64) *domain.MarketUpdate {
	return &domain.MarketUpdate{SymbolID: id, Bid: bid, Ask: ask, TsMicros: ts}
}

// TestStoreApplyGet verifies the basic write/read round trip and that rows
// never written report absent.
func TestStoreApplyGet(t *testing.T) {
	s := NewStore(16)

	var q Quote
	if s.Get(3, &q) {
		t.Fatal("Get on a never-written row returned true")
	}
	if s.Snapshot(3, &q) {
		t.Fatal("Snapshot on a never-written row returned true")
	}

	if err := s.Apply(update(3, 100, 101, 1000), 5000); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !s.Get(3, &q) {
		t.Fatal("Get after Apply returned false")
	}
	if q.Bid != 100 || q.Ask != 101 || q.TsMicros != 1000 || q.RecvNanos != 5000 {
		t.Errorf("Get = %+v, want bid 100 ask 101 ts 1000 recv 5000", q)
	}
	if q.HasFunding || q.HasDepth {
		t.Errorf("flags set without funding or depth data: %+v", q)
	}
	if s.Applied() != 1 {
		t.Errorf("Applied() = %d, want 1", s.Applied())
	}
}

// TestStoreRejectsMalformed verifies that crossed or non-positive books and
// out-of-range ids are counted and leave state untouched.
func TestStoreRejectsMalformed(t *testing.T) {
	s := NewStore(16)
	if err := s.Apply(update(1, 100, 101, 1000), 0); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	cases := []*domain.MarketUpdate{
		update(1, 102, 101, 2000), // crossed
		update(1, 0, 101, 2000),   // zero bid
		update(1, 100, -1, 2000),  // negative ask
		update(99, 100, 101, 2000),
	}
	for i, u := range cases {
		if err := s.Apply(u, 0); !errors.Is(err, domain.ErrMalformedUpdate) {
			t.Errorf("case %d: err = %v, want ErrMalformedUpdate", i, err)
		}
	}
	if s.Malformed() != uint64(len(cases)) {
		t.Errorf("Malformed() = %d, want %d", s.Malformed(), len(cases))
	}

	var q Quote
	s.Get(1, &q)
	if q.Bid != 100 || q.TsMicros != 1000 {
		t.Errorf("malformed update mutated state: %+v", q)
	}
}

// TestStoreRejectsRegression verifies that a venue timestamp moving
// backwards on a written row is rejected, while an equal timestamp still
// refreshes the receive time so heartbeats count against staleness.
func TestStoreRejectsRegression(t *testing.T) {
	s := NewStore(16)
	if err := s.Apply(update(1, 100, 101, 2000), 10); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := s.Apply(update(1, 100, 101, 1999), 20); !errors.Is(err, domain.ErrMalformedUpdate) {
		t.Errorf("regressed timestamp: err = %v, want ErrMalformedUpdate", err)
	}

	if err := s.Apply(update(1, 100, 101, 2000), 30); err != nil {
		t.Fatalf("equal-timestamp heartbeat rejected: %v", err)
	}
	var q Quote
	s.Get(1, &q)
	if q.RecvNanos != 30 {
		t.Errorf("RecvNanos = %d, want 30 after heartbeat", q.RecvNanos)
	}
}

// TestStoreFundingAndDepthSticky verifies that funding and depth survive
// later updates that carry only prices.
func TestStoreFundingAndDepthSticky(t *testing.T) {
	s := NewStore(16)

	u := update(1, 100, 101, 1000)
	u.Flags = domain.FlagFunding | domain.FlagDepth
	u.FundingRate = 0.0003
	u.DepthBid, u.DepthAsk = 5, 6
	if err := s.Apply(u, 0); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := s.Apply(update(1, 100.5, 101.5, 2000), 0); err != nil {
		t.Fatalf("Apply price-only: %v", err)
	}

	var q Quote
	s.Get(1, &q)
	if !q.HasFunding || q.FundingRate != 0.0003 {
		t.Errorf("funding lost: %+v", q)
	}
	if !q.HasDepth || q.DepthBid != 5 || q.DepthAsk != 6 {
		t.Errorf("depth lost: %+v", q)
	}
	if q.Bid != 100.5 {
		t.Errorf("price not updated: %+v", q)
	}
}

// TestQuoteFreshness verifies the strict age comparisons used for admission
// and staleness.
func TestQuoteFreshness(t *testing.T) {
	q := Quote{RecvNanos: 0}

	maxAge := 200 * time.Millisecond
	if !q.Fresh(int64(maxAge)-1, maxAge) {
		t.Error("quote one nanosecond inside the window reported stale")
	}
	if q.Fresh(int64(maxAge), maxAge) {
		t.Error("quote exactly at the age limit reported fresh")
	}

	if q.Stale(int64(StaleAfter) - 1) {
		t.Error("quote inside the staleness horizon reported stale")
	}
	if !q.Stale(int64(StaleAfter)) {
		t.Error("quote at the staleness horizon reported live")
	}
}

// TestStoreSnapshotConcurrent runs the writer thread against several
// snapshot readers and verifies every snapshot is internally consistent:
// the writer always keeps ask = bid + 1, so any torn copy is detectable.
func TestStoreSnapshotConcurrent(t *testing.T) {
	const writes = 200000
	s := NewStore(4)

	var done atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= writes; i++ {
			bid := float64(i)
			if err := s.Apply(update(0, bid, bid+1, i), i); err != nil {
				t.Errorf("Apply %d: %v", i, err)
				return
			}
		}
		done.Store(true)
	}()

	for reader := 0; reader < 3; reader++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var q Quote
			for !done.Load() {
				if !s.Snapshot(0, &q) {
					continue
				}
				if q.Ask != q.Bid+1 {
					t.Errorf("torn snapshot: bid %v ask %v", q.Bid, q.Ask)
					return
				}
				if q.TsMicros != int64(q.Bid) {
					t.Errorf("torn snapshot: bid %v ts %d", q.Bid, q.TsMicros)
					return
				}
			}
		}()
	}
	wg.Wait()

	if s.Applied() != writes {
		t.Errorf("Applied() = %d, want %d", s.Applied(), writes)
	}
}
