package ring

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alanyoungcy/perparb/internal/domain"
)

func opp(seq int64) *domain.Opportunity {
	return &domain.Opportunity{
		InstrumentID: 1,
		LongVenue:    domain.VenueBinance,
		ShortVenue:   domain.VenueBybit,
		SpreadBps:    12.5,
		TsMicros:     seq,
	}
}

// TestOppRingPublishPoll verifies the basic publish/poll round trip and that
// polling an empty cursor reports false.
func TestOppRingPublishPoll(t *testing.T) {
	r := NewOppRing(8)
	c := r.Subscribe()

	var out domain.Opportunity
	if c.Poll(&out) {
		t.Fatal("Poll before any publish returned true")
	}

	for i := int64(1); i <= 3; i++ {
		r.Publish(opp(i))
	}
	for i := int64(1); i <= 3; i++ {
		if !c.Poll(&out) {
			t.Fatalf("poll %d: cursor empty early", i)
		}
		if out.TsMicros != i {
			t.Errorf("poll %d: got seq %d", i, out.TsMicros)
		}
	}
	if c.Poll(&out) {
		t.Error("Poll after draining returned true")
	}
	if r.Published() != 3 {
		t.Errorf("Published() = %d, want 3", r.Published())
	}
}

// TestOppRingSubscribeAtTail verifies that a new cursor sees only entries
// published after Subscribe.
func TestOppRingSubscribeAtTail(t *testing.T) {
	r := NewOppRing(8)
	r.Publish(opp(1))
	r.Publish(opp(2))

	c := r.Subscribe()
	r.Publish(opp(3))

	var out domain.Opportunity
	if !c.Poll(&out) || out.TsMicros != 3 {
		t.Errorf("late subscriber first poll = seq %d, want 3", out.TsMicros)
	}
	if c.Poll(&out) {
		t.Error("late subscriber saw pre-subscribe entries")
	}
}

// TestOppRingIndependentCursors verifies that two consumers advance without
// affecting each other.
func TestOppRingIndependentCursors(t *testing.T) {
	r := NewOppRing(8)
	a := r.Subscribe()
	b := r.Subscribe()

	for i := int64(1); i <= 4; i++ {
		r.Publish(opp(i))
	}

	var out domain.Opportunity
	for i := int64(1); i <= 4; i++ {
		if !a.Poll(&out) || out.TsMicros != i {
			t.Fatalf("cursor a poll %d: got seq %d", i, out.TsMicros)
		}
	}
	// Cursor b still sees the full run.
	for i := int64(1); i <= 4; i++ {
		if !b.Poll(&out) || out.TsMicros != i {
			t.Fatalf("cursor b poll %d: got seq %d", i, out.TsMicros)
		}
	}
}

// TestOppRingLappedCursor publishes far past the capacity of an idle cursor
// and verifies the cursor snaps to the oldest live entry, counting exactly
// the entries it lost.
func TestOppRingLappedCursor(t *testing.T) {
	r := NewOppRing(4) // capacity 4
	c := r.Subscribe()

	for i := int64(1); i <= 10; i++ {
		r.Publish(opp(i))
	}

	var out domain.Opportunity
	// Entries 1..6 were displaced; 7..10 are live.
	for want := int64(7); want <= 10; want++ {
		if !c.Poll(&out) {
			t.Fatalf("poll: empty before seq %d", want)
		}
		if out.TsMicros != want {
			t.Errorf("poll: got seq %d, want %d", out.TsMicros, want)
		}
	}
	if c.Skipped() != 6 {
		t.Errorf("Skipped() = %d, want 6", c.Skipped())
	}
}

// TestOppRingLagAndSkipToLatest verifies the backlog measurement and the
// deliberate catch-up used by read-only consumers.
func TestOppRingLagAndSkipToLatest(t *testing.T) {
	r := NewOppRing(8)
	c := r.Subscribe()

	for i := int64(1); i <= 5; i++ {
		r.Publish(opp(i))
	}
	if c.Lag() != 5 {
		t.Errorf("Lag() = %d, want 5", c.Lag())
	}

	c.SkipToLatest()
	if c.Lag() != 0 {
		t.Errorf("Lag() after SkipToLatest = %d, want 0", c.Lag())
	}
	if c.Skipped() != 5 {
		t.Errorf("Skipped() = %d, want 5", c.Skipped())
	}

	var out domain.Opportunity
	if c.Poll(&out) {
		t.Error("Poll after SkipToLatest returned true")
	}
}

// TestOppRingConcurrentBroadcast runs one producer against two independent
// consumers on a small ring and verifies that each consumer observes a
// strictly increasing sequence and accounts for every published entry as
// either read or skipped.
func TestOppRingConcurrentBroadcast(t *testing.T) {
	const total = 100000
	r := NewOppRing(64)

	cursors := []*Cursor{r.Subscribe(), r.Subscribe()}

	var done atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= total; i++ {
			r.Publish(opp(i))
		}
		done.Store(true)
	}()

	reads := make([]uint64, len(cursors))
	for ci, c := range cursors {
		ci, c := ci, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out domain.Opportunity
			var last int64
			for {
				if !c.Poll(&out) {
					if done.Load() && c.Lag() == 0 {
						return
					}
					continue
				}
				reads[ci]++
				if out.TsMicros <= last {
					t.Errorf("cursor %d: sequence %d after %d", ci, out.TsMicros, last)
					return
				}
				last = out.TsMicros
			}
		}()
	}
	wg.Wait()

	for ci, c := range cursors {
		if got := reads[ci] + c.Skipped(); got != total {
			t.Errorf("cursor %d: read %d + skipped %d = %d, want %d",
				ci, reads[ci], c.Skipped(), got, uint64(total))
		}
	}
}
