package ring

import (
	"sync/atomic"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// DefaultOppCapacity is the broadcast ring size for detected opportunities.
const DefaultOppCapacity = 1024

type oppSlot struct {
	seq atomic.Uint64
	val domain.Opportunity
	_   [32]byte
}

// OppRing is a single-producer broadcast ring. The detector publishes;
// each consumer holds its own Cursor and advances independently. The queue
// is lossy: a consumer that falls behind by more than the capacity has its
// cursor snapped forward to the oldest live entry, counting what it missed.
type OppRing struct {
	_     [64]byte
	tail  atomic.Uint64
	_     [56]byte
	mask  uint64
	slots []oppSlot
}

// NewOppRing allocates a broadcast ring holding at least capacity entries.
func NewOppRing(capacity int) *OppRing {
	if capacity <= 0 {
		capacity = DefaultOppCapacity
	}
	n := nextPow2(uint64(capacity))
	return &OppRing{
		mask:  n - 1,
		slots: make([]oppSlot, n),
	}
}

// Capacity returns the allocated slot count.
func (r *OppRing) Capacity() int { return len(r.slots) }

// Publish writes one opportunity, displacing the slot's previous occupant.
// Single producer only; never blocks.
func (r *OppRing) Publish(o *domain.Opportunity) {
	t := r.tail.Load()
	s := &r.slots[t&r.mask]
	s.seq.Store(0)
	s.val = *o
	s.seq.Store(t + 1)
	r.tail.Store(t + 1)
}

// Published returns the total number of entries ever published.
func (r *OppRing) Published() uint64 { return r.tail.Load() }

// Subscribe returns a cursor positioned at the current tail, so the
// consumer sees only entries published after this call.
func (r *OppRing) Subscribe() *Cursor {
	return &Cursor{ring: r, next: r.tail.Load()}
}

// Cursor is one consumer's read position. Not safe for concurrent use by
// multiple goroutines; each consumer owns exactly one.
type Cursor struct {
	ring    *OppRing
	next    uint64
	skipped uint64
}

// Poll copies the next entry into out and reports whether one was
// available. Entries overwritten before the consumer reached them are
// skipped and counted.
func (c *Cursor) Poll(out *domain.Opportunity) bool {
	r := c.ring
	for {
		t := r.tail.Load()
		if c.next == t {
			return false
		}
		if lag := t - c.next; lag > r.mask+1 {
			// Lapped by the producer; jump to the oldest live entry.
			oldest := t - r.mask - 1
			c.skipped += oldest - c.next
			c.next = oldest
		}
		h := c.next
		s := &r.slots[h&r.mask]
		if s.seq.Load() != h+1 {
			// Slot is being rewritten; the entry is gone.
			c.skipped++
			c.next = h + 1
			continue
		}
		*out = s.val
		if s.seq.Load() != h+1 {
			c.skipped++
			c.next = h + 1
			continue
		}
		c.next = h + 1
		return true
	}
}

// Lag returns how many published entries the cursor has not yet read.
func (c *Cursor) Lag() uint64 {
	t := c.ring.tail.Load()
	if t < c.next {
		return 0
	}
	return t - c.next
}

// Skipped returns the cumulative count of entries this cursor lost to
// displacement or deliberate skips.
func (c *Cursor) Skipped() uint64 { return c.skipped }

// SkipToLatest moves the cursor to the current tail, abandoning everything
// unread. Read-only consumers call this when Lag exceeds their threshold.
func (c *Cursor) SkipToLatest() {
	t := c.ring.tail.Load()
	if t > c.next {
		c.skipped += t - c.next
		c.next = t
	}
}
