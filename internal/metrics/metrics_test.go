package metrics

import (
	"sync"
	"testing"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// TestCounterConcurrentAdds hammers one counter from many goroutines and
// checks nothing is lost.
func TestCounterConcurrentAdds(t *testing.T) {
	const workers = 8
	const perWorker = 10000

	var c Counter
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()

	if got := c.Load(); got != workers*perWorker {
		t.Fatalf("Load() = %d, want %d", got, workers*perWorker)
	}
}

// TestGaugeIncDec checks the gauge goes negative cleanly.
func TestGaugeIncDec(t *testing.T) {
	var g Gauge
	g.Inc()
	g.Inc()
	g.Dec()
	if got := g.Load(); got != 1 {
		t.Fatalf("Load() = %d, want 1", got)
	}
	g.Dec()
	g.Dec()
	if got := g.Load(); got != -1 {
		t.Fatalf("Load() = %d, want -1", got)
	}
}

// TestRejectCountsByReason checks per-reason bucketing and that the string
// keys surface in the snapshot.
func TestRejectCountsByReason(t *testing.T) {
	m := New(0)
	m.Reject(domain.RejectHalted)
	m.Reject(domain.RejectHalted)
	m.Reject(domain.RejectStaleQuote)
	m.Reject(domain.RejectReasonCount) // out of range, must be ignored

	snap := m.Read()
	if got := snap.Rejects[domain.RejectHalted.String()]; got != 2 {
		t.Errorf("halted rejects = %d, want 2", got)
	}
	if got := snap.Rejects[domain.RejectStaleQuote.String()]; got != 1 {
		t.Errorf("stale-quote rejects = %d, want 1", got)
	}
	// Zero-count reasons are omitted from the map entirely.
	if _, ok := snap.Rejects[domain.RejectSymbolOpen.String()]; ok {
		t.Error("zero-count reason present in snapshot")
	}
}

// TestSnapshotCopiesCounters checks Read reflects the live counters.
func TestSnapshotCopiesCounters(t *testing.T) {
	m := New(0)
	m.IngressPushed.Add(5)
	m.IngressDropped.Inc()
	m.OppEmitted.Add(3)
	m.TradesOpen.Inc()

	snap := m.Read()
	if snap.IngressPushed != 5 || snap.IngressDropped != 1 {
		t.Errorf("ingress counters = %d/%d, want 5/1", snap.IngressPushed, snap.IngressDropped)
	}
	if snap.OppEmitted != 3 {
		t.Errorf("OppEmitted = %d, want 3", snap.OppEmitted)
	}
	if snap.TradesOpen != 1 {
		t.Errorf("TradesOpen = %d, want 1", snap.TradesOpen)
	}
}

// TestLatencyPercentilesUniform records 1..100 and checks the rank
// arithmetic: with n samples the p-th percentile reads index p*(n-1).
func TestLatencyPercentilesUniform(t *testing.T) {
	r := NewLatencyRecorder(128)
	for i := int64(1); i <= 100; i++ {
		r.Record(i)
	}

	p := r.Percentiles()
	// index 49 -> 50, index floor(0.95*99)=94 -> 95, floor(0.99*99)=98 -> 99.
	if p.P50 != 50 {
		t.Errorf("P50 = %d, want 50", p.P50)
	}
	if p.P95 != 95 {
		t.Errorf("P95 = %d, want 95", p.P95)
	}
	if p.P99 != 99 {
		t.Errorf("P99 = %d, want 99", p.P99)
	}
	if p.Count != 100 {
		t.Errorf("Count = %d, want 100", p.Count)
	}
}

// TestLatencyEmptyRecorder checks the zero-sample short circuit.
func TestLatencyEmptyRecorder(t *testing.T) {
	r := NewLatencyRecorder(0)
	if p := r.Percentiles(); p != (Percentiles{}) {
		t.Fatalf("empty recorder yielded %+v", p)
	}
}

// TestLatencyWindowWraps overfills a tiny window and checks only the last
// lap survives. With capacity 4 and samples 1..12, slots hold 9..12.
func TestLatencyWindowWraps(t *testing.T) {
	r := NewLatencyRecorder(4)
	for i := int64(1); i <= 12; i++ {
		r.Record(i)
	}

	p := r.Percentiles()
	if p.Count != 12 {
		t.Errorf("Count = %d, want 12", p.Count)
	}
	// Window sorted is [9 10 11 12]: p50 at index 1, p99 at index 2.
	if p.P50 != 10 {
		t.Errorf("P50 = %d, want 10", p.P50)
	}
	if p.P99 != 11 {
		t.Errorf("P99 = %d, want 11", p.P99)
	}
}

// TestLatencyWindowRoundsUp checks the power-of-two sizing.
func TestLatencyWindowRoundsUp(t *testing.T) {
	r := NewLatencyRecorder(5)
	if len(r.samples) != 8 {
		t.Fatalf("len(samples) = %d, want 8", len(r.samples))
	}
}
