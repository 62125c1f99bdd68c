// Package metrics holds the hot-path counters and latency recorders. Every
// counter is a padded atomic so independent writers never share a cache
// line; reading produces a plain snapshot struct for the HTTP surface.
package metrics

import (
	"sync/atomic"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Counter is a cache-line padded atomic counter. Writers on different
// counters never contend.
type Counter struct {
	v atomic.Uint64
	_ [56]byte
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds n.
func (c *Counter) Add(n uint64) { c.v.Add(n) }

// Load returns the current value.
func (c *Counter) Load() uint64 { return c.v.Load() }

// Gauge is a cache-line padded signed gauge.
type Gauge struct {
	v atomic.Int64
	_ [56]byte
}

// Inc adds one.
func (g *Gauge) Inc() { g.v.Add(1) }

// Dec subtracts one.
func (g *Gauge) Dec() { g.v.Add(-1) }

// Load returns the current value.
func (g *Gauge) Load() int64 { return g.v.Load() }

// Metrics aggregates every counter and latency recorder in the process.
// One instance is created at boot and shared by reference.
type Metrics struct {
	IngressPushed    Counter
	IngressDropped   Counter
	UpdatesApplied   Counter
	UpdatesMalformed Counter

	OppEmitted    Counter
	OppDropped    Counter
	PairsChecked  Counter
	GateSpread    Counter
	GateLatency   Counter
	GateDepth     Counter
	GateFunding   Counter
	GateConfidence Counter
	GateProfit    Counter

	Admitted  Counter
	LegOuts   Counter
	HedgeRetries Counter
	Rejects   [domain.RejectReasonCount]Counter

	Exits      Counter
	TradesOpen Gauge

	IngressToDetect *LatencyRecorder
	DetectToEmit    *LatencyRecorder
	EmitToSubmit    *LatencyRecorder
}

// New creates the process metrics with recorders of the given sample
// window. Zero picks the default window.
func New(window int) *Metrics {
	return &Metrics{
		IngressToDetect: NewLatencyRecorder(window),
		DetectToEmit:    NewLatencyRecorder(window),
		EmitToSubmit:    NewLatencyRecorder(window),
	}
}

// Reject bumps the counter for one rejection reason.
func (m *Metrics) Reject(r domain.RejectReason) {
	if r < domain.RejectReasonCount {
		m.Rejects[r].Inc()
	}
}

// Snapshot is a plain copy of every counter for telemetry readers.
type Snapshot struct {
	IngressPushed    uint64 `json:"ingress_pushed"`
	IngressDropped   uint64 `json:"ingress_dropped"`
	UpdatesApplied   uint64 `json:"updates_applied"`
	UpdatesMalformed uint64 `json:"updates_malformed"`

	OppEmitted uint64 `json:"opp_emitted"`
	OppDropped uint64 `json:"opp_dropped"`

	PairsChecked uint64 `json:"pairs_checked"`

	Admitted   uint64            `json:"admitted"`
	LegOuts    uint64            `json:"leg_outs"`
	Exits      uint64            `json:"exits"`
	TradesOpen int64             `json:"trades_open"`
	Rejects    map[string]uint64 `json:"rejects"`

	IngressToDetect Percentiles `json:"ingress_to_detect_micros"`
	DetectToEmit    Percentiles `json:"detect_to_emit_micros"`
	EmitToSubmit    Percentiles `json:"emit_to_submit_micros"`
}

// Read copies every counter into a Snapshot. Cold path only.
func (m *Metrics) Read() Snapshot {
	rejects := make(map[string]uint64, int(domain.RejectReasonCount))
	for r := domain.RejectReason(1); r < domain.RejectReasonCount; r++ {
		if n := m.Rejects[r].Load(); n > 0 {
			rejects[r.String()] = n
		}
	}
	return Snapshot{
		IngressPushed:    m.IngressPushed.Load(),
		IngressDropped:   m.IngressDropped.Load(),
		UpdatesApplied:   m.UpdatesApplied.Load(),
		UpdatesMalformed: m.UpdatesMalformed.Load(),
		OppEmitted:       m.OppEmitted.Load(),
		OppDropped:       m.OppDropped.Load(),
		PairsChecked:     m.PairsChecked.Load(),
		Admitted:         m.Admitted.Load(),
		LegOuts:          m.LegOuts.Load(),
		Exits:            m.Exits.Load(),
		TradesOpen:       m.TradesOpen.Load(),
		Rejects:          rejects,
		IngressToDetect:  m.IngressToDetect.Percentiles(),
		DetectToEmit:     m.DetectToEmit.Percentiles(),
		EmitToSubmit:     m.EmitToSubmit.Percentiles(),
	}
}
