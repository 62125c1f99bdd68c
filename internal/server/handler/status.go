package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/perparb/internal/executor"
	"github.com/alanyoungcy/perparb/internal/metrics"
)

// StatusHandler serves liveness and engine-status endpoints.
type StatusHandler struct {
	metrics   *metrics.Metrics
	halt      *executor.Halt
	mode      string
	startedAt time.Time
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(m *metrics.Metrics, halt *executor.Halt, mode string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{
		metrics:   m,
		halt:      halt,
		mode:      mode,
		startedAt: startedAt,
	}
}

// HealthCheck responds to liveness probes.
// GET /api/health
func (h *StatusHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Status returns the engine mode, uptime, halt state, and every hot-path
// counter.
// GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"halted":         h.halt.Active(),
		"halt_reason":    h.halt.Reason(),
		"metrics":        h.metrics.Read(),
	})
}

// Metrics returns the counter snapshot alone.
// GET /api/metrics
func (h *StatusHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Read())
}
