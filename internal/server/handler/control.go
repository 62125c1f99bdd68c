package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perparb/internal/executor"
)

// ControlHandler exposes the trading kill switch to the operator.
type ControlHandler struct {
	halt   *executor.Halt
	logger *slog.Logger
}

// NewControlHandler creates the control handler.
func NewControlHandler(halt *executor.Halt, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{
		halt:   halt,
		logger: logger.With(slog.String("handler", "control")),
	}
}

// Halt activates the kill switch. New admissions stop immediately; open
// positions keep being monitored and exited.
// POST /api/halt
func (h *ControlHandler) Halt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator halt"
	}

	h.halt.Set(body.Reason)
	h.logger.Warn("trading halted by operator", slog.String("reason", body.Reason))

	writeJSON(w, http.StatusOK, map[string]any{
		"halted": true,
		"reason": h.halt.Reason(),
	})
}

// Resume clears the kill switch.
// POST /api/resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.halt.Clear()
	h.logger.Info("trading resumed by operator")

	writeJSON(w, http.StatusOK, map[string]any{
		"halted": false,
	})
}
