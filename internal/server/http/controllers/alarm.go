package controllers

import (
	"net/http"
	"time"

	"github.com/rzbill/santa/internal/monitor"
)

// AlarmController reports the dead-letter alarm.
type AlarmController struct {
	m   *monitor.Monitor
	now func() time.Time
}

// NewAlarmController creates an alarm controller.
func NewAlarmController(m *monitor.Monitor, now func() time.Time) *AlarmController {
	if now == nil {
		now = time.Now
	}
	return &AlarmController{m: m, now: now}
}

// RegisterRoutes registers alarm routes with the given mux.
func (c *AlarmController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/alarm", c.handleLast)
	mux.HandleFunc("/v1/alarm/evaluate", c.handleEvaluate)
}

// handleLast returns the most recent scheduled evaluation.
func (c *AlarmController) handleLast(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, c.m.Last())
}

// handleEvaluate evaluates a window ending now without notifying.
// ?period= overrides the configured period.
func (c *AlarmController) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	period, err := parseDuration(r.URL.Query().Get("period"))
	if err != nil || period < 0 {
		writeError(w, http.StatusBadRequest, "Invalid period")
		return
	}
	a, err := c.m.Evaluate(r.Context(), monitor.Window{End: c.now(), Period: period})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, a)
}
