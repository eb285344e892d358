// Package health provides the HTTP liveness and readiness probes.
//
// Two endpoints:
//
//   - /health — liveness probe; returns 200 with uptime while the process
//     can serve HTTP.
//   - /ready  — readiness probe; returns 200 only when every registered
//     [Checker] passes. Checkers marked Soft degrade the response instead
//     of failing it, so a single cooling-down telephony provider does not
//     pull the instance out of rotation.
//
// Responses are JSON with a top-level "status" of "ok", "degraded", or
// "fail", and a "checks" map with the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy and an error describing the failure otherwise.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "database",
	// "provider:twilio").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Soft marks a check whose failure degrades readiness instead of
	// failing it. Provider circuit breakers are soft: calls keep flowing
	// through the remaining providers.
	Soft bool
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the /health and /ready endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New creates a [Handler] that evaluates the given checkers on each /ready
// request, sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, started: time.Now()}
}

// Health is the liveness probe. A running process that can serve HTTP is
// considered alive.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready is the readiness probe. Hard checker failures return 503; soft
// failures return 200 with status "degraded".
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	hardFail := false
	softFail := false

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err == nil {
			checks[c.Name] = "ok"
			continue
		}
		if c.Soft {
			checks[c.Name] = "degraded: " + err.Error()
			softFail = true
		} else {
			checks[c.Name] = "fail: " + err.Error()
			hardFail = true
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	switch {
	case hardFail:
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	case softFail:
		res.Status = "degraded"
	}

	writeJSON(w, status, res)
}

// Register adds the /health and /ready routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
