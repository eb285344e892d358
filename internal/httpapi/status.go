package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/routatel/trunkline/internal/fault"
)

const (
	minWindowMinutes = 1
	maxWindowMinutes = 1440
)

// handleStatus serves GET /status: a process snapshot with uptime, live
// sessions, provider breaker states, and queue depths.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	callCounts, err := s.st.CountCallsByStatus(ctx)
	if err != nil {
		writeError(w, fault.Wrap(fault.StorageUnavailable, "call_counts", err))
		return
	}
	jobCounts, err := s.st.CountJobsByStatus(ctx)
	if err != nil {
		writeError(w, fault.Wrap(fault.StorageUnavailable, "job_counts", err))
		return
	}
	dlq, err := s.st.DLQDepth(ctx)
	if err != nil {
		writeError(w, fault.Wrap(fault.StorageUnavailable, "dlq_depth", err))
		return
	}

	providers := make([]map[string]any, 0, 4)
	for _, ph := range s.router.Health() {
		providers = append(providers, map[string]any{
			"provider":          ph.Provider,
			"default":           ph.Default,
			"state":             ph.Breaker.State,
			"windowed_failures": ph.Breaker.WindowedFailures,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"active_calls": s.manager.Active(),
		"call_sids":    s.manager.ActiveCalls(),
		"calls":        callCounts,
		"jobs":         jobCounts,
		"dlq_depth":    dlq,
		"providers":    providers,
	})
}

// handleObservability serves GET /api/observability/gpt?window_minutes=.
func (s *Server) handleObservability(w http.ResponseWriter, r *http.Request) {
	if s.window == nil {
		writeError(w, fault.New(fault.Validation, "no_window", "observability window is not enabled"))
		return
	}

	minutes := s.cfg.SLO.WindowMinutes
	if minutes == 0 {
		minutes = 60
	}
	if v := r.URL.Query().Get("window_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minWindowMinutes || n > maxWindowMinutes {
			writeError(w, fault.Newf(fault.Validation, "bad_window",
				"window_minutes must be in [%d,%d]", minWindowMinutes, maxWindowMinutes))
			return
		}
		minutes = n
	}

	summary := s.window.Summarize(time.Now(), time.Duration(minutes)*time.Minute)
	writeJSON(w, http.StatusOK, summary)
}
