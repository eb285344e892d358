package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/types"
)

const (
	defaultListLimit = 20
	maxListLimit     = 50

	minSearchLen = 2
	maxSearchLen = 120
)

// listPage is the common page size for filtered list queries; filters are
// applied on top of the newest page.
const listPage = 500

type callListResponse struct {
	Success bool         `json:"success"`
	Count   int          `json:"count"`
	Calls   []types.Call `json:"calls"`
}

// handleListCalls serves GET /api/calls and /api/calls/list. The list
// variant accepts limit, status, phone, and from/to date filters.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, fault.Newf(fault.Validation, "bad_limit", "limit must be in [1,%d]", maxListLimit))
			return
		}
		limit = n
	}

	filter, err := parseCallFilter(q.Get("status"), q.Get("phone"), q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}

	calls, err := s.st.ListCalls(r.Context(), listPage)
	if err != nil {
		writeError(w, fault.Wrap(fault.StorageUnavailable, "call_list", err))
		return
	}

	out := make([]types.Call, 0, limit)
	for _, c := range calls {
		if !filter.match(&c) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, callListResponse{Success: true, Count: len(out), Calls: out})
}

type callFilter struct {
	status types.CallStatus
	phone  string
	from   time.Time
	to     time.Time
}

func parseCallFilter(status, phone, from, to string) (callFilter, error) {
	var f callFilter
	if status != "" {
		cs := types.CallStatus(status)
		if !cs.IsValid() {
			return f, fault.Newf(fault.Validation, "bad_status", "unknown status %q", status)
		}
		f.status = cs
	}
	f.phone = phone
	for _, p := range []struct {
		raw  string
		dst  *time.Time
		name string
	}{{from, &f.from, "from"}, {to, &f.to, "to"}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, p.raw)
		if err != nil {
			t, err = time.Parse("2006-01-02", p.raw)
		}
		if err != nil {
			return f, fault.Newf(fault.Validation, "bad_date", "%s must be RFC 3339 or YYYY-MM-DD", p.name)
		}
		*p.dst = t
	}
	return f, nil
}

func (f callFilter) match(c *types.Call) bool {
	if f.status != "" && c.Status != f.status {
		return false
	}
	if f.phone != "" && !strings.Contains(c.PhoneNumber, f.phone) {
		return false
	}
	if !f.from.IsZero() && c.CreatedAt.Before(f.from) {
		return false
	}
	if !f.to.IsZero() && c.CreatedAt.After(f.to) {
		return false
	}
	return true
}

// handleSearchCalls serves GET /api/calls/search?q=.
func (s *Server) handleSearchCalls(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < minSearchLen || len(q) > maxSearchLen {
		writeError(w, fault.Newf(fault.Validation, "bad_query", "q must be %d-%d characters", minSearchLen, maxSearchLen))
		return
	}
	calls, err := s.st.SearchCalls(r.Context(), q, maxListLimit)
	if err != nil {
		writeError(w, fault.Wrap(fault.StorageUnavailable, "call_search", err))
		return
	}
	writeJSON(w, http.StatusOK, callListResponse{Success: true, Count: len(calls), Calls: calls})
}

type callDetailResponse struct {
	Success    bool                    `json:"success"`
	Call       *types.Call             `json:"call"`
	Transcript []types.TranscriptEntry `json:"transcript,omitempty"`
	Digits     []types.DigitEvent      `json:"digit_events,omitempty"`
	Live       bool                    `json:"live"`
}

// handleGetCall serves GET /api/calls/{callSID} with the transcript and
// digit outcomes attached.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callSID := chi.URLParam(r, "callSID")

	c, err := s.st.Call(ctx, callSID)
	if err != nil {
		writeError(w, err)
		return
	}
	transcript, err := s.st.Transcript(ctx, callSID)
	if err != nil {
		writeError(w, fault.Wrap(fault.StorageUnavailable, "transcript_read", err))
		return
	}
	events, err := s.st.DigitEvents(ctx, callSID)
	if err != nil {
		writeError(w, fault.Wrap(fault.StorageUnavailable, "digit_read", err))
		return
	}
	_, live := s.manager.Get(callSID)

	writeJSON(w, http.StatusOK, callDetailResponse{
		Success:    true,
		Call:       c,
		Transcript: transcript,
		Digits:     events,
		Live:       live,
	})
}

// handleCallStatus serves GET /api/calls/{callSID}/status.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSID")
	c, err := s.st.Call(r.Context(), callSID)
	if err != nil {
		writeError(w, err)
		return
	}
	_, live := s.manager.Get(callSID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"call_sid": c.CallSID,
		"status":   c.Status,
		"provider": c.Provider,
		"duration": c.Duration,
		"live":     live,
	})
}

// handleTranscriptAudio serves GET /api/calls/{callSID}/transcript/audio.
// While the call runs the transcript is still being produced: 202. Once the
// call reaches a terminal status the assembled transcript is final: 200.
func (s *Server) handleTranscriptAudio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callSID := chi.URLParam(r, "callSID")

	c, err := s.st.Call(ctx, callSID)
	if err != nil {
		writeError(w, err)
		return
	}
	transcript, err := s.st.Transcript(ctx, callSID)
	if err != nil {
		writeError(w, fault.Wrap(fault.StorageUnavailable, "transcript_read", err))
		return
	}

	status := http.StatusOK
	ready := c.Status.IsTerminal()
	if !ready {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"success":    true,
		"call_sid":   c.CallSID,
		"ready":      ready,
		"transcript": transcript,
	})
}
