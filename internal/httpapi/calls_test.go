package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/routatel/trunkline/pkg/types"
)

var errInvalidSignature = errors.New("signature mismatch")

func req(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

func formPost(path string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func seedCall(t *testing.T, h *harness, callSID string, status types.CallStatus) *types.Call {
	t.Helper()
	c := &types.Call{
		CallSID:     callSID,
		Provider:    "twilio",
		Direction:   types.DirectionOutbound,
		PhoneNumber: "+15550001234",
		Status:      status,
		CreatedAt:   time.Now(),
		Prompt:      "You are a helpful receptionist.",
	}
	if err := h.store.CreateCall(req(t), c); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	return c
}

func TestListCallsLimitAndFilter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for i := 0; i < 5; i++ {
		status := types.CallCompleted
		if i%2 == 1 {
			status = types.CallFailed
		}
		seedCall(t, h, fmt.Sprintf("CA%d", i), status)
	}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/calls/list?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Count int          `json:"count"`
		Calls []types.Call `json:"calls"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Calls) != 2 {
		t.Errorf("count = %d, calls = %d, want 2", resp.Count, len(resp.Calls))
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/calls/list?status=failed", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, c := range resp.Calls {
		if c.Status != types.CallFailed {
			t.Errorf("filter leaked status %q", c.Status)
		}
	}
	if resp.Count != 2 {
		t.Errorf("failed count = %d, want 2", resp.Count)
	}
}

func TestListCallsRejectsBadLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for _, limit := range []string{"0", "51", "-3", "abc"} {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/api/calls/list?limit="+limit, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestSearchCalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := seedCall(t, h, "CA-search", types.CallCompleted)
	seedCall(t, h, "CA-other", types.CallCompleted)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/calls/search?q=CA-search", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Count int          `json:"count"`
		Calls []types.Call `json:"calls"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Calls[0].CallSID != c.CallSID {
		t.Errorf("search result = %+v", resp)
	}

	for _, q := range []string{"x", strings.Repeat("q", 121), ""} {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/api/calls/search?q="+url.QueryEscape(q), nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("q=%q: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestGetCallWithTranscript(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedCall(t, h, "CA400", types.CallCompleted)

	if err := h.store.AppendTranscript(req(t), &types.TranscriptEntry{
		CallSID: "CA400", Speaker: types.SpeakerUser, Message: "hello",
	}); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/calls/CA400", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Success    bool                    `json:"success"`
		Call       *types.Call             `json:"call"`
		Transcript []types.TranscriptEntry `json:"transcript"`
		Live       bool                    `json:"live"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Call.CallSID != "CA400" || resp.Live {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Transcript) != 1 || resp.Transcript[0].Message != "hello" {
		t.Errorf("transcript = %+v", resp.Transcript)
	}
}

func TestGetCallNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/calls/CA-missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTranscriptAudioPendingAndReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedCall(t, h, "CA500", types.CallInProgress)
	seedCall(t, h, "CA501", types.CallCompleted)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/calls/CA500/transcript/audio", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("in-progress status = %d, want 202", rec.Code)
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/calls/CA501/transcript/audio", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("completed status = %d, want 200", rec.Code)
	}
	var resp struct {
		Ready bool `json:"ready"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Ready {
		t.Error("ready = false, want true for a completed call")
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedCall(t, h, "CA600", types.CallCompleted)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Success     bool             `json:"success"`
		Uptime      string           `json:"uptime"`
		ActiveCalls int              `json:"active_calls"`
		Providers   []map[string]any `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Uptime == "" {
		t.Errorf("response = %+v", resp)
	}
	if resp.ActiveCalls != 0 {
		t.Errorf("active_calls = %d, want 0", resp.ActiveCalls)
	}
	if len(resp.Providers) != 1 || resp.Providers[0]["provider"] != "twilio" {
		t.Errorf("providers = %+v", resp.Providers)
	}
}

func TestObservabilityWindowBounds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for _, v := range []string{"0", "1441", "nope"} {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/api/observability/gpt?window_minutes="+v, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("window_minutes=%s: status = %d, want 400", v, rec.Code)
		}
	}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/observability/gpt?window_minutes=30", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		WindowMinutes int `json:"window_minutes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.WindowMinutes != 30 {
		t.Errorf("window_minutes = %d, want 30", resp.WindowMinutes)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for _, path := range []string{"/health", "/ready"} {
		rec := h.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}
