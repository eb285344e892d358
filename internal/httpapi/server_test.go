package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/routatel/trunkline/internal/call"
	"github.com/routatel/trunkline/internal/config"
	enginemock "github.com/routatel/trunkline/internal/engine/mock"
	"github.com/routatel/trunkline/internal/httpapi"
	"github.com/routatel/trunkline/internal/jobs"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/route"
	"github.com/routatel/trunkline/internal/store/memstore"
	"github.com/routatel/trunkline/internal/webhook"
	sttmock "github.com/routatel/trunkline/pkg/provider/stt/mock"
	"github.com/routatel/trunkline/pkg/provider/telco"
	telcomock "github.com/routatel/trunkline/pkg/provider/telco/mock"
	ttsmock "github.com/routatel/trunkline/pkg/provider/tts/mock"
	"github.com/routatel/trunkline/pkg/types"
)

const apiSecret = "test-api-secret"

type harness struct {
	handler http.Handler
	store   *memstore.Store
	telco   *telcomock.Provider
	signer  *webhook.Signer
	runner  *jobs.Runner
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Server.PublicHost = "calls.test"
	cfg.Server.APISecret = apiSecret
	cfg.Providers.Call = "twilio"
	cfg.Providers.Twilio.FromNumber = "+15550000000"
	cfg.Providers.Twilio.WebhookValidation = config.ValidationOff
	cfg.Providers.Vonage.WebhookValidation = config.ValidationOff
	if mutate != nil {
		mutate(cfg)
	}

	st := memstore.New()

	tp := &telcomock.Provider{
		ProviderName:    string(cfg.Providers.Call),
		PlaceCallResult: telco.CallResult{ProviderCallID: "CA100", Status: "queued"},
	}
	rtr := route.New(route.Config{Default: cfg.Providers.Call, Route: cfg.Providers.Route, Health: st})
	rtr.Register(tp)

	mgr, err := call.NewManager(call.Config{
		Store:  st,
		STT:    &sttmock.Provider{},
		TTS:    &ttsmock.Provider{},
		Engine: &enginemock.Responder{},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	runner := jobs.NewRunner(st, st, cfg.Jobs)

	srv, err := httpapi.New(httpapi.Config{
		Cfg:      cfg,
		Store:    st,
		Router:   rtr,
		Manager:  mgr,
		Runner:   runner,
		Verifier: webhook.NewVerifier(apiSecret, time.Minute),
		Dedupe:   webhook.NewDedupe(st, time.Minute),
		Window:   observe.NewWindow(64),
	})
	if err != nil {
		t.Fatalf("httpapi.New: %v", err)
	}

	return &harness{
		handler: srv.Handler(),
		store:   st,
		telco:   tp,
		signer:  webhook.NewSigner(apiSecret),
		runner:  runner,
	}
}

// signedPost builds a POST with a valid envelope over body.
func (h *harness) signedPost(path string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.signer.Sign(body).Apply(req.Header)
	return req
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func outboundBody(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	m := map[string]any{
		"number":        "+15550001234",
		"prompt":        "You are a helpful receptionist.",
		"first_message": "Hello, this is Robin from Acme.",
	}
	for k, v := range overrides {
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestOutboundCallPlacesAndRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	body := outboundBody(t, map[string]any{
		"customer_name":      "Dana",
		"purpose":            "support",
		"collection_profile": "otp_6",
	})
	rec := h.do(h.signedPost("/outbound-call", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success       bool     `json:"success"`
		CallSID       string   `json:"call_sid"`
		To            string   `json:"to"`
		Status        string   `json:"status"`
		Provider      string   `json:"provider"`
		FunctionTypes []string `json:"function_types"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.CallSID != "CA100" || resp.Provider != "twilio" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Status != "queued" || resp.To != "+15550001234" {
		t.Errorf("status/to = %q/%q", resp.Status, resp.To)
	}
	if len(resp.FunctionTypes) == 0 || resp.FunctionTypes[0] != "collect_digits" {
		t.Errorf("function_types = %v, want collect_digits first", resp.FunctionTypes)
	}

	if len(h.telco.PlaceCallCalls) != 1 {
		t.Fatalf("PlaceCall calls = %d, want 1", len(h.telco.PlaceCallCalls))
	}
	placed := h.telco.PlaceCallCalls[0].Req
	if placed.From != "+15550000000" {
		t.Errorf("From = %q", placed.From)
	}
	if !strings.Contains(placed.AnswerURL, "calls.test/webhook/twilio-voice") {
		t.Errorf("AnswerURL = %q", placed.AnswerURL)
	}
	if placed.Params["channelSessionId"] == "" {
		t.Error("missing channelSessionId stream param")
	}

	c, err := h.store.Call(req(t), "CA100")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c.Direction != types.DirectionOutbound || c.Status != types.CallQueued {
		t.Errorf("stored call = %+v", c)
	}
	if _, err := h.store.LatestCallState(req(t), "CA100", "session_prep"); err != nil {
		t.Errorf("session prep row missing: %v", err)
	}
}

func TestOutboundCallVonageGetsVonageCallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Providers.Call = "vonage"
		cfg.Providers.Vonage.FromNumber = "+15557770000"
	})

	rec := h.do(h.signedPost("/outbound-call", outboundBody(t, nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(h.telco.PlaceCallCalls) != 1 {
		t.Fatalf("PlaceCall calls = %d, want 1", len(h.telco.PlaceCallCalls))
	}

	placed := h.telco.PlaceCallCalls[0].Req
	if !strings.Contains(placed.AnswerURL, "calls.test/webhook/vonage-answer") {
		t.Errorf("AnswerURL = %q, want the vonage answer ingress", placed.AnswerURL)
	}
	if !strings.Contains(placed.StatusCallbackURL, "calls.test/webhook/vonage-event") {
		t.Errorf("StatusCallbackURL = %q, want the vonage event ingress", placed.StatusCallbackURL)
	}
	if placed.From != "+15557770000" {
		t.Errorf("From = %q, want the vonage caller ID", placed.From)
	}
}

func TestOutboundCallRejectsUnsigned(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	body := outboundBody(t, nil)
	reqst := httptest.NewRequest(http.MethodPost, "/outbound-call", bytes.NewReader(body))
	rec := h.do(reqst)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if len(h.telco.PlaceCallCalls) != 0 {
		t.Error("unsigned request reached the provider")
	}
}

func TestOutboundCallValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	tests := []struct {
		name string
		body []byte
	}{
		{"bad number", outboundBody(t, map[string]any{"number": "5550001234"})},
		{"missing prompt", outboundBody(t, map[string]any{"prompt": ""})},
		{"prompt too long", outboundBody(t, map[string]any{"prompt": strings.Repeat("x", 12001)})},
		{"first message too long", outboundBody(t, map[string]any{"first_message": strings.Repeat("x", 1001)})},
		{"unknown collection profile", outboundBody(t, map[string]any{"collection_profile": "psychic"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(h.signedPost("/outbound-call", tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
	if len(h.telco.PlaceCallCalls) != 0 {
		t.Error("invalid request reached the provider")
	}
}

func TestOutboundCallReplayYieldsOneCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	body := outboundBody(t, nil)
	first := h.signedPost("/outbound-call", body)

	rec1 := h.do(first)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec1.Code)
	}

	// Replay the exact signed request: same signature, same key.
	replay := httptest.NewRequest(http.MethodPost, "/outbound-call", bytes.NewReader(body))
	replay.Header = first.Header.Clone()
	rec2 := h.do(replay)
	if rec2.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rec2.Code)
	}

	if strings.TrimSpace(rec1.Body.String()) != strings.TrimSpace(rec2.Body.String()) {
		t.Errorf("replay body differs:\n%s\n%s", rec1.Body.String(), rec2.Body.String())
	}
	if len(h.telco.PlaceCallCalls) != 1 {
		t.Errorf("PlaceCall calls = %d, want 1", len(h.telco.PlaceCallCalls))
	}
}

func TestTwilioStatusUpdatesStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedCall(t, h, "CA200", types.CallInProgress)

	form := url.Values{"CallSid": {"CA200"}, "CallStatus": {"completed"}}
	rec := h.do(formPost("/webhook/twilio-status", form))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	c, err := h.store.Call(req(t), "CA200")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c.Status != types.CallCompleted {
		t.Errorf("status = %q, want completed", c.Status)
	}
}

func TestTwilioStatusIgnoresBackwardTransition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedCall(t, h, "CA201", types.CallCompleted)

	form := url.Values{"CallSid": {"CA201"}, "CallStatus": {"ringing"}}
	rec := h.do(formPost("/webhook/twilio-status", form))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	c, _ := h.store.Call(req(t), "CA201")
	if c.Status != types.CallCompleted {
		t.Errorf("status = %q, want completed to stick", c.Status)
	}
}

func TestWebhookStrictModeRejects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Providers.Twilio.WebhookValidation = config.ValidationStrict
	})
	h.telco.VerifyWebhookErr = errInvalidSignature

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	rec := h.do(formPost("/webhook/twilio-status", form))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTwilioVoiceReturnsConnectTwiML(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	// Place the call first so the prep row exists.
	rec := h.do(h.signedPost("/outbound-call", outboundBody(t, nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("placement status = %d", rec.Code)
	}

	form := url.Values{"CallSid": {"CA100"}}
	vrec := h.do(formPost("/webhook/twilio-voice", form))
	if vrec.Code != http.StatusOK {
		t.Fatalf("status = %d", vrec.Code)
	}
	twiml := vrec.Body.String()
	if !strings.Contains(twiml, "wss://calls.test/media/twilio") {
		t.Errorf("twiml missing stream URL: %s", twiml)
	}
	if !strings.Contains(twiml, "channelSessionId") {
		t.Errorf("twiml missing channel session parameter: %s", twiml)
	}
	if ct := vrec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestVonageEventUpdatesStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedCall(t, h, "vx-1", types.CallRinging)

	body := []byte(`{"uuid":"vx-1","status":"answered"}`)
	reqst := httptest.NewRequest(http.MethodPost, "/webhook/vonage-event", bytes.NewReader(body))
	rec := h.do(reqst)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	c, _ := h.store.Call(req(t), "vx-1")
	if c.Status != types.CallInProgress {
		t.Errorf("status = %q, want in-progress", c.Status)
	}
}

func TestSMSStatusQueuesReconcile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedCall(t, h, "CA300", types.CallCompleted)

	form := url.Values{"MessageSid": {"SM9"}, "MessageStatus": {"undelivered"}}
	rec := h.do(formPost("/webhook/sms-status?callSid=CA300", form))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	counts, err := h.store.CountJobsByStatus(req(t))
	if err != nil {
		t.Fatalf("CountJobsByStatus: %v", err)
	}
	if counts[types.JobPending] != 1 {
		t.Errorf("pending jobs = %d, want 1 reconcile job", counts[types.JobPending])
	}
	if _, err := h.store.LatestCallState(req(t), "CA300", "sms_status"); err != nil {
		t.Errorf("sms status state row missing: %v", err)
	}
}
