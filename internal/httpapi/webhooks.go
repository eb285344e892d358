package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/routatel/trunkline/internal/call"
	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/digits"
	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/jobs"
	"github.com/routatel/trunkline/internal/webhook"
	"github.com/routatel/trunkline/pkg/provider/telco/twilio"
	"github.com/routatel/trunkline/pkg/provider/telco/vonage"
	"github.com/routatel/trunkline/pkg/types"
)

// verifyProviderWebhook reads the body, restores the form for signature
// checking, and applies the configured validation mode.
func (s *Server) verifyProviderWebhook(w http.ResponseWriter, r *http.Request, provider string, mode config.ValidationMode) ([]byte, url.Values, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		form = url.Values{}
	}
	r.PostForm = form
	r.Form = form

	var v webhook.ProviderVerifier
	if p, ok := s.router.Get(provider); ok {
		v = p
	}
	if err := webhook.VerifyProvider(mode, v, r, body); err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	return body, form, true
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// handleTwilioVoice answers the voice webhook with the TwiML that attaches
// the media stream, forwarding the channel session id recorded at
// placement as a stream parameter.
func (s *Server) handleTwilioVoice(w http.ResponseWriter, r *http.Request) {
	_, form, ok := s.verifyProviderWebhook(w, r, "twilio", s.cfg.Providers.Twilio.WebhookValidation)
	if !ok {
		return
	}
	callSID := form.Get("CallSid")

	params := map[string]string{}
	if prep, err := s.loadPrep(r, callSID); err == nil {
		params["channelSessionId"] = prep.ChannelSessionID
	}

	wsURL := "wss://" + s.cfg.Server.PublicHost + "/media/twilio"
	writeTwiML(w, twilio.ConnectStream(wsURL, params))
}

// twilioStatus maps Twilio call status strings onto the core lifecycle.
func twilioStatus(status string) (types.CallStatus, bool) {
	switch status {
	case "queued", "initiated":
		return types.CallQueued, true
	case "ringing":
		return types.CallRinging, true
	case "in-progress", "answered":
		return types.CallInProgress, true
	case "completed":
		return types.CallCompleted, true
	case "busy":
		return types.CallBusy, true
	case "failed":
		return types.CallFailed, true
	case "no-answer":
		return types.CallNoAnswer, true
	case "canceled":
		return types.CallCanceled, true
	}
	return "", false
}

// handleTwilioStatus ingests call lifecycle and machine-detection events.
// Events for a live session go through its mailbox so ordering against the
// media stream holds; otherwise the status is applied to the store, where
// the monotonic transition rule drops late or replayed callbacks.
func (s *Server) handleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	_, form, ok := s.verifyProviderWebhook(w, r, "twilio", s.cfg.Providers.Twilio.WebhookValidation)
	if !ok {
		return
	}
	callSID := form.Get("CallSid")

	if by := form.Get("AnsweredBy"); by != "" {
		if sess, live := s.manager.Get(callSID); live {
			sess.PushEvent(call.Event{Kind: call.EventMachine, AnsweredBy: by})
		}
	}

	status, known := twilioStatus(form.Get("CallStatus"))
	if !known {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	s.applyStatus(r, callSID, status)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) applyStatus(r *http.Request, callSID string, status types.CallStatus) {
	if sess, live := s.manager.Get(callSID); live {
		sess.PushEvent(call.Event{Kind: call.EventStatus, Status: status, At: time.Now()})
		return
	}
	applied, err := s.st.UpdateCallStatus(r.Context(), callSID, status, time.Now())
	if err != nil {
		s.log.Error("status update failed", "call_sid", callSID, "status", status, "error", err)
		return
	}
	if !applied {
		s.log.Debug("status transition ignored", "call_sid", callSID, "status", status)
	}
}

// handleTwilioGather ingests the IVR gather callback. The plan id, step
// index, and channel session id from the action URL must match the
// session's active expectation or the result is dropped by the collector.
func (s *Server) handleTwilioGather(w http.ResponseWriter, r *http.Request) {
	_, form, ok := s.verifyProviderWebhook(w, r, "twilio", s.cfg.Providers.Twilio.WebhookValidation)
	if !ok {
		return
	}
	q := r.URL.Query()
	callSID := q.Get("callSid")
	if callSID == "" {
		callSID = form.Get("CallSid")
	}
	stepIndex, _ := strconv.Atoi(q.Get("stepIndex"))

	result := &digits.GatherResult{
		Digits:           form.Get("Digits"),
		PlanID:           q.Get("planId"),
		StepIndex:        stepIndex,
		ChannelSessionID: q.Get("channelSessionId"),
	}

	sess, live := s.manager.Get(callSID)
	if !live {
		writeTwiML(w, twilio.HangupTwiML())
		return
	}
	sess.PushEvent(call.Event{Kind: call.EventGatherResult, Gather: result})

	// Keep the call leg alive; the session decides what happens next.
	writeTwiML(w, `<?xml version="1.0" encoding="UTF-8"?><Response><Pause length="60"/></Response>`)
}

// handleVonageAnswer returns the NCCO that attaches the media websocket.
func (s *Server) handleVonageAnswer(w http.ResponseWriter, r *http.Request) {
	body, form, ok := s.verifyProviderWebhook(w, r, "vonage", s.cfg.Providers.Vonage.WebhookValidation)
	if !ok {
		return
	}

	var answer struct {
		UUID string `json:"uuid"`
	}
	callSID := form.Get("uuid")
	if callSID == "" && len(body) > 0 {
		if err := json.Unmarshal(body, &answer); err == nil {
			callSID = answer.UUID
		}
	}
	if callSID == "" {
		callSID = r.URL.Query().Get("uuid")
	}

	params := map[string]string{"call_sid": callSID}
	if prep, err := s.loadPrep(r, callSID); err == nil {
		params["channelSessionId"] = prep.ChannelSessionID
	}

	wsURL := "wss://" + s.cfg.Server.PublicHost + "/media/vonage?call_sid=" + url.QueryEscape(callSID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(vonage.ConnectStreamNCCO(wsURL, params)))
}

// vonageStatus maps Vonage event statuses onto the core lifecycle.
func vonageStatus(status string) (types.CallStatus, bool) {
	switch status {
	case "started":
		return types.CallQueued, true
	case "ringing":
		return types.CallRinging, true
	case "answered":
		return types.CallInProgress, true
	case "completed":
		return types.CallCompleted, true
	case "busy":
		return types.CallBusy, true
	case "failed", "rejected", "unanswered":
		return types.CallFailed, true
	case "timeout":
		return types.CallNoAnswer, true
	case "cancelled":
		return types.CallCanceled, true
	}
	return "", false
}

// handleVonageEvent ingests Vonage call lifecycle events (JSON body).
func (s *Server) handleVonageEvent(w http.ResponseWriter, r *http.Request) {
	body, _, ok := s.verifyProviderWebhook(w, r, "vonage", s.cfg.Providers.Vonage.WebhookValidation)
	if !ok {
		return
	}

	var ev struct {
		UUID   string `json:"uuid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "bad_json", err))
		return
	}
	if status, known := vonageStatus(ev.Status); known {
		s.applyStatus(r, ev.UUID, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleSMSStatus ingests delivery receipts. Failed deliveries of a
// call-scheduled message queue a reconciliation probe so the final state is
// re-read from the provider once it settles.
func (s *Server) handleSMSStatus(w http.ResponseWriter, r *http.Request) {
	_, form, ok := s.verifyProviderWebhook(w, r, "twilio", s.cfg.Providers.Twilio.WebhookValidation)
	if !ok {
		return
	}

	messageID := form.Get("MessageSid")
	status := form.Get("MessageStatus")
	callSID := r.URL.Query().Get("callSid")

	if callSID != "" {
		data, _ := json.Marshal(map[string]string{"message_id": messageID, "status": status})
		if err := s.st.AppendCallState(r.Context(), &types.CallStateEntry{
			CallSID: callSID,
			Kind:    "sms_status",
			Data:    data,
		}); err != nil {
			s.log.Error("sms status write failed", "call_sid", callSID, "error", err)
		}
	}

	if (status == "failed" || status == "undelivered") && s.runner != nil {
		job, err := jobsReconcile(messageID, callSID)
		if err == nil {
			job.NotBefore = time.Now().Add(time.Minute)
			if err := s.runner.Enqueue(r.Context(), job); err != nil {
				s.log.Error("reconcile enqueue failed", "message_id", messageID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func jobsReconcile(messageID, callSID string) (*types.Job, error) {
	job, err := jobs.NewJob(jobs.KindReconcileSMS, jobs.ReconcileSMSPayload{
		Provider:          "twilio",
		ProviderMessageID: messageID,
		CallSID:           callSID,
	}, 0)
	if err != nil {
		return nil, err
	}
	job.CallSID = callSID
	return job, nil
}

// loadPrep reads the placement-time session prep row for a call.
func (s *Server) loadPrep(r *http.Request, callSID string) (*sessionPrep, error) {
	entry, err := s.st.LatestCallState(r.Context(), callSID, prepStateKind)
	if err != nil {
		return nil, err
	}
	var prep sessionPrep
	if err := json.Unmarshal(entry.Data, &prep); err != nil {
		return nil, err
	}
	return &prep, nil
}
