package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/routatel/trunkline/internal/digits"
	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/webhook"
	"github.com/routatel/trunkline/pkg/provider/telco"
	"github.com/routatel/trunkline/pkg/types"
)

const (
	maxPromptLen       = 12000
	maxFirstMessageLen = 1000
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// outboundRequest is the POST /outbound-call body.
type outboundRequest struct {
	Number       string `json:"number"`
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"first_message"`

	UserChatID   string `json:"user_chat_id,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
	BusinessID   string `json:"business_id,omitempty"`

	Script         string `json:"script,omitempty"`
	Purpose        string `json:"purpose,omitempty"`
	Emotion        string `json:"emotion,omitempty"`
	Urgency        string `json:"urgency,omitempty"`
	TechnicalLevel string `json:"technical_level,omitempty"`
	VoiceModel     string `json:"voice_model,omitempty"`

	CollectionProfile           string `json:"collection_profile,omitempty"`
	CollectionExpectedLength    int    `json:"collection_expected_length,omitempty"`
	CollectionTimeoutS          int    `json:"collection_timeout_s,omitempty"`
	CollectionMaxRetries        int    `json:"collection_max_retries,omitempty"`
	CollectionMaskForGPT        *bool  `json:"collection_mask_for_gpt,omitempty"`
	CollectionSpeakConfirmation *bool  `json:"collection_speak_confirmation,omitempty"`
}

// outboundResponse is the POST /outbound-call response.
type outboundResponse struct {
	Success            bool     `json:"success"`
	CallSID            string   `json:"call_sid"`
	To                 string   `json:"to"`
	Status             string   `json:"status"`
	Provider           string   `json:"provider"`
	BusinessContext    string   `json:"business_context,omitempty"`
	GeneratedFunctions int      `json:"generated_functions"`
	FunctionTypes      []string `json:"function_types"`
	EnhancedWebhooks   bool     `json:"enhanced_webhooks"`
}

// sessionPrep is persisted at placement time and replayed into the session
// when the media stream attaches.
type sessionPrep struct {
	ChannelSessionID string `json:"channel_session_id"`
	Profile          string `json:"profile,omitempty"`
	Intent           string `json:"intent,omitempty"`
	VoiceModel       string `json:"voice_model,omitempty"`

	CollectionProfile        string `json:"collection_profile,omitempty"`
	CollectionExpectedLength int    `json:"collection_expected_length,omitempty"`
	CollectionTimeoutS       int    `json:"collection_timeout_s,omitempty"`
	CollectionMaxRetries     int    `json:"collection_max_retries,omitempty"`
}

// prepStateKind is the call-state kind holding the sessionPrep row.
const prepStateKind = "session_prep"

func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.verifier.Verify(r, body); err != nil {
		writeError(w, err)
		return
	}

	var req outboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "bad_json", err))
		return
	}
	if err := validateOutbound(req); err != nil {
		writeError(w, err)
		return
	}

	// Same signed submission twice yields one call record. The signature
	// covers timestamp|body, so it identifies the submission.
	dedupeKey := "outbound:" + r.Header.Get(webhook.HeaderSignature)
	outcome, cached, err := s.dedupe.Check(ctx, dedupeKey)
	if err != nil {
		writeError(w, err)
		return
	}
	switch outcome {
	case webhook.Replay:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	case webhook.InFlight:
		writeJSON(w, http.StatusConflict, errorBody{Error: "placement in progress"})
		return
	}

	resp, err := s.placeCall(ctx, req)
	if err != nil {
		if derr := s.dedupe.Fail(ctx, dedupeKey); derr != nil {
			s.log.Error("dedupe release failed", "error", derr)
		}
		writeError(w, err)
		return
	}

	raw, _ := json.Marshal(resp)
	if err := s.dedupe.Complete(ctx, dedupeKey, raw); err != nil {
		s.log.Error("dedupe complete failed", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func validateOutbound(req outboundRequest) error {
	if !e164.MatchString(req.Number) {
		return fault.New(fault.Validation, "bad_number", "number must be E.164")
	}
	if req.Prompt == "" {
		return fault.New(fault.Validation, "missing_prompt", "prompt is required")
	}
	if len(req.Prompt) > maxPromptLen {
		return fault.Newf(fault.Validation, "prompt_too_long", "prompt exceeds %d characters", maxPromptLen)
	}
	if len(req.FirstMessage) > maxFirstMessageLen {
		return fault.Newf(fault.Validation, "first_message_too_long", "first_message exceeds %d characters", maxFirstMessageLen)
	}
	if req.CollectionProfile != "" {
		if _, known := digits.ProfileFor(req.CollectionProfile); !known {
			return fault.Newf(fault.Validation, "bad_collection_profile", "unknown collection profile %q", req.CollectionProfile)
		}
	}
	return nil
}

// placeCall picks a healthy provider, places the call, and records it. A
// placement failure is reported to the router and retried once on the next
// selection before giving up.
func (s *Server) placeCall(ctx context.Context, req outboundRequest) (*outboundResponse, error) {
	channelSessionID := uuid.NewString()

	var (
		result   telco.CallResult
		provider string
		lastErr  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		p, err := s.router.PickFor(ctx, "outbound")
		if err != nil {
			return nil, err
		}
		result, err = p.PlaceCall(ctx, s.callRequest(req, channelSessionID, p.Name()))
		if err == nil {
			provider = p.Name()
			s.router.ReportSuccess(ctx, p.Name())
			break
		}
		lastErr = err
		s.router.ReportFailure(ctx, p.Name(), err)
	}
	if provider == "" {
		return nil, fault.Wrap(fault.ProviderTransient, "placement_failed", lastErr)
	}

	now := time.Now()
	callRec := &types.Call{
		CallSID:         result.ProviderCallID,
		Provider:        provider,
		Direction:       types.DirectionOutbound,
		PhoneNumber:     req.Number,
		Status:          types.CallQueued,
		CreatedAt:       now,
		UserChatID:      req.UserChatID,
		CustomerName:    req.CustomerName,
		Prompt:          req.Prompt,
		FirstMessage:    req.FirstMessage,
		BusinessContext: businessContext(req),
	}
	if err := s.st.CreateCall(ctx, callRec); err != nil {
		return nil, fault.Wrap(fault.StorageUnavailable, "call_create", err)
	}

	prep, _ := json.Marshal(sessionPrep{
		ChannelSessionID:         channelSessionID,
		Profile:                  profileFor(req),
		Intent:                   req.Purpose,
		VoiceModel:               req.VoiceModel,
		CollectionProfile:        req.CollectionProfile,
		CollectionExpectedLength: req.CollectionExpectedLength,
		CollectionTimeoutS:       req.CollectionTimeoutS,
		CollectionMaxRetries:     req.CollectionMaxRetries,
	})
	if err := s.st.AppendCallState(ctx, &types.CallStateEntry{
		CallSID: callRec.CallSID,
		Kind:    prepStateKind,
		Data:    prep,
	}); err != nil {
		s.log.Error("session prep write failed", "call_sid", callRec.CallSID, "error", err)
	}

	s.log.Info("outbound call placed",
		"call_sid", callRec.CallSID, "provider", provider, "to", req.Number)

	return &outboundResponse{
		Success:            true,
		CallSID:            callRec.CallSID,
		To:                 req.Number,
		Status:             string(callRec.Status),
		Provider:           provider,
		BusinessContext:    callRec.BusinessContext,
		GeneratedFunctions: len(builtinFunctions(req)),
		FunctionTypes:      builtinFunctions(req),
		EnhancedWebhooks:   true,
	}, nil
}

// callRequest builds the provider placement request. The channel session id
// rides both the stream parameters and the webhook URLs so gather callbacks
// can be matched to the session that issued them. The callback URLs follow
// the provider the router picked: a failover placement must call back the
// ingress that speaks its dialect.
func (s *Server) callRequest(req outboundRequest, channelSessionID, provider string) telco.CallRequest {
	answerURL, statusURL := PlacementWebhooks(provider, s.cfg.Server.PublicHost)
	return telco.CallRequest{
		To:                req.Number,
		From:              s.fromNumber(provider),
		AnswerURL:         answerURL,
		StatusCallbackURL: statusURL,
		MachineDetection:  true,
		Params: map[string]string{
			"channelSessionId": channelSessionID,
		},
	}
}

// PlacementWebhooks returns the answer and status callback URLs to hand the
// named provider at placement time. Each provider family calls back its own
// ingress; pointing a Vonage leg at the Twilio voice handler would serve it
// TwiML and fail its signature check, killing the call on answer.
func PlacementWebhooks(provider, host string) (answerURL, statusURL string) {
	if provider == "vonage" {
		return fmt.Sprintf("https://%s/webhook/vonage-answer", host),
			fmt.Sprintf("https://%s/webhook/vonage-event", host)
	}
	return fmt.Sprintf("https://%s/webhook/twilio-voice", host),
		fmt.Sprintf("https://%s/webhook/twilio-status", host)
}

func (s *Server) fromNumber(provider string) string {
	if provider == "vonage" && s.cfg.Providers.Vonage.FromNumber != "" {
		return s.cfg.Providers.Vonage.FromNumber
	}
	return s.cfg.Providers.Twilio.FromNumber
}

// businessContext folds the campaign hints into one free-form field the
// prompt composer consumes.
func businessContext(req outboundRequest) string {
	ctx := ""
	if req.BusinessID != "" {
		ctx = "business=" + req.BusinessID
	}
	for _, kv := range []struct{ k, v string }{
		{"purpose", req.Purpose},
		{"emotion", req.Emotion},
		{"urgency", req.Urgency},
		{"technical_level", req.TechnicalLevel},
		{"script", req.Script},
	} {
		if kv.v == "" {
			continue
		}
		if ctx != "" {
			ctx += "; "
		}
		ctx += kv.k + "=" + kv.v
	}
	return ctx
}

// profileFor derives the persona overlay from the request.
func profileFor(req outboundRequest) string {
	if req.CollectionProfile != "" {
		return "verification"
	}
	switch req.Purpose {
	case "sales", "support", "collections":
		return req.Purpose
	}
	return ""
}

// builtinFunctions lists the tools offered to the model on this call.
func builtinFunctions(req outboundRequest) []string {
	fns := []string{"end_call", "transfer_call", "send_sms"}
	if req.CollectionProfile != "" {
		fns = append([]string{"collect_digits"}, fns...)
	}
	return fns
}
