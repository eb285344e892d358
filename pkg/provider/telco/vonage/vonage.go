// Package vonage provides the Vonage-backed telephony and SMS provider.
// Voice API calls authenticate with an application JWT (RS256 over the
// application private key); inbound webhooks carry an HS256 JWT whose
// payload_hash claim binds the signature to the request body.
package vonage

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/media"
	"github.com/routatel/trunkline/pkg/provider/telco"
)

const (
	defaultVoiceBaseURL = "https://api.nexmo.com"
	defaultSMSBaseURL   = "https://rest.nexmo.com"

	// appJWTLifetime bounds the application JWT used on REST calls.
	appJWTLifetime = 5 * time.Minute
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithVoiceBaseURL overrides the Voice API endpoint, used by tests.
func WithVoiceBaseURL(base string) Option {
	return func(p *Provider) {
		p.voiceBaseURL = strings.TrimRight(base, "/")
	}
}

// WithSMSBaseURL overrides the SMS API endpoint, used by tests.
func WithSMSBaseURL(base string) Option {
	return func(p *Provider) {
		p.smsBaseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithSignatureSecret sets the shared secret that signs inbound webhook
// JWTs. Without it VerifyWebhook rejects everything.
func WithSignatureSecret(secret string) Option {
	return func(p *Provider) {
		p.signatureSecret = secret
	}
}

// WithMaxSkew bounds how old a webhook JWT's iat may be.
func WithMaxSkew(skew time.Duration) Option {
	return func(p *Provider) {
		p.maxSkew = skew
	}
}

// Provider implements telco.Provider and telco.SMSProvider against the
// Vonage Voice and SMS APIs.
type Provider struct {
	apiKey          string
	apiSecret       string
	applicationID   string
	privateKey      *rsa.PrivateKey
	signatureSecret string
	maxSkew         time.Duration

	voiceBaseURL string
	smsBaseURL   string
	httpClient   *http.Client

	mu      sync.RWMutex
	streams map[string]media.Stream
}

var (
	_ telco.Provider       = (*Provider)(nil)
	_ telco.SMSProvider    = (*Provider)(nil)
	_ telco.StreamAttacher = (*Provider)(nil)
	_ telco.Gatherer       = (*Provider)(nil)
)

// New creates a Vonage provider. apiKey/apiSecret drive the SMS API;
// applicationID and privateKeyPEM drive the Voice API.
func New(apiKey, apiSecret, applicationID string, privateKeyPEM []byte, opts ...Option) (*Provider, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("vonage: apiKey and apiSecret must not be empty")
	}
	if applicationID == "" {
		return nil, errors.New("vonage: applicationID must not be empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("vonage: parse private key: %w", err)
	}

	p := &Provider{
		apiKey:        apiKey,
		apiSecret:     apiSecret,
		applicationID: applicationID,
		privateKey:    key,
		voiceBaseURL:  defaultVoiceBaseURL,
		smsBaseURL:    defaultSMSBaseURL,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		streams:       make(map[string]media.Stream),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "vonage".
func (p *Provider) Name() string { return "vonage" }

// appJWT mints the short-lived application token for Voice API calls.
func (p *Provider) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"application_id": p.applicationID,
		"iat":            now.Unix(),
		"exp":            now.Add(appJWTLifetime).Unix(),
		"jti":            uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(p.privateKey)
	if err != nil {
		return "", fmt.Errorf("vonage: sign app jwt: %w", err)
	}
	return signed, nil
}

// ---- call control ----

type endpointPhone struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type createCallRequest struct {
	To               []endpointPhone `json:"to"`
	From             endpointPhone   `json:"from"`
	AnswerURL        []string        `json:"answer_url"`
	EventURL         []string        `json:"event_url,omitempty"`
	MachineDetection string          `json:"machine_detection,omitempty"`
	RingingTimer     int             `json:"ringing_timer,omitempty"`
}

type createCallResponse struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

// PlaceCall starts an outbound call that fetches req.AnswerURL on answer.
// Vonage numbers carry no leading plus.
func (p *Provider) PlaceCall(ctx context.Context, req telco.CallRequest) (telco.CallResult, error) {
	body := createCallRequest{
		To:        []endpointPhone{{Type: "phone", Number: strings.TrimPrefix(req.To, "+")}},
		From:      endpointPhone{Type: "phone", Number: strings.TrimPrefix(req.From, "+")},
		AnswerURL: []string{req.AnswerURL},
	}
	if req.StatusCallbackURL != "" {
		body.EventURL = []string{req.StatusCallbackURL}
	}
	if req.MachineDetection {
		body.MachineDetection = "continue"
	}
	if req.TimeoutS > 0 {
		body.RingingTimer = req.TimeoutS
	}

	var res createCallResponse
	if err := p.voiceJSON(ctx, http.MethodPost, "/v1/calls", body, &res); err != nil {
		return telco.CallResult{}, fmt.Errorf("vonage: place call: %w", err)
	}
	return telco.CallResult{ProviderCallID: res.UUID, Status: res.Status}, nil
}

type modifyCallRequest struct {
	Action      string           `json:"action"`
	Destination *nccoDestination `json:"destination,omitempty"`
}

type nccoDestination struct {
	Type string          `json:"type"`
	NCCO json.RawMessage `json:"ncco"`
}

// Hangup terminates an active call leg.
func (p *Provider) Hangup(ctx context.Context, providerCallID string) error {
	body := modifyCallRequest{Action: "hangup"}
	if err := p.voiceJSON(ctx, http.MethodPut, "/v1/calls/"+providerCallID, body, nil); err != nil {
		return fmt.Errorf("vonage: hangup %s: %w", providerCallID, err)
	}
	return nil
}

// UpdateCall transfers the live call onto a new NCCO. instructions must be
// an NCCO JSON array.
func (p *Provider) UpdateCall(ctx context.Context, providerCallID, instructions string) error {
	body := modifyCallRequest{
		Action:      "transfer",
		Destination: &nccoDestination{Type: "ncco", NCCO: json.RawMessage(instructions)},
	}
	if err := p.voiceJSON(ctx, http.MethodPut, "/v1/calls/"+providerCallID, body, nil); err != nil {
		return fmt.Errorf("vonage: update call %s: %w", providerCallID, err)
	}
	return nil
}

// Gather collects digits with an NCCO input action transfer.
func (p *Provider) Gather(ctx context.Context, providerCallID string, req telco.GatherRequest) error {
	return p.UpdateCall(ctx, providerCallID, GatherNCCO(req))
}

// ---- media ----

// AttachStream registers the media stream for a call so SendMedia can reach
// it.
func (p *Provider) AttachStream(callSID string, s media.Stream) {
	p.mu.Lock()
	p.streams[callSID] = s
	p.mu.Unlock()
}

// DetachStream removes the stream registration for a call.
func (p *Provider) DetachStream(callSID string) {
	p.mu.Lock()
	delete(p.streams, callSID)
	p.mu.Unlock()
}

// SendMedia writes audio into the call's attached WebSocket leg.
func (p *Provider) SendMedia(ctx context.Context, callSID string, audio []byte) error {
	p.mu.RLock()
	s, ok := p.streams[callSID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("vonage: send media %s: %w", callSID, telco.ErrNoStream)
	}
	return s.Send(ctx, audio)
}

// ---- SMS ----

type smsResponse struct {
	MessageCount string `json:"message-count"`
	Messages     []struct {
		Status    string `json:"status"`
		MessageID string `json:"message-id"`
		ErrorText string `json:"error-text"`
	} `json:"messages"`
}

// SendSMS submits one outbound message through the legacy SMS API.
func (p *Provider) SendSMS(ctx context.Context, req telco.SMSRequest) (telco.SMSResult, error) {
	form := url.Values{}
	form.Set("api_key", p.apiKey)
	form.Set("api_secret", p.apiSecret)
	form.Set("to", strings.TrimPrefix(req.To, "+"))
	form.Set("from", strings.TrimPrefix(req.From, "+"))
	form.Set("text", req.Body)
	if req.StatusCallbackURL != "" {
		form.Set("callback", req.StatusCallbackURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.smsBaseURL+"/sms/json",
		strings.NewReader(form.Encode()))
	if err != nil {
		return telco.SMSResult{}, fmt.Errorf("vonage: send sms: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return telco.SMSResult{}, fmt.Errorf("vonage: send sms: %w",
			fault.Wrap(fault.ProviderTransient, "vonage_unreachable", err))
	}
	defer resp.Body.Close()

	var res smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return telco.SMSResult{}, fmt.Errorf("vonage: send sms: %w",
			fault.Wrap(fault.ProviderTransient, "vonage_bad_response", err))
	}
	if len(res.Messages) == 0 {
		return telco.SMSResult{}, fmt.Errorf("vonage: send sms: %w",
			fault.New(fault.ProviderTransient, "vonage_empty_response", "no message entries"))
	}

	msg := res.Messages[0]
	// Status "0" is success; "1" is throttled and worth retrying.
	if msg.Status != "0" {
		kind := fault.ProviderPermanent
		if msg.Status == "1" {
			kind = fault.ProviderTransient
		}
		return telco.SMSResult{}, fmt.Errorf("vonage: send sms: %w",
			fault.Newf(kind, "vonage_sms_"+msg.Status, "%s", msg.ErrorText))
	}

	segments := 1
	if n := len(res.Messages); n > 1 {
		segments = n
	}
	return telco.SMSResult{ProviderMessageID: msg.MessageID, Status: "sent", Segments: segments}, nil
}

// MessageStatus is not supported: Vonage only pushes delivery receipts.
func (p *Provider) MessageStatus(_ context.Context, providerMessageID string) (string, error) {
	return "", fmt.Errorf("vonage: message status %s: %w", providerMessageID, telco.ErrNotSupported)
}

// ---- webhook verification ----

// VerifyWebhook checks the Authorization bearer JWT: HS256 over the
// signature secret, with the payload_hash claim equal to the hex SHA-256 of
// the request body and iat within the configured skew.
func (p *Provider) VerifyWebhook(r *http.Request, body []byte) error {
	if p.signatureSecret == "" {
		return fault.New(fault.Auth, "webhook_unverifiable", "vonage: no signature secret configured")
	}

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return fault.New(fault.Auth, "webhook_unsigned", "vonage: missing bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(p.signatureSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fault.Wrap(fault.Auth, "webhook_bad_signature", err)
	}

	if p.maxSkew > 0 {
		iat, err := claims.GetIssuedAt()
		if err != nil || iat == nil {
			return fault.New(fault.Auth, "webhook_no_iat", "vonage: token missing iat")
		}
		if d := time.Since(iat.Time); d > p.maxSkew || d < -p.maxSkew {
			return fault.Newf(fault.Auth, "webhook_stale", "vonage: token iat skew %v", d)
		}
	}

	wantHash, _ := claims["payload_hash"].(string)
	if wantHash == "" {
		return fault.New(fault.Auth, "webhook_no_payload_hash", "vonage: token missing payload_hash")
	}
	sum := sha256.Sum256(body)
	gotHash := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(gotHash), []byte(wantHash)) != 1 {
		return fault.New(fault.Auth, "webhook_payload_mismatch", "vonage: payload hash mismatch")
	}
	return nil
}

// ---- REST plumbing ----

func (p *Provider) voiceJSON(ctx context.Context, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, p.voiceBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	token, err := p.appJWT()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fault.Wrap(fault.ProviderTransient, "vonage_unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fault.Wrap(fault.ProviderTransient, "vonage_bad_response", err)
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := fault.ProviderPermanent
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		kind = fault.ProviderTransient
	}
	return fault.Newf(kind, fmt.Sprintf("vonage_%d", resp.StatusCode), "%s", strings.TrimSpace(string(detail)))
}
