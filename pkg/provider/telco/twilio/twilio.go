// Package twilio provides the Twilio-backed telephony and SMS provider.
// Control-plane operations go through the Twilio REST API; call audio moves
// over Media Streams sockets attached per call. Webhook authenticity is
// checked with Twilio's HMAC-SHA1 request signature.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/media"
	"github.com/routatel/trunkline/pkg/provider/telco"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	apiVersion     = "2010-04-01"

	// signatureHeader carries Twilio's request signature.
	signatureHeader = "X-Twilio-Signature"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithBaseURL overrides the REST endpoint, used by tests.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithPublicHost sets the externally visible host used to reconstruct
// webhook URLs for signature verification. Without it the Host header of
// the inbound request is trusted.
func WithPublicHost(host string) Option {
	return func(p *Provider) {
		p.publicHost = host
	}
}

// Provider implements telco.Provider and telco.SMSProvider against the
// Twilio REST API.
type Provider struct {
	accountSID string
	authToken  string
	baseURL    string
	publicHost string
	httpClient *http.Client

	mu      sync.RWMutex
	streams map[string]media.Stream
}

var (
	_ telco.Provider       = (*Provider)(nil)
	_ telco.SMSProvider    = (*Provider)(nil)
	_ telco.StreamAttacher = (*Provider)(nil)
	_ telco.Gatherer       = (*Provider)(nil)
)

// New creates a Twilio provider. accountSID and authToken must be non-empty.
func New(accountSID, authToken string, opts ...Option) (*Provider, error) {
	if accountSID == "" {
		return nil, errors.New("twilio: accountSID must not be empty")
	}
	if authToken == "" {
		return nil, errors.New("twilio: authToken must not be empty")
	}
	p := &Provider{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		streams:    make(map[string]media.Stream),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "twilio".
func (p *Provider) Name() string { return "twilio" }

// ---- call control ----

// callResource is the subset of Twilio's call resource the adapter reads.
type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall starts an outbound call that fetches req.AnswerURL on answer.
func (p *Provider) PlaceCall(ctx context.Context, req telco.CallRequest) (telco.CallResult, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	if req.MachineDetection {
		form.Set("MachineDetection", "Enable")
	}
	if req.TimeoutS > 0 {
		form.Set("Timeout", strconv.Itoa(req.TimeoutS))
	}

	var res callResource
	if err := p.post(ctx, p.accountURL("Calls.json"), form, &res); err != nil {
		return telco.CallResult{}, fmt.Errorf("twilio: place call: %w", err)
	}
	return telco.CallResult{ProviderCallID: res.SID, Status: res.Status}, nil
}

// Hangup completes an active call.
func (p *Provider) Hangup(ctx context.Context, providerCallID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	if err := p.post(ctx, p.accountURL("Calls/"+providerCallID+".json"), form, nil); err != nil {
		return fmt.Errorf("twilio: hangup %s: %w", providerCallID, err)
	}
	return nil
}

// UpdateCall replaces the live call's TwiML.
func (p *Provider) UpdateCall(ctx context.Context, providerCallID, instructions string) error {
	form := url.Values{}
	form.Set("Twiml", instructions)
	if err := p.post(ctx, p.accountURL("Calls/"+providerCallID+".json"), form, nil); err != nil {
		return fmt.Errorf("twilio: update call %s: %w", providerCallID, err)
	}
	return nil
}

// Gather issues provider-side digit collection as a TwiML update.
func (p *Provider) Gather(ctx context.Context, providerCallID string, req telco.GatherRequest) error {
	return p.UpdateCall(ctx, providerCallID, GatherTwiML(req))
}

// ---- media ----

// AttachStream registers the media stream for a call so SendMedia can reach
// it. A later attach for the same call replaces the earlier stream.
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

// SendMedia writes audio into the call's attached Media Streams socket.
func (p *Provider) SendMedia(ctx context.Context, callSID string, audio []byte) error {
	p.mu.RLock()
	s, ok := p.streams[callSID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("twilio: send media %s: %w", callSID, telco.ErrNoStream)
	}
	return s.Send(ctx, audio)
}

// ---- SMS ----

// messageResource is the subset of Twilio's message resource the adapter
// reads. NumSegments arrives as a string.
type messageResource struct {
	SID         string `json:"sid"`
	Status      string `json:"status"`
	NumSegments string `json:"num_segments"`
}

// SendSMS submits one outbound message.
func (p *Provider) SendSMS(ctx context.Context, req telco.SMSRequest) (telco.SMSResult, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Body", req.Body)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
	}

	var res messageResource
	if err := p.post(ctx, p.accountURL("Messages.json"), form, &res); err != nil {
		return telco.SMSResult{}, fmt.Errorf("twilio: send sms: %w", err)
	}
	segments, _ := strconv.Atoi(res.NumSegments)
	return telco.SMSResult{ProviderMessageID: res.SID, Status: res.Status, Segments: segments}, nil
}

// MessageStatus re-queries delivery state for reconciliation.
func (p *Provider) MessageStatus(ctx context.Context, providerMessageID string) (string, error) {
	var res messageResource
	if err := p.get(ctx, p.accountURL("Messages/"+providerMessageID+".json"), &res); err != nil {
		return "", fmt.Errorf("twilio: message status %s: %w", providerMessageID, err)
	}
	return res.Status, nil
}

// ---- webhook verification ----

// VerifyWebhook checks the X-Twilio-Signature header: HMAC-SHA1 over the
// full request URL with the sorted POST parameters appended, base64-encoded
// and compared in constant time.
func (p *Provider) VerifyWebhook(r *http.Request, body []byte) error {
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		return fault.New(fault.Auth, "webhook_unsigned", "twilio: missing "+signatureHeader)
	}

	params := url.Values{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		parsed, err := url.ParseQuery(string(body))
		if err != nil {
			return fault.Wrap(fault.Auth, "webhook_bad_form", err)
		}
		params = parsed
	}

	if !validateSignature(p.authToken, p.requestURL(r), params, sig) {
		return fault.New(fault.Auth, "webhook_bad_signature", "twilio: signature mismatch")
	}
	return nil
}

// requestURL reconstructs the URL Twilio signed. Twilio always calls the
// public HTTPS endpoint, so the configured public host wins over whatever
// host header the proxy forwarded.
func (p *Provider) requestURL(r *http.Request) string {
	host := p.publicHost
	if host == "" {
		host = r.Host
	}
	return "https://" + host + r.URL.RequestURI()
}

// validateSignature implements Twilio's request validation: parameters are
// appended key+value in lexical key order to the URL, HMAC-SHA1 signed with
// the auth token, and base64 encoded.
func validateSignature(authToken, fullURL string, params url.Values, signature string) bool {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// ---- REST plumbing ----

func (p *Provider) accountURL(resource string) string {
	return p.baseURL + "/" + apiVersion + "/Accounts/" + p.accountSID + "/" + resource
}

func (p *Provider) post(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(req, out)
}

func (p *Provider) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return p.do(req, out)
}

// apiError is Twilio's REST error body.
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

func (p *Provider) do(req *http.Request, out any) error {
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fault.Wrap(fault.ProviderTransient, "twilio_unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fault.Wrap(fault.ProviderTransient, "twilio_bad_response", err)
		}
		return nil
	}

	var apiErr apiError
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	kind := fault.ProviderPermanent
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		kind = fault.ProviderTransient
	}
	return fault.Newf(kind, "twilio_"+strconv.Itoa(resp.StatusCode), "%s (code %d)", msg, apiErr.Code)
}
