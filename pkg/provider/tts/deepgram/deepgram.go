// Package deepgram provides a Deepgram Aura-backed TTS provider using the
// Deepgram speak REST API. It implements the tts.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/provider/tts"
)

const (
	speakEndpoint = "https://api.deepgram.com/v1/speak"
	defaultVoice  = "aura-asteria-en"

	// maxTextLen is the Aura per-request character limit.
	maxTextLen = 2000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithEndpoint overrides the speak endpoint URL. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithDefaultVoice sets the voice model used when a request omits one.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) {
		p.defaultVoice = voice
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the Deepgram Aura speak API.
type Provider struct {
	apiKey       string
	endpoint     string
	defaultVoice string
	httpClient   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Deepgram TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     speakEndpoint,
		defaultVoice: defaultVoice,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speakBody is the JSON payload for the speak endpoint.
type speakBody struct {
	Text string `json:"text"`
}

// Synthesize converts req.Text into audio via the Aura speak API. The
// response body is the raw audio payload in the requested encoding.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fault.New(fault.Validation, "tts_empty_text", "text must not be empty")
	}
	if len(req.Text) > maxTextLen {
		return nil, fault.Newf(fault.Validation, "tts_text_too_long",
			"text length %d exceeds the %d character limit", len(req.Text), maxTextLen)
	}

	endpoint, err := p.buildURL(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	payload, err := json.Marshal(speakBody{Text: req.Text})
	if err != nil {
		return nil, fmt.Errorf("deepgram: marshal body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("deepgram: new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.ProviderTransient, "tts_unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, body)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.ProviderTransient, "tts_read_body", err)
	}
	if len(audio) == 0 {
		return nil, fault.New(fault.ProviderPermanent, "tts_empty_audio", "speak returned empty audio")
	}
	return audio, nil
}

// buildURL constructs the speak endpoint URL with model and encoding params.
func (p *Provider) buildURL(req tts.Request) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	voice := req.VoiceModel
	if voice == "" {
		voice = p.defaultVoice
	}

	q := u.Query()
	q.Set("model", voice)
	if req.Encoding != "" {
		q.Set("encoding", req.Encoding)
	}
	if req.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(req.SampleRate))
	}
	if req.Container != "" {
		q.Set("container", req.Container)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// classifyStatus maps a non-200 speak response onto the fault taxonomy.
func classifyStatus(status int, body []byte) error {
	code := "tts_http_" + strconv.Itoa(status)
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.Auth, code, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.New(fault.ProviderTransient, code, msg)
	default:
		return fault.New(fault.ProviderPermanent, code, msg)
	}
}
