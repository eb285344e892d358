// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs REST synthesis API. It implements the tts.Provider interface
// and serves as the backup backend in the synthesis fallback chain.
package elevenlabs

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
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoiceMap maps upstream voice identifiers to ElevenLabs voice IDs so a
// request prepared for the primary backend still resolves to a usable voice
// after failover. Unmapped identifiers fall back to the default voice.
func WithVoiceMap(m map[string]string) Option {
	return func(p *Provider) {
		p.voiceMap = m
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs REST API.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	defaultVoice string
	voiceMap     map[string]string
	httpClient   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey and defaultVoice must be
// non-empty; defaultVoice is the ElevenLabs voice ID used when a request's
// voice model is empty or unmapped.
func New(apiKey, defaultVoice string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if defaultVoice == "" {
		return nil, errors.New("elevenlabs: defaultVoice must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		defaultVoice: defaultVoice,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesisBody is the JSON payload for the text-to-speech endpoint.
type synthesisBody struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize converts req.Text into audio via POST /v1/text-to-speech.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fault.New(fault.Validation, "tts_empty_text", "text must not be empty")
	}

	format, err := outputFormat(req.Encoding, req.SampleRate)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		p.baseURL, url.PathEscape(p.resolveVoice(req.VoiceModel)), format)

	payload, err := json.Marshal(synthesisBody{
		Text:    req.Text,
		ModelID: p.model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: new request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
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
		return nil, fault.New(fault.ProviderPermanent, "tts_empty_audio", "synthesis returned empty audio")
	}
	return audio, nil
}

// resolveVoice maps an upstream voice identifier to an ElevenLabs voice ID.
func (p *Provider) resolveVoice(voiceModel string) string {
	if voiceModel == "" {
		return p.defaultVoice
	}
	if mapped, ok := p.voiceMap[voiceModel]; ok {
		return mapped
	}
	// Identifiers carrying a known ElevenLabs shape pass through; anything
	// else (another backend's naming) falls back to the default voice.
	if strings.HasPrefix(voiceModel, "aura-") {
		return p.defaultVoice
	}
	return voiceModel
}

// outputFormat maps a telephony encoding onto the ElevenLabs output_format
// parameter.
func outputFormat(encoding string, sampleRate int) (string, error) {
	switch encoding {
	case "mulaw", "":
		return "ulaw_8000", nil
	case "linear16":
		switch sampleRate {
		case 8000:
			return "pcm_8000", nil
		case 0, 16000:
			return "pcm_16000", nil
		case 22050:
			return "pcm_22050", nil
		case 24000:
			return "pcm_24000", nil
		}
		return "", fault.Newf(fault.Validation, "tts_sample_rate",
			"unsupported linear16 sample rate %d", sampleRate)
	default:
		return "", fault.Newf(fault.Validation, "tts_encoding",
			"unsupported encoding %q", encoding)
	}
}

// classifyStatus maps a non-200 synthesis response onto the fault taxonomy.
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
