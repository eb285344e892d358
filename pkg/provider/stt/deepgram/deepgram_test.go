package deepgram

import (
	"net/url"
	"testing"
	"time"

	"github.com/routatel/trunkline/pkg/provider/stt"
	"github.com/routatel/trunkline/pkg/types"
)

// ---- URL / query-param tests ----

func TestBuildURL_TelephonyDefaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-2-phonecall", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "mulaw", q.Get("encoding"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "endpointing", "300", q.Get("endpointing"))
	assertEqual(t, "utterance_end_ms", "1200", q.Get("utterance_end_ms"))
}

func TestBuildURL_LinearSixteen(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{
		Encoding:   "linear16",
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestBuildURL_Options(t *testing.T) {
	p, err := New("key",
		WithModel("nova-2"),
		WithLanguage("de-DE"),
		WithEndpointing(500),
		WithUtteranceEnd(2000),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "nova-2", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "endpointing", "500", q.Get("endpointing"))
	assertEqual(t, "utterance_end_ms", "2000", q.Get("utterance_end_ms"))
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	// cfg.Language takes precedence over the provider-level default.
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

// ---- JSON parsing tests ----

func TestParseResponse_SpeechFinal(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"speech_final": true,
		"start": 0.5,
		"duration": 1.25,
		"channel": {
			"alternatives": [{
				"transcript": "my account number is frozen",
				"confidence": 0.95
			}]
		}
	}`)

	tr, ok := parseResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}

	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	if !tr.SpeechFinal {
		t.Error("expected SpeechFinal=true")
	}
	assertEqual(t, "text", "my account number is frozen", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if tr.Timestamp != 500*time.Millisecond {
		t.Errorf("unexpected timestamp: %v", tr.Timestamp)
	}
	if tr.Duration != 1250*time.Millisecond {
		t.Errorf("unexpected duration: %v", tr.Duration)
	}
}

func TestParseResponse_FinalWithoutSpeechFinal(t *testing.T) {
	// is_final batches without speech_final accumulate in the consumer's
	// utterance buffer until endpointing or UtteranceEnd fires.
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"speech_final": false,
		"channel": {
			"alternatives": [{"transcript": "my account", "confidence": 0.9}]
		}
	}`)

	tr, ok := parseResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	if tr.SpeechFinal {
		t.Error("expected SpeechFinal=false")
	}
}

func TestParseResponse_Interim(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{"transcript": "my acc", "confidence": 0.7}]
		}
	}`)

	tr, ok := parseResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for interim result")
	}
	assertEqual(t, "text", "my acc", tr.Text)
}

func TestParseResponse_UtteranceEnd(t *testing.T) {
	raw := []byte(`{"type":"UtteranceEnd","last_word_end":3.1}`)

	tr, ok := parseResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for UtteranceEnd message")
	}
	if !tr.IsFinal || !tr.SpeechFinal {
		t.Errorf("expected final+speech-final flush marker, got %+v", tr)
	}
	if tr.Text != "" {
		t.Errorf("expected empty text, got %q", tr.Text)
	}
}

func TestParseResponse_NonResultsType(t *testing.T) {
	raw := []byte(`{"type":"Metadata","request_id":"abc"}`)
	_, ok := parseResponse(raw)
	if ok {
		t.Error("expected ok=false for non-Results message")
	}
}

func TestParseResponse_EmptyAlternatives(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`)
	_, ok := parseResponse(raw)
	if ok {
		t.Error("expected ok=false when alternatives is empty")
	}
}

func TestParseResponse_InvalidJSON(t *testing.T) {
	_, ok := parseResponse([]byte(`{invalid`))
	if ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if p.endpointingMs != defaultEndpointingMs {
		t.Errorf("expected endpointing %d, got %d", defaultEndpointingMs, p.endpointingMs)
	}
	if p.utteranceEndMs != defaultUtteranceEndMs {
		t.Errorf("expected utterance_end_ms %d, got %d", defaultUtteranceEndMs, p.utteranceEndMs)
	}
}

// ---- SendAudio after close ----

func TestSendAudio_AfterClose(t *testing.T) {
	s := &session{
		interims: make(chan types.Transcript, 1),
		finals:   make(chan types.Transcript, 1),
		audio:    make(chan []byte, 1),
		done:     make(chan struct{}),
	}
	close(s.done)

	if err := s.SendAudio([]byte{0x7f}); err != stt.ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
