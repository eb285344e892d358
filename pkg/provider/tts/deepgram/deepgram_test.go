package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/provider/tts"
)

func telephonyRequest(text string) tts.Request {
	return tts.Request{
		Text:       text,
		VoiceModel: "aura-asteria-en",
		Encoding:   "mulaw",
		SampleRate: 8000,
		Container:  "none",
	}
}

func TestSynthesize_RequestShape(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotQuery url.Values
	var gotAuth string
	var gotBody speakBody

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte{0x7f, 0x7f, 0x7f})
	}))
	defer srv.Close()

	p, err := New("dg-key", WithEndpoint(srv.URL+"/v1/speak"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), telephonyRequest("Please hold."))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if len(audio) != 3 {
		t.Errorf("audio length = %d, want 3", len(audio))
	}
	if gotPath != "/v1/speak" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Token dg-key" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if got := gotQuery.Get("model"); got != "aura-asteria-en" {
		t.Errorf("model = %q", got)
	}
	if got := gotQuery.Get("encoding"); got != "mulaw" {
		t.Errorf("encoding = %q", got)
	}
	if got := gotQuery.Get("sample_rate"); got != "8000" {
		t.Errorf("sample_rate = %q", got)
	}
	if got := gotQuery.Get("container"); got != "none" {
		t.Errorf("container = %q", got)
	}
	if gotBody.Text != "Please hold." {
		t.Errorf("body text = %q", gotBody.Text)
	}
}

func TestSynthesize_DefaultVoice(t *testing.T) {
	t.Parallel()

	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotModel = r.URL.Query().Get("model")
		_, _ = w.Write([]byte{1})
	}))
	defer srv.Close()

	p, err := New("key", WithEndpoint(srv.URL), WithDefaultVoice("aura-orion-en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := telephonyRequest("hi")
	req.VoiceModel = ""
	if _, err := p.Synthesize(context.Background(), req); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gotModel != "aura-orion-en" {
		t.Errorf("model = %q, want default voice", gotModel)
	}
}

func TestSynthesize_ErrorKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		want   fault.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, fault.ProviderTransient},
		{"server error", http.StatusBadGateway, fault.ProviderTransient},
		{"bad request", http.StatusBadRequest, fault.ProviderPermanent},
		{"unauthorized", http.StatusUnauthorized, fault.Auth},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"err_msg":"nope"}`, tc.status)
			}))
			defer srv.Close()

			p, err := New("key", WithEndpoint(srv.URL))
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			_, err = p.Synthesize(context.Background(), telephonyRequest("hi"))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := fault.KindOf(err); got != tc.want {
				t.Errorf("kind = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSynthesize_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediate refusal

	p, err := New("key", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Synthesize(context.Background(), telephonyRequest("hi"))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fault.KindOf(err); got != fault.ProviderTransient {
		t.Errorf("kind = %v, want ProviderTransient", got)
	}
}

func TestSynthesize_Validation(t *testing.T) {
	t.Parallel()

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Synthesize(context.Background(), telephonyRequest("   "))
	if fault.KindOf(err) != fault.Validation {
		t.Errorf("empty text: kind = %v, want Validation", fault.KindOf(err))
	}

	long := make([]byte, maxTextLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = p.Synthesize(context.Background(), telephonyRequest(string(long)))
	if fault.KindOf(err) != fault.Validation {
		t.Errorf("oversized text: kind = %v, want Validation", fault.KindOf(err))
	}
}

func TestSynthesize_EmptyAudioRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New("key", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Synthesize(context.Background(), telephonyRequest("hi"))
	if err == nil {
		t.Fatal("expected error for empty audio body")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Code != "tts_empty_audio" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}
