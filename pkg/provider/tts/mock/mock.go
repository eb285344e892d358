// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio payloads to consumers and to verify
// which synthesis requests were made.
//
// Example:
//
//	p := &mock.Provider{
//	    AudioFor: func(req tts.Request) []byte { return []byte(req.Text) },
//	}
//	audio, _ := p.Synthesize(ctx, tts.Request{Text: "hello", Encoding: "mulaw"})
package mock

import (
	"context"
	"sync"

	"github.com/routatel/trunkline/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by every Synthesize call when AudioFor is nil. When
	// both are nil/empty, Synthesize echoes the request text as bytes.
	Audio []byte

	// AudioFor, when set, computes the audio for each request.
	AudioFor func(req tts.Request) []byte

	// SynthesizeErr, if non-nil, is returned by every Synthesize call. When
	// ErrOnce is set the error is returned only for the first call.
	SynthesizeErr error

	// ErrOnce limits SynthesizeErr to the first call, letting tests exercise
	// the backup-voice retry path.
	ErrOnce bool

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured audio or error.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})

	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		if p.ErrOnce {
			p.SynthesizeErr = nil
		}
		return nil, err
	}
	if p.AudioFor != nil {
		return p.AudioFor(req), nil
	}
	if p.Audio != nil {
		return p.Audio, nil
	}
	return []byte(req.Text), nil
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// LastRequest returns the most recent synthesis request, or a zero Request
// when none were made. Thread-safe.
func (p *Provider) LastRequest() tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.SynthesizeCalls) == 0 {
		return tts.Request{}
	}
	return p.SynthesizeCalls[len(p.SynthesizeCalls)-1].Req
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
