package resilience

import (
	"context"

	"github.com/routatel/trunkline/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
//
// The fallback sits behind the process-wide cache: a failed primary
// synthesis on a cache miss is retried on the next healthy backend before
// the miss is reported upward.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize converts text to audio against the first healthy provider. If
// the primary fails, subsequent fallbacks are tried with the same request.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	audio, _, err := f.SynthesizeVia(ctx, req)
	return audio, err
}

// SynthesizeVia is [TTSFallback.Synthesize] plus the name of the backend
// that served the request.
func (f *TTSFallback) SynthesizeVia(ctx context.Context, req tts.Request) ([]byte, string, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, req)
	})
}

// Snapshots returns the health counters of every backend's breaker, in
// registration order.
func (f *TTSFallback) Snapshots() []HealthSnapshot {
	return f.group.Snapshots()
}
