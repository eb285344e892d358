package resilience

import (
	"context"

	"github.com/routatel/trunkline/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// multiple STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a streaming transcription session against the first
// healthy provider. If the primary fails to start the stream, subsequent
// fallbacks are tried. Only session establishment is covered by failover;
// a drop on an open session is the reconnect monitor's job.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	handle, _, err := f.StartStreamVia(ctx, cfg)
	return handle, err
}

// StartStreamVia is [STTFallback.StartStream] plus the name of the backend
// that opened the session.
func (f *STTFallback) StartStreamVia(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, string, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Snapshots returns the health counters of every backend's breaker, in
// registration order.
func (f *STTFallback) Snapshots() []HealthSnapshot {
	return f.group.Snapshots()
}
