// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Deepgram Aura) and
// presents a uniform request/response interface: one text chunk in, one
// telephony-encoded audio payload out. Turn pacing happens upstream — the
// engine emits sentence-sized chunks and the call session releases them in
// order — so synthesis itself stays simple and cacheable.
//
// Cache wraps any Provider with a process-wide LRU so repeated phrases
// (greetings, reprompts, apologies) cost one upstream synthesis.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per active call at minimum).
package tts

import (
	"context"
)

// Request describes one synthesis. The five fields below the text are the
// cache identity: two requests with equal VoiceModel, Encoding, SampleRate,
// Container, and Text must yield byte-identical audio.
type Request struct {
	// Text is the chunk to synthesize. Must be non-empty.
	Text string

	// VoiceModel is the provider voice identifier (e.g., "aura-asteria-en").
	VoiceModel string

	// Encoding is the output codec: "mulaw" for Twilio legs, "linear16" for
	// Vonage legs. The audio is sent to the telephony provider as-is.
	Encoding string

	// SampleRate is the output sample rate in Hz (8000 for μ-law, 16000 for
	// L16).
	SampleRate int

	// Container is the output framing. "none" yields raw audio suitable for
	// media streams; "wav" adds a RIFF header.
	Container string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts req.Text into audio in the requested encoding.
	// The returned bytes are the complete payload for the chunk.
	//
	// Returns an error classified on the fault taxonomy: transient upstream
	// failures (timeouts, 429, 5xx) are retryable, the rest are not.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
