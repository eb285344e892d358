// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts provider-native audio frames
// and emits two streams of Transcript values — low-latency interims for
// barge-in detection and authoritative finals for the turn engine.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/routatel/trunkline/pkg/types"
)

// ErrClosed is returned by SendAudio after the session has been closed.
var ErrClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session. The encoding and sample rate must match the telephony leg exactly;
// audio is passed through without transcoding.
type StreamConfig struct {
	// Encoding is the wire codec of the incoming audio: "mulaw" for Twilio
	// media streams, "linear16" for Vonage sockets.
	Encoding string

	// SampleRate is the audio sample rate in Hz: 8000 for μ-law telephony,
	// 16000 for L16.
	SampleRate int

	// Channels is the number of audio channels. Telephony legs are mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en",
	// "en-US"). An empty string uses the provider default.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of provider-native audio bytes for
	// transcription. The chunk must match the Encoding and SampleRate agreed
	// in StreamConfig. Calling SendAudio after Close returns ErrClosed.
	SendAudio(chunk []byte) error

	// Interims returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These
	// drive barge-in detection but must not be written to the transcript log.
	// The channel is closed when the session ends.
	Interims() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. A value
	// with SpeechFinal set marks the end of an utterance; a value with
	// SpeechFinal set and empty Text reports an utterance boundary detected
	// by silence alone and flushes any text buffered from earlier finals.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Interims and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
