// Package media defines the provider-agnostic contract for bidirectional
// call audio. A Stream is one live media connection between the telephony
// provider and a call session: inbound caller audio arrives as Frames,
// outbound synthesized audio is written back with Send, and playback
// acknowledgement flows through mark events.
//
// Audio passes through in the provider-native encoding (μ-law/8k for
// Twilio Media Streams, L16/16k for Vonage); no transcoding happens in
// this layer.
package media

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a stream that has been closed.
	ErrClosed = errors.New("media: stream is closed")

	// ErrNotSupported is returned for operations the provider protocol has
	// no equivalent for.
	ErrNotSupported = errors.New("media: operation not supported by provider")
)

// Format describes the audio encoding carried on a stream.
type Format struct {
	// Encoding is the provider-native codec name ("mulaw", "linear16").
	Encoding string

	// SampleRate in Hz (8000 for μ-law telephony, 16000 for L16).
	SampleRate int

	// Channels is the channel count; telephony streams are mono.
	Channels int
}

// Frame is one inbound audio chunk with its provider sequence number.
// Sequence numbers are monotonic per stream but may arrive out of order;
// a Reorderer restores index order before the audio reaches STT.
type Frame struct {
	Seq   uint64
	Audio []byte
	At    time.Time
}

// EventType discriminates stream-level control events.
type EventType string

const (
	// EventStarted fires once when the provider announces the stream,
	// carrying the custom parameters attached at call setup.
	EventStarted EventType = "started"

	// EventMark reports provider-side playback completion of a named
	// outbound chunk.
	EventMark EventType = "mark"

	// EventDTMF reports an in-band keypad press, for providers that relay
	// DTMF over the media socket.
	EventDTMF EventType = "dtmf"

	// EventStopped fires when the provider tears the stream down.
	EventStopped EventType = "stopped"
)

// Event is a control event on a media stream.
type Event struct {
	Type  EventType
	Mark  string
	Digit string

	// Params holds the custom parameters announced with EventStarted.
	Params map[string]string
}

// Stream is one live media connection. Frames and Events are closed when
// the stream ends; Send, SendMark, and Clear fail with ErrClosed afterwards.
type Stream interface {
	// CallSID returns the call this stream belongs to.
	CallSID() string

	// StreamID returns the provider's stream identifier.
	StreamID() string

	// Format returns the negotiated audio format.
	Format() Format

	// Frames returns inbound caller audio in provider arrival order.
	Frames() <-chan Frame

	// Events returns stream control events.
	Events() <-chan Event

	// Send writes one outbound audio payload in the stream's format.
	Send(ctx context.Context, audio []byte) error

	// SendMark asks the provider to echo a mark event once all audio sent
	// before it has been played out.
	SendMark(ctx context.Context, name string) error

	// Clear drops any provider-buffered outbound audio, cutting playback
	// short for barge-in.
	Clear(ctx context.Context) error

	// Close tears the stream down. Safe to call more than once.
	Close() error
}
