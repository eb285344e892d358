// Package mock provides a test double for the media.Stream interface.
//
// Tests pre-populate FramesCh and EventsCh with the inbound traffic they
// want the consumer to see, then close them; outbound Send/SendMark/Clear
// calls are recorded for assertions.
package mock

import (
	"context"
	"sync"

	"github.com/routatel/trunkline/pkg/media"
)

// Stream is a mock implementation of media.Stream.
type Stream struct {
	mu sync.Mutex

	// Identity values returned by the accessors.
	CallSIDValue  string
	StreamIDValue string
	FormatValue   media.Format

	// FramesCh is returned by Frames(). Callers own this channel.
	FramesCh chan media.Frame

	// EventsCh is returned by Events(). Callers own this channel.
	EventsCh chan media.Event

	// Configured errors, returned by the matching method when non-nil.
	SendErr     error
	SendMarkErr error
	ClearErr    error
	CloseErr    error

	// --- Call records ---

	SendCalls     [][]byte
	SendMarkCalls []string
	ClearCount    int
	CloseCount    int
}

var _ media.Stream = (*Stream)(nil)

// New returns a Stream with buffered frame and event channels and a μ-law
// telephony format.
func New(callSID string) *Stream {
	return &Stream{
		CallSIDValue:  callSID,
		StreamIDValue: "stream-" + callSID,
		FormatValue:   media.Format{Encoding: "mulaw", SampleRate: 8000, Channels: 1},
		FramesCh:      make(chan media.Frame, 64),
		EventsCh:      make(chan media.Event, 64),
	}
}

// CallSID returns CallSIDValue.
func (s *Stream) CallSID() string { return s.CallSIDValue }

// StreamID returns StreamIDValue.
func (s *Stream) StreamID() string { return s.StreamIDValue }

// Format returns FormatValue.
func (s *Stream) Format() media.Format { return s.FormatValue }

// Frames returns FramesCh.
func (s *Stream) Frames() <-chan media.Frame { return s.FramesCh }

// Events returns EventsCh.
func (s *Stream) Events() <-chan media.Event { return s.EventsCh }

// Send records the payload and returns SendErr.
func (s *Stream) Send(_ context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	s.SendCalls = append(s.SendCalls, cp)
	return s.SendErr
}

// SendMark records the mark name and returns SendMarkErr.
func (s *Stream) SendMark(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendMarkCalls = append(s.SendMarkCalls, name)
	return s.SendMarkErr
}

// Clear counts the call and returns ClearErr.
func (s *Stream) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCount++
	return s.ClearErr
}

// Close counts the call and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return s.CloseErr
}

// SendCallCount returns the number of Send calls. Thread-safe.
func (s *Stream) SendCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendCalls)
}

// MarkNames returns a copy of the recorded mark names. Thread-safe.
func (s *Stream) MarkNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SendMarkCalls))
	copy(out, s.SendMarkCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = nil
	s.SendMarkCalls = nil
	s.ClearCount = 0
	s.CloseCount = 0
}
