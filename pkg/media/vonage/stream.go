// Package vonage adapts a Vonage WebSocket voice connection to the
// media.Stream contract. Vonage dials the server after an NCCO connect
// action; the socket carries raw L16/16k binary audio in both directions,
// announced by a single websocket:connected text message holding the
// custom headers from the NCCO.
//
// The Vonage protocol has no mark or clear messages. Marks are emulated
// from the playout clock: audio written to the socket advances a deadline
// by its duration, and SendMark schedules the mark event for that
// deadline. Clear resets the clock and drops pending marks, which matches
// how barge-in behaves when the sender simply stops writing frames.
package vonage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/routatel/trunkline/pkg/media"
)

const (
	frameBuffer      = 256
	eventBuffer      = 32
	handshakeTimeout = 10 * time.Second

	// outFrameBytes is the binary frame size Vonage expects: 20 ms of
	// 16-bit mono audio at 16 kHz.
	outFrameBytes = 640
)

var _ media.Stream = (*Stream)(nil)

// Stream is a live Vonage WebSocket voice connection. It implements
// media.Stream.
type Stream struct {
	conn     *websocket.Conn
	callSID  string
	streamID string
	format   media.Format
	params   map[string]string

	frames chan media.Frame
	events chan media.Event

	// playout clock for mark emulation
	mu           sync.Mutex
	playoutUntil time.Time
	marks        map[string]*time.Timer

	// mark timers emit concurrently with the read loop, so event sends
	// are serialized against channel close.
	evMu     sync.Mutex
	evClosed bool

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	seq uint64 // written only by readLoop
}

// Accept upgrades an HTTP request to a Vonage voice socket and consumes the
// websocket:connected announcement. The call SID is taken from the
// connected headers (set on the NCCO connect action), falling back to the
// call_sid query parameter.
func Accept(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Stream, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("vonage: accept: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	params, format, err := readConnected(hctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, fmt.Errorf("vonage: handshake: %w", err)
	}

	callSID := params["call_sid"]
	if callSID == "" {
		callSID = r.URL.Query().Get("call_sid")
	}
	if callSID == "" {
		conn.Close(websocket.StatusPolicyViolation, "missing call_sid")
		return nil, errors.New("vonage: handshake: missing call_sid header")
	}

	s := &Stream{
		conn:     conn,
		callSID:  callSID,
		streamID: uuid.NewString(),
		format:   format,
		params:   params,
		frames:   make(chan media.Frame, frameBuffer),
		events:   make(chan media.Event, eventBuffer),
		marks:    make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	s.events <- media.Event{Type: media.EventStarted, Params: params}

	s.wg.Add(1)
	go s.readLoop(ctx)

	return s, nil
}

// readConnected waits for the websocket:connected text message and flattens
// its fields into string params.
func readConnected(ctx context.Context, conn *websocket.Conn) (map[string]string, media.Format, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return nil, media.Format{}, err
		}
		if typ != websocket.MessageText {
			continue
		}

		params, ok := parseConnected(data)
		if !ok {
			continue
		}
		return params, formatFromContentType(params["content-type"]), nil
	}
}

// parseConnected parses the connected announcement into flat string params.
// Returns ok=false for text messages that are not the announcement.
func parseConnected(data []byte) (map[string]string, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	if ev, _ := raw["event"].(string); ev != "websocket:connected" {
		return nil, false
	}

	params := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			params[k] = val
		case float64:
			params[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			params[k] = strconv.FormatBool(val)
		}
	}
	return params, true
}

// formatFromContentType parses "audio/l16;rate=16000" announcements,
// defaulting to L16/16k.
func formatFromContentType(ct string) media.Format {
	format := media.Format{Encoding: "linear16", SampleRate: 16000, Channels: 1}
	for _, part := range strings.Split(ct, ";") {
		part = strings.TrimSpace(part)
		if rate, ok := strings.CutPrefix(part, "rate="); ok {
			if hz, err := strconv.Atoi(rate); err == nil && hz > 0 {
				format.SampleRate = hz
			}
		}
	}
	return format
}

// CallSID returns the call this stream belongs to.
func (s *Stream) CallSID() string { return s.callSID }

// StreamID returns the locally assigned stream identifier; Vonage does not
// name its sockets.
func (s *Stream) StreamID() string { return s.streamID }

// Format returns the negotiated audio format.
func (s *Stream) Format() media.Format { return s.format }

// Frames returns inbound caller audio.
func (s *Stream) Frames() <-chan media.Frame { return s.frames }

// Events returns stream control events.
func (s *Stream) Events() <-chan media.Event { return s.events }

// Send writes outbound L16 audio in provider frame sizes and advances the
// playout clock by the audio duration.
func (s *Stream) Send(ctx context.Context, audio []byte) error {
	select {
	case <-s.done:
		return media.ErrClosed
	default:
	}

	s.writeMu.Lock()
	for off := 0; off < len(audio); off += outFrameBytes {
		end := off + outFrameBytes
		if end > len(audio) {
			end = len(audio)
		}
		if err := s.conn.Write(ctx, websocket.MessageBinary, audio[off:end]); err != nil {
			s.writeMu.Unlock()
			return fmt.Errorf("vonage: write: %w", err)
		}
	}
	s.writeMu.Unlock()

	s.mu.Lock()
	base := time.Now()
	if s.playoutUntil.After(base) {
		base = s.playoutUntil
	}
	s.playoutUntil = base.Add(audioDuration(len(audio), s.format.SampleRate))
	s.mu.Unlock()
	return nil
}

// SendMark schedules a mark event for when the audio written before it will
// have played out.
func (s *Stream) SendMark(_ context.Context, name string) error {
	select {
	case <-s.done:
		return media.ErrClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delay := time.Until(s.playoutUntil)
	if delay < 0 {
		delay = 0
	}
	s.marks[name] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.marks, name)
		s.mu.Unlock()
		s.emit(media.Event{Type: media.EventMark, Mark: name})
	})
	return nil
}

// Clear resets the playout clock and drops pending marks. Vonage buffers at
// most one frame provider-side, so stopping writes is the whole barge-in.
func (s *Stream) Clear(_ context.Context) error {
	select {
	case <-s.done:
		return media.ErrClosed
	default:
	}
	s.cancelMarks()
	return nil
}

func (s *Stream) cancelMarks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, timer := range s.marks {
		timer.Stop()
		delete(s.marks, name)
	}
	s.playoutUntil = time.Time{}
}

// Close tears the stream down. Safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancelMarks()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop turns binary messages into frames. Vonage sends no sequence
// numbers; TCP ordering is trusted and a local counter is assigned so the
// session's reorder path stays uniform across providers.
func (s *Stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)
	defer s.closeEvents()

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.emit(media.Event{Type: media.EventStopped})
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		s.seq++
		frame := media.Frame{Seq: s.seq, Audio: data, At: time.Now()}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// emit delivers a control event without blocking, dropping the oldest
// pending event when the buffer is full. No-op once the stream has ended.
func (s *Stream) emit(ev media.Event) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Stream) closeEvents() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.evClosed = true
	close(s.events)
}

// audioDuration computes the playout time of n bytes of 16-bit mono audio.
func audioDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return time.Duration(n) * time.Second / time.Duration(2*sampleRate)
}
