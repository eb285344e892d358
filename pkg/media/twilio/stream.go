// Package twilio adapts a Twilio Media Streams WebSocket connection to the
// media.Stream contract. Twilio connects to the server after a
// <Connect><Stream> TwiML verb; the socket carries JSON envelopes with
// base64 μ-law/8k audio in both directions plus mark, clear, and dtmf
// control messages.
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/routatel/trunkline/pkg/media"
)

const (
	frameBuffer      = 256
	eventBuffer      = 32
	handshakeTimeout = 10 * time.Second
)

// wsMessage is the envelope Twilio sends over a Media Streams socket.
type wsMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	DTMF           *dtmfPayload  `json:"dtmf,omitempty"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type startPayload struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

var _ media.Stream = (*Stream)(nil)

// Stream is a live Twilio Media Streams connection. It implements
// media.Stream.
type Stream struct {
	conn       *websocket.Conn
	callSID    string
	streamID   string
	accountSID string
	format     media.Format
	params     map[string]string

	frames chan media.Frame
	events chan media.Event

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Accept upgrades an HTTP request to a Media Streams socket and consumes
// the connected/start handshake. It returns once Twilio has announced the
// stream, so CallSID and Format are populated.
func Accept(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Stream, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("twilio: accept: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	start, err := readStart(hctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, fmt.Errorf("twilio: handshake: %w", err)
	}

	s := &Stream{
		conn:       conn,
		callSID:    start.CallSID,
		streamID:   start.StreamSID,
		accountSID: start.AccountSID,
		format:     streamFormat(start.MediaFormat),
		params:     start.CustomParameters,
		frames:     make(chan media.Frame, frameBuffer),
		events:     make(chan media.Event, eventBuffer),
		done:       make(chan struct{}),
	}

	s.events <- media.Event{Type: media.EventStarted, Params: s.params}

	s.wg.Add(1)
	go s.readLoop(ctx)

	return s, nil
}

// readStart drains handshake messages until the start envelope arrives.
func readStart(ctx context.Context, conn *websocket.Conn) (*startPayload, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "connected":
			continue
		case "start":
			if msg.Start == nil || msg.Start.CallSID == "" {
				return nil, errors.New("start event missing callSid")
			}
			if msg.Start.StreamSID == "" {
				msg.Start.StreamSID = msg.StreamSID
			}
			return msg.Start, nil
		default:
			continue
		}
	}
}

// streamFormat maps Twilio's announced format onto media.Format, defaulting
// to μ-law telephony when the announcement is incomplete.
func streamFormat(f mediaFormat) media.Format {
	out := media.Format{
		Encoding:   f.Encoding,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
	if out.Encoding == "" || out.Encoding == "audio/x-mulaw" {
		out.Encoding = "mulaw"
	}
	if out.SampleRate == 0 {
		out.SampleRate = 8000
	}
	if out.Channels == 0 {
		out.Channels = 1
	}
	return out
}

// CallSID returns the call this stream belongs to.
func (s *Stream) CallSID() string { return s.callSID }

// StreamID returns Twilio's stream SID.
func (s *Stream) StreamID() string { return s.streamID }

// AccountSID returns the owning Twilio account.
func (s *Stream) AccountSID() string { return s.accountSID }

// Format returns the negotiated audio format.
func (s *Stream) Format() media.Format { return s.format }

// Frames returns inbound caller audio.
func (s *Stream) Frames() <-chan media.Frame { return s.frames }

// Events returns stream control events.
func (s *Stream) Events() <-chan media.Event { return s.events }

// Send writes one outbound μ-law payload, base64-wrapped in a media
// envelope.
func (s *Stream) Send(ctx context.Context, audio []byte) error {
	return s.write(ctx, mediaMessage(s.streamID, audio))
}

// SendMark asks Twilio to echo name once the audio sent before it has
// played out.
func (s *Stream) SendMark(ctx context.Context, name string) error {
	return s.write(ctx, markMessage(s.streamID, name))
}

// Clear drops Twilio's buffered outbound audio for barge-in.
func (s *Stream) Clear(ctx context.Context) error {
	return s.write(ctx, clearMessage(s.streamID))
}

func (s *Stream) write(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return media.ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("twilio: write: %w", err)
	}
	return nil
}

// Close tears the stream down. Safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop parses inbound envelopes until the socket closes or Twilio sends
// stop. Frames and Events are closed on exit.
func (s *Stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.emit(media.Event{Type: media.EventStopped})
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "media":
			frame, ok := parseMediaFrame(&msg)
			if !ok {
				continue
			}
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		case "mark":
			if msg.Mark != nil {
				s.emit(media.Event{Type: media.EventMark, Mark: msg.Mark.Name})
			}
		case "dtmf":
			if msg.DTMF != nil && msg.DTMF.Digit != "" {
				s.emit(media.Event{Type: media.EventDTMF, Digit: msg.DTMF.Digit})
			}
		case "stop":
			s.emit(media.Event{Type: media.EventStopped})
			return
		}
	}
}

// emit delivers a control event without ever blocking the read loop; a
// full event buffer drops the oldest pending event first.
func (s *Stream) emit(ev media.Event) {
	for {
		select {
		case s.events <- ev:
			return
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// parseMediaFrame decodes one media envelope into a Frame. Outbound-track
// echo frames and undecodable payloads are skipped.
func parseMediaFrame(msg *wsMessage) (media.Frame, bool) {
	if msg.Media == nil {
		return media.Frame{}, false
	}
	if msg.Media.Track != "" && msg.Media.Track != "inbound" {
		return media.Frame{}, false
	}

	payload := msg.Media.Payload
	if payload == "" {
		payload = msg.Media.Chunk
	}
	if payload == "" {
		return media.Frame{}, false
	}

	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return media.Frame{}, false
	}

	var seq uint64
	if msg.SequenceNumber != "" {
		seq, _ = strconv.ParseUint(msg.SequenceNumber, 10, 64)
	}

	return media.Frame{Seq: seq, Audio: audio, At: time.Now()}, true
}

// ---- outbound envelopes ----

type outMedia struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     outMediaPayload `json:"media"`
}

type outMediaPayload struct {
	Payload string `json:"payload"`
}

type outMark struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Mark      outMarkPayload `json:"mark"`
}

type outMarkPayload struct {
	Name string `json:"name"`
}

type outClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func mediaMessage(streamSID string, audio []byte) []byte {
	data, _ := json.Marshal(outMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     outMediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
	return data
}

func markMessage(streamSID, name string) []byte {
	data, _ := json.Marshal(outMark{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      outMarkPayload{Name: name},
	})
	return data
}

func clearMessage(streamSID string) []byte {
	data, _ := json.Marshal(outClear{Event: "clear", StreamSID: streamSID})
	return data
}
