package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/routatel/trunkline/internal/engine"
	enginemock "github.com/routatel/trunkline/internal/engine/mock"
	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/store/memstore"
	"github.com/routatel/trunkline/pkg/media"
	mediamock "github.com/routatel/trunkline/pkg/media/mock"
	sttmock "github.com/routatel/trunkline/pkg/provider/stt/mock"
	ttsmock "github.com/routatel/trunkline/pkg/provider/tts/mock"
	"github.com/routatel/trunkline/pkg/types"
)

// notifySink captures the completion hook invocation for assertions after
// the session is done.
type notifySink struct {
	mu     sync.Mutex
	calls  []notifyCall
	signal chan struct{}
}

type notifyCall struct {
	status types.CallStatus
	reason string
}

func newNotifySink() *notifySink {
	return &notifySink{signal: make(chan struct{}, 4)}
}

func (n *notifySink) hook(_ context.Context, c *types.Call, reason string) {
	n.mu.Lock()
	n.calls = append(n.calls, notifyCall{status: c.Status, reason: reason})
	n.mu.Unlock()
	n.signal <- struct{}{}
}

func (n *notifySink) last(t *testing.T) notifyCall {
	t.Helper()
	select {
	case <-n.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("notify hook was not invoked")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[len(n.calls)-1]
}

type sessionFixture struct {
	st      *memstore.Store
	stream  *mediamock.Stream
	sttSess *sttmock.Session
	sttP    *sttmock.Provider
	ttsP    *ttsmock.Provider
	eng     *enginemock.Responder
	notify  *notifySink
	mgr     *Manager
}

func newFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		st:      memstore.New(),
		stream:  mediamock.New("CA1"),
		sttSess: sttmock.NewSession(),
		ttsP:    &ttsmock.Provider{},
		eng:     &enginemock.Responder{},
		notify:  newNotifySink(),
	}
	f.sttP = &sttmock.Provider{Session: f.sttSess}

	mgr, err := NewManager(Config{
		Store:  f.st,
		STT:    f.sttP,
		TTS:    f.ttsP,
		Engine: f.eng,
		Notify: f.notify.hook,
		Logger: testLog(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	f.mgr = mgr
	return f
}

// open seeds a queued call row, attaches the stream, and returns the live
// session.
func (f *sessionFixture) open(t *testing.T, sc SessionConfig) *Session {
	t.Helper()
	if err := f.st.CreateCall(context.Background(), &types.Call{
		CallSID: "CA1", Provider: "twilio",
		Direction: types.DirectionOutbound, PhoneNumber: "+15550001111",
		Status: types.CallQueued, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}
	sc.Stream = f.stream
	s, err := f.mgr.Open(context.Background(), "CA1", sc)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

// start announces the media stream and waits for the STT session to dial.
func (f *sessionFixture) start(t *testing.T) {
	t.Helper()
	f.stream.EventsCh <- media.Event{Type: media.EventStarted}
	waitFor(t, func() bool { return f.sttP.StartStreamCallCount() == 1 }, "stt never dialed")
}

func (f *sessionFixture) status(t *testing.T) types.CallStatus {
	t.Helper()
	rec, err := f.st.Call(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	return rec.Status
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	if _, err := f.mgr.Open(ctx, "", SessionConfig{Stream: f.stream}); fault.KindOf(err) != fault.Validation {
		t.Errorf("Open with empty sid = %v, want validation fault", err)
	}
	if _, err := f.mgr.Open(ctx, "CA1", SessionConfig{}); fault.KindOf(err) != fault.Validation {
		t.Errorf("Open with nil stream = %v, want validation fault", err)
	}
	if _, err := f.mgr.Open(ctx, "CA-other", SessionConfig{Stream: f.stream}); fault.KindOf(err) != fault.Validation {
		t.Errorf("Open with mismatched sid = %v, want validation fault", err)
	}

	f.stream.SendMarkErr = errors.New("socket gone")
	if _, err := f.mgr.Open(ctx, "CA1", SessionConfig{Stream: f.stream}); fault.KindOf(err) != fault.ProviderTransient {
		t.Errorf("Open with dead stream = %v, want provider transient fault", err)
	}
}

func TestOpenIsIdempotentPerCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s1 := f.open(t, SessionConfig{})
	s2, err := f.mgr.Open(context.Background(), "CA1", SessionConfig{Stream: f.stream})
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if s1 != s2 {
		t.Error("second Open returned a different session")
	}
	if got := f.mgr.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
	s1.Close("test_done")
	waitDone(t, s1)
}

func TestGreetingSpokenOnStreamStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, SessionConfig{FirstMessage: "Hello, you have reached Acme Support."})
	f.start(t)

	waitFor(t, func() bool { return f.stream.SendCallCount() == 1 }, "greeting never played")
	waitFor(t, func() bool { return f.status(t) == types.CallInProgress }, "status never moved to in-progress")

	s.Close("test_done")
	waitDone(t, s)

	// The mock synthesizer echoes text, so the payload is the greeting.
	if got := string(f.stream.SendCalls[0]); got != "Hello, you have reached Acme Support." {
		t.Errorf("greeting audio = %q", got)
	}
	marks := f.stream.MarkNames()
	if len(marks) < 2 || marks[0] != "session-attach" || marks[1] != "chunk-0" {
		t.Errorf("marks = %v, want attach probe then chunk-0", marks)
	}

	rows, err := f.st.Transcript(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Speaker != types.SpeakerAI {
		t.Fatalf("transcript = %+v, want one ai row", rows)
	}
}

func TestUtteranceStartsEngineTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.eng.Results = []*engine.Result{enginemock.Scripted("I can help with that.")}
	s := f.open(t, SessionConfig{Intent: "balance inquiry"})
	f.start(t)

	f.sttSess.EmitFinal(types.Transcript{Text: "what is my balance", IsFinal: true, SpeechFinal: true})

	waitFor(t, func() bool { return len(f.eng.Turns()) == 1 }, "engine was never driven")
	waitFor(t, func() bool { return f.stream.SendCallCount() == 1 }, "reply never played")

	s.Close("test_done")
	waitDone(t, s)

	if got := f.eng.Turns()[0]; got != "what is my balance" {
		t.Errorf("engine user text = %q", got)
	}
	if got := string(f.stream.SendCalls[0]); got != "I can help with that." {
		t.Errorf("reply audio = %q", got)
	}
	rows, _ := f.st.Transcript(context.Background(), "CA1")
	if len(rows) != 2 || rows[0].Speaker != types.SpeakerUser || rows[1].Speaker != types.SpeakerAI {
		t.Fatalf("transcript = %+v, want user then ai", rows)
	}
}

func TestInterimBargesInDuringPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.eng.Results = []*engine.Result{enginemock.Scripted("Here is the full rundown.")}
	s := f.open(t, SessionConfig{})
	f.start(t)

	// Queue a reply and leave its mark unacknowledged so playback is
	// in flight when the caller starts talking.
	f.sttSess.EmitFinal(types.Transcript{Text: "tell me everything", IsFinal: true, SpeechFinal: true})
	waitFor(t, func() bool { return f.stream.SendCallCount() == 1 }, "reply never played")

	f.sttSess.EmitInterim(types.Transcript{Text: "actually wait"})
	f.sttSess.EmitFinal(types.Transcript{Text: "stop for a second", IsFinal: true, SpeechFinal: true})
	waitFor(t, func() bool { return len(f.eng.Turns()) == 2 }, "second turn never started")

	s.Close("test_done")
	waitDone(t, s)

	if f.stream.ClearCount == 0 {
		t.Error("barge-in never cleared provider playback")
	}
}

func TestMachineDetectionEndsCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, SessionConfig{})
	s.PushEvent(Event{Kind: EventMachine, AnsweredBy: "machine_start"})
	waitDone(t, s)

	call := f.notify.last(t)
	if call.reason != "machine_detected" {
		t.Errorf("notify reason = %q, want machine_detected", call.reason)
	}
	if got := f.status(t); got != types.CallNoAnswer {
		t.Errorf("final status = %s, want no-answer", got)
	}
	entry, err := f.st.LatestCallState(context.Background(), "CA1", "answered_by")
	if err != nil {
		t.Fatalf("LatestCallState() error = %v", err)
	}
	if entry == nil {
		t.Error("answered_by state row missing")
	}
}

func TestTerminalStatusEventClosesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, SessionConfig{})
	s.PushEvent(Event{Kind: EventStatus, Status: types.CallCompleted})
	waitDone(t, s)

	call := f.notify.last(t)
	if call.reason != "status_completed" {
		t.Errorf("notify reason = %q, want status_completed", call.reason)
	}
	if call.status != types.CallCompleted {
		t.Errorf("notify status = %s, want completed", call.status)
	}
	if got := f.mgr.Active(); got != 0 {
		t.Errorf("Active() after close = %d, want 0", got)
	}
	entry, err := f.st.LatestCallState(context.Background(), "CA1", "session_closed")
	if err != nil {
		t.Fatalf("LatestCallState() error = %v", err)
	}
	if entry == nil {
		t.Error("session_closed state row missing")
	}
}

func TestOperatorWrapUpSpeaksFarewell(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, SessionConfig{})
	f.start(t)

	s.PushEvent(Event{Kind: EventOperator, Command: "wrap_up"})
	waitFor(t, func() bool { return f.stream.SendCallCount() == 1 }, "farewell never played")

	// The session holds until the provider confirms the farewell played.
	select {
	case <-s.Done():
		t.Fatal("session closed before the farewell finished")
	case <-time.After(20 * time.Millisecond):
	}

	f.stream.EventsCh <- media.Event{Type: media.EventMark, Mark: "chunk-0"}
	waitDone(t, s)

	if call := f.notify.last(t); call.reason != "operator_wrap_up" {
		t.Errorf("notify reason = %q, want operator_wrap_up", call.reason)
	}
	if got := f.status(t); got != types.CallCompleted {
		t.Errorf("final status = %s, want completed", got)
	}
}

func TestStreamStopIsCallerHangup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, SessionConfig{})
	f.start(t)

	f.stream.EventsCh <- media.Event{Type: media.EventStopped}
	waitDone(t, s)

	if call := f.notify.last(t); call.reason != "caller_hangup" {
		t.Errorf("notify reason = %q, want caller_hangup", call.reason)
	}
	if got := f.status(t); got != types.CallCompleted {
		t.Errorf("final status = %s, want completed", got)
	}
}

func TestConsecutiveTurnFailuresEscalate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.eng.RespondErr = errors.New("model unavailable")
	s := f.open(t, SessionConfig{})
	f.start(t)

	f.sttSess.EmitFinal(types.Transcript{Text: "hello", IsFinal: true, SpeechFinal: true})
	f.sttSess.EmitFinal(types.Transcript{Text: "are you there", IsFinal: true, SpeechFinal: true})

	waitFor(t, func() bool { return f.stream.SendCallCount() == 1 }, "escalation farewell never played")
	f.stream.EventsCh <- media.Event{Type: media.EventMark, Mark: "chunk-0"}
	waitDone(t, s)

	if call := f.notify.last(t); call.reason != "llm_unrecoverable" {
		t.Errorf("notify reason = %q, want llm_unrecoverable", call.reason)
	}
	if got := f.status(t); got != types.CallFailed {
		t.Errorf("final status = %s, want failed", got)
	}
}

func TestManagerShutdownClosesSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, SessionConfig{})

	if err := f.mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	waitDone(t, s)

	if call := f.notify.last(t); call.reason != "server_shutdown" {
		t.Errorf("notify reason = %q, want server_shutdown", call.reason)
	}

	other := mediamock.New("CA2")
	if _, err := f.mgr.Open(context.Background(), "CA2", SessionConfig{Stream: other}); err == nil {
		t.Error("Open after shutdown succeeded, want refusal")
	}
}
