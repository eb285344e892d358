package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routatel/trunkline/internal/digits"
	"github.com/routatel/trunkline/internal/engine"
	"github.com/routatel/trunkline/internal/engine/toolexec"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/media"
	"github.com/routatel/trunkline/pkg/provider/stt"
	"github.com/routatel/trunkline/pkg/provider/tts"
	"github.com/routatel/trunkline/pkg/types"
)

const (
	mailboxSize = 32
	mediaBuffer = 256

	// bargeInMinChars is the minimum interim transcript length that
	// counts as the caller talking over playback. Shorter interims are
	// usually breaths or line noise.
	bargeInMinChars = 3

	// maxTurnFailures is how many consecutive failed turns the session
	// tolerates before it gives up and ends the call.
	maxTurnFailures = 2

	defaultFarewell  = "Thank you for your time. Goodbye."
	escalateFarewell = "I'm sorry, I'm having trouble continuing this call. Goodbye."

	teardownTimeout = 5 * time.Second
)

// turnState tracks the one engine turn that may be in flight. Replies are
// drained by the session loop; id lets barge-in invalidate a turn without
// tearing down the engine goroutine.
type turnState struct {
	id  uint64
	res *engine.Result
}

// Session is the per-call runtime. A single goroutine owns all mutable
// state and drains the command mailbox alongside the media, transcript,
// and collector channels; public methods only enqueue.
type Session struct {
	callSID string
	cfg     SessionConfig

	st      store.Store
	sttP    stt.Provider
	ttsP    tts.Provider
	eng     Responder
	telco   Telco
	notify  func(ctx context.Context, c *types.Call, reason string)
	coll    *digits.Collector
	metrics *observe.Metrics
	log     *slog.Logger

	stream   media.Stream
	format   media.Format
	registry *toolexec.Registry

	cmds    chan func(context.Context)
	mediaCh chan media.Frame
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	reason    atomic.Value
	phaseView atomic.Value
	dropped   atomic.Int64
	onExit    func(*Session)
	openedAt  time.Time

	sleep func(time.Duration)

	defTimeoutS   int
	defMaxRetries int

	// Everything below is owned by the run loop.
	phase        Phase
	history      []engine.DialogueEntry
	summary      string
	persona      engine.PersonaInput
	userTurns    int
	maxTurns     int
	out          outQueue
	reorder      *media.Reorderer
	streamFrames <-chan media.Frame
	streamEvents <-chan media.Event
	sttSess      stt.SessionHandle
	sttFinals    <-chan types.Transcript
	sttInterims  <-chan types.Transcript
	sttDialing   bool
	collEvents   <-chan digits.Event
	utterance    []string
	turn         *turnState
	turnSeq      uint64
	bargedTurn   uint64
	pendingUser  []string
	turnFailures int
	closing      bool
	started      bool
	stopSeen     bool
	digitCount   int
	digitSummary string
}

// PushMedia hands an inbound audio frame to the session. It never blocks;
// frames beyond the buffer are dropped and counted, since stale telephone
// audio is worthless by the time the loop would get to it.
func (s *Session) PushMedia(fr media.Frame) {
	select {
	case s.mediaCh <- fr:
	case <-s.done:
	default:
		s.dropped.Add(1)
	}
}

// PushEvent hands a provider or operator event to the session loop.
func (s *Session) PushEvent(ev Event) {
	s.post(func(ctx context.Context) { s.handleEvent(ctx, ev) })
}

// Close requests teardown with the given reason. Safe to call any number
// of times from any goroutine; the first reason wins.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		s.cancel()
	})
}

// Done is closed once teardown has finished and the call row is final.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) CallSID() string { return s.callSID }

// Phase reports the current conversation phase. Readable from any
// goroutine; the loop publishes transitions as they happen.
func (s *Session) Phase() Phase {
	if p, ok := s.phaseView.Load().(Phase); ok {
		return p
	}
	return PhaseGreeting
}

func (s *Session) post(cmd func(context.Context)) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	for {
		var replies <-chan engine.Reply
		if s.turn != nil {
			replies = s.turn.res.Replies
		}
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			cmd(ctx)
		case fr := <-s.mediaCh:
			s.onFrame(fr)
		case fr, ok := <-s.streamFrames:
			if !ok {
				s.streamFrames = nil
				continue
			}
			s.onFrame(fr)
		case ev, ok := <-s.streamEvents:
			if !ok {
				s.streamEvents = nil
				if !s.stopSeen {
					s.log.Warn("call: media stream lost", "call_sid", s.callSID)
					s.Close("media_lost")
				}
				continue
			}
			s.onMediaEvent(ctx, ev)
		case tr, ok := <-s.sttFinals:
			if !ok {
				s.sttFinals = nil
				s.onSTTDown(ctx)
				continue
			}
			// Interims queued behind this final are older than it; give
			// barge-in its shot before the final reaches the engine.
			s.drainInterims(ctx)
			s.onFinal(ctx, tr)
		case tr, ok := <-s.sttInterims:
			if !ok {
				s.sttInterims = nil
				continue
			}
			s.onInterim(ctx, tr)
		case ev, ok := <-s.collEvents:
			if !ok {
				s.collEvents = nil
				continue
			}
			s.onDigitEvent(ctx, ev)
		case rep, ok := <-replies:
			if !ok {
				s.finishTurn(ctx)
				continue
			}
			s.onReply(ctx, rep)
		}
	}
}

// --- inbound audio ---

func (s *Session) onFrame(fr media.Frame) {
	if s.reorder == nil {
		s.reorder = media.NewReorderer(fr.Seq, 0)
	}
	for _, f := range s.reorder.Push(fr) {
		s.sendAudio(f.Audio)
	}
}

func (s *Session) sendAudio(audio []byte) {
	if s.sttSess == nil {
		s.dropped.Add(1)
		return
	}
	if err := s.sttSess.SendAudio(audio); err != nil {
		if err == stt.ErrClosed {
			s.onSTTDown(context.Background())
			return
		}
		s.log.Warn("call: stt send failed", "call_sid", s.callSID, "err", err)
	}
}

// --- media events ---

func (s *Session) onMediaEvent(ctx context.Context, ev media.Event) {
	switch ev.Type {
	case media.EventStarted:
		s.onStarted(ctx)
	case media.EventMark:
		s.onMark(ctx, ev.Mark)
	case media.EventDTMF:
		s.onDTMF(ctx, ev.Digit)
	case media.EventStopped:
		s.stopSeen = true
		s.log.Info("call: media stream stopped", "call_sid", s.callSID)
		s.Close("caller_hangup")
	}
}

func (s *Session) onStarted(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	s.log.Info("call: media stream started",
		"call_sid", s.callSID,
		"stream_id", s.stream.StreamID(),
		"encoding", s.format.Encoding,
		"sample_rate", s.format.SampleRate)

	if _, err := s.st.UpdateCallStatus(ctx, s.callSID, types.CallInProgress, time.Now()); err != nil {
		s.log.Warn("call: status update failed", "call_sid", s.callSID, "err", err)
	}
	s.dialSTT(ctx)
	if s.cfg.FirstMessage != "" {
		s.speak(ctx, s.cfg.FirstMessage, chunkGreeting)
		s.history = append(s.history, engine.DialogueEntry{
			Role: "assistant", Content: s.cfg.FirstMessage, Phase: string(PhaseGreeting),
		})
		s.record(ctx, types.SpeakerAI, s.cfg.FirstMessage)
	}
}

func (s *Session) onMark(ctx context.Context, name string) {
	if s.out.markPlayed(name) == nil {
		return
	}
	s.pump(ctx)
}

func (s *Session) onDTMF(ctx context.Context, digit string) {
	if digit == "" {
		return
	}
	if !s.coll.Active() {
		s.log.Debug("call: dtmf outside collection window", "call_sid", s.callSID, "digit", digit)
		return
	}
	s.coll.Press(ctx, digit[0])
}

// --- speech ---

func (s *Session) drainInterims(ctx context.Context) {
	for {
		select {
		case tr, ok := <-s.sttInterims:
			if !ok {
				s.sttInterims = nil
				return
			}
			s.onInterim(ctx, tr)
		default:
			return
		}
	}
}

func (s *Session) onInterim(ctx context.Context, tr types.Transcript) {
	if len(strings.TrimSpace(tr.Text)) < bargeInMinChars {
		return
	}
	if s.out.depth() == 0 {
		return
	}
	s.bargeIn(ctx)
}

// bargeIn cancels everything queued for playback so the caller is not
// talked over, and tells the provider to drop its buffered audio too.
func (s *Session) bargeIn(ctx context.Context) {
	n := s.out.flush()
	if err := s.stream.Clear(ctx); err != nil && err != media.ErrNotSupported {
		s.log.Warn("call: clear failed", "call_sid", s.callSID, "err", err)
	}
	if s.turn != nil {
		s.bargedTurn = s.turn.id
	}
	s.log.Info("call: barge-in", "call_sid", s.callSID, "chunks_canceled", n)
}

func (s *Session) onFinal(ctx context.Context, tr types.Transcript) {
	if text := strings.TrimSpace(tr.Text); text != "" {
		s.utterance = append(s.utterance, text)
	}
	if !tr.SpeechFinal {
		return
	}
	utter := strings.Join(s.utterance, " ")
	s.utterance = s.utterance[:0]
	if utter == "" {
		return
	}
	s.handleUtterance(ctx, utter)
}

func (s *Session) handleUtterance(ctx context.Context, text string) {
	s.record(ctx, types.SpeakerUser, text)

	// During an active collection spoken input belongs to the collector,
	// not the model. The transcript row above is still written.
	if s.coll.Active() {
		handled := s.coll.HandleSpokenFinal(ctx, text)
		s.log.Debug("call: spoken digits", "call_sid", s.callSID, "handled", handled)
		return
	}

	s.userTurns++
	prev := s.phase
	s.setPhase(advancePhase(s.phase, text, s.userTurns, s.maxTurns))
	if s.phase == PhaseClosing && prev != PhaseClosing && !s.closing {
		s.log.Info("call: turn budget reached", "call_sid", s.callSID, "turns", s.userTurns)
		s.speakFarewell(ctx, defaultFarewell, "turn_budget")
		return
	}
	if s.closing {
		return
	}
	if s.turn != nil {
		s.pendingUser = append(s.pendingUser, text)
		return
	}
	s.startTurn(ctx, text)
}

// --- engine turns ---

func (s *Session) startTurn(ctx context.Context, userText string) {
	s.history = append(s.history, engine.DialogueEntry{
		Role: "user", Content: userText, Phase: string(s.phase),
	})
	s.turnSeq++
	id := s.turnSeq

	turn := engine.Turn{
		CallSID:      s.callSID,
		CustomerName: s.cfg.CustomerName,
		Intent:       s.cfg.Intent,
		Phase:        string(s.phase),
		Persona:      s.persona,
		History:      append([]engine.DialogueEntry(nil), s.history...),
		Summary:      s.summary,
		Registry:     s.registry,
	}
	res, err := s.eng.Respond(ctx, turn)
	if err != nil {
		s.log.Error("call: turn rejected", "call_sid", s.callSID, "err", err)
		s.turnFailures++
		if s.turnFailures >= maxTurnFailures {
			s.escalate(ctx, "llm_unrecoverable")
		}
		return
	}
	s.turn = &turnState{id: id, res: res}
}

func (s *Session) onReply(ctx context.Context, rep engine.Reply) {
	if s.turn == nil || s.turn.id == s.bargedTurn || s.closing {
		return
	}
	text := strings.TrimSpace(rep.PartialResponse)
	if text == "" {
		return
	}
	c := s.speak(ctx, text, chunkReply)
	c.turnID = s.turn.id
}

func (s *Session) finishTurn(ctx context.Context) {
	t := s.turn
	s.turn = nil
	if t == nil {
		return
	}
	res := t.res

	if res.Summary != "" && res.Summary != s.summary {
		s.summary = res.Summary
		s.appendState(ctx, "summary", map[string]string{"summary": s.summary})
	}
	if res.Text != "" {
		s.history = append(s.history, engine.DialogueEntry{
			Role: "assistant", Content: res.Text, Phase: string(s.phase),
		})
		s.record(ctx, types.SpeakerAI, res.Text)
	}

	if res.Failed {
		s.turnFailures++
		s.log.Warn("call: turn failed",
			"call_sid", s.callSID, "consecutive", s.turnFailures, "err", res.Err())
		if s.turnFailures >= maxTurnFailures {
			s.escalate(ctx, "llm_unrecoverable")
			return
		}
	} else {
		s.turnFailures = 0
	}

	if len(s.pendingUser) > 0 && !s.closing {
		text := strings.Join(s.pendingUser, " ")
		s.pendingUser = nil
		s.startTurn(ctx, text)
	}
}

// --- synthesis and pacing ---

// speak queues text for playback and synthesizes it off-loop. The chunk
// is returned so the caller can attach hooks before audio arrives; that
// is safe because the loop owns the queue and hooks run on the loop.
func (s *Session) speak(ctx context.Context, text string, kind chunkKind) *chunk {
	c := s.out.push(text, kind)
	go s.synthesize(ctx, c.index, text)
	return c
}

func (s *Session) synthesize(ctx context.Context, index int, text string) {
	req := tts.Request{
		Text:       text,
		VoiceModel: s.cfg.Voice.ID,
		Encoding:   s.format.Encoding,
		SampleRate: s.format.SampleRate,
		Container:  "none",
	}
	audio, err := s.ttsP.Synthesize(ctx, req)
	if err != nil && s.cfg.Voice.BackupID != "" {
		s.log.Warn("call: tts failed, retrying on backup voice",
			"call_sid", s.callSID, "voice", s.cfg.Voice.ID, "backup", s.cfg.Voice.BackupID, "err", err)
		s.metrics.RecordFailover(ctx, "tts", s.cfg.Voice.ID, s.cfg.Voice.BackupID)
		req.VoiceModel = s.cfg.Voice.BackupID
		audio, err = s.ttsP.Synthesize(ctx, req)
	}
	if err != nil {
		s.log.Error("call: tts failed, skipping chunk", "call_sid", s.callSID, "err", err)
		audio = nil
	}
	s.post(func(ctx context.Context) {
		s.out.attach(index, audio)
		s.pump(ctx)
	})
}

// pump sends the next ready chunk if nothing is playing. A send failure
// cancels everything queued: the provider connection is gone or wedged,
// and replaying a half-stale backlog after it recovers would be worse.
func (s *Session) pump(ctx context.Context) {
	for {
		c := s.out.release()
		if c == nil {
			return
		}
		if err := s.stream.Send(ctx, c.audio); err != nil {
			s.log.Error("call: tts_send_failed",
				"call_sid", s.callSID, "chunk", c.index, "err", err)
			s.out.flush()
			return
		}
		if err := s.stream.SendMark(ctx, c.mark()); err != nil {
			s.log.Warn("call: mark send failed", "call_sid", s.callSID, "err", err)
			// Without the mark echo the chunk would block the queue
			// forever; resolve it now and keep going.
			s.out.markPlayed(c.mark())
			continue
		}
		return
	}
}

// --- digit collection ---

func (s *Session) onDigitEvent(ctx context.Context, ev digits.Event) {
	switch ev.Kind {
	case digits.EventPrompt:
		c := s.speak(ctx, ev.Text, chunkPrompt)
		c.onPlayed = s.coll.PromptMarked
	case digits.EventAccepted:
		s.onDigitsAccepted(ctx, ev)
	case digits.EventPlanDone:
		s.onPlanDone(ctx, ev)
	case digits.EventGather:
		s.issueGather(ctx, ev)
	case digits.EventFailed:
		s.onDigitsFailed(ctx, ev)
	}
}

func (s *Session) onDigitsAccepted(ctx context.Context, ev digits.Event) {
	r := ev.Result
	if r == nil {
		return
	}
	display := r.Digits
	if r.MaskForGPT {
		display = r.Masked
	}

	s.digitCount += r.Len
	if s.digitSummary != "" {
		s.digitSummary += ", "
	}
	s.digitSummary += r.Profile + ":" + display

	upd := store.CallUpdate{DigitCount: &s.digitCount, DigitSummary: &s.digitSummary}
	if r.Profile == "verification" {
		upd.LastOTP = &r.Token
		upd.LastOTPMasked = &r.Masked
	}
	if err := s.st.UpdateCall(ctx, s.callSID, upd); err != nil {
		s.log.Warn("call: call update failed", "call_sid", s.callSID, "err", err)
	}

	note := "caller entered " + r.Profile + ": " + display
	s.record(ctx, types.SpeakerSystem, note)
	s.history = append(s.history, engine.DialogueEntry{
		Role: "system", Content: note, Phase: string(s.phase),
	})
	s.setPhase(phaseAfterCapture(s.phase))

	if ev.EndCall {
		s.speakFarewell(ctx, textOr(ev.Text, defaultFarewell), "digits_complete")
		return
	}
	if ev.Text != "" {
		s.speak(ctx, ev.Text, chunkReply)
	}
}

func (s *Session) onPlanDone(ctx context.Context, ev digits.Event) {
	s.record(ctx, types.SpeakerSystem, "digit plan completed")
	s.setPhase(phaseAfterCapture(s.phase))
	if ev.EndCall {
		s.speakFarewell(ctx, textOr(ev.Text, defaultFarewell), "plan_complete")
		return
	}
	if ev.Text != "" {
		s.speak(ctx, ev.Text, chunkReply)
	}
}

func (s *Session) onDigitsFailed(ctx context.Context, ev digits.Event) {
	s.record(ctx, types.SpeakerSystem, "digit collection failed")
	if ev.EndCall {
		s.speakFarewell(ctx, textOr(ev.Text, escalateFarewell), "digits_failed")
		return
	}
	s.setPhase(phaseAfterCapture(s.phase))
	if ev.Text != "" {
		s.speak(ctx, ev.Text, chunkReply)
	}
}

func (s *Session) issueGather(ctx context.Context, ev digits.Event) {
	if ev.Gather == nil {
		return
	}
	if s.telco == nil {
		s.log.Warn("call: gather fallback requested but telco actions are not wired",
			"call_sid", s.callSID)
		return
	}
	if err := s.telco.Gather(ctx, s.callSID, *ev.Gather); err != nil {
		s.log.Error("call: provider gather failed", "call_sid", s.callSID, "err", err)
	}
}

// --- provider and operator events ---

func (s *Session) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventStatus:
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := s.st.UpdateCallStatus(ctx, s.callSID, ev.Status, at); err != nil {
			s.log.Warn("call: status update failed",
				"call_sid", s.callSID, "status", ev.Status, "err", err)
		}
		if ev.Status.IsTerminal() {
			s.Close("status_" + string(ev.Status))
		}
	case EventDTMF:
		s.onDTMF(ctx, ev.Digit)
	case EventMachine:
		s.onAnsweredBy(ctx, ev.AnsweredBy)
	case EventGatherResult:
		if ev.Gather != nil {
			s.coll.HandleGatherResult(ctx, *ev.Gather)
		}
	case EventHangup:
		s.speakFarewell(ctx, defaultFarewell, reasonOr(ev.Reason, "hangup_requested"))
	case EventProfile:
		s.persona.Profile = ev.Profile
		s.setPhase(phaseOnProfileChange(s.phase, ev.Profile))
		s.log.Info("call: profile changed",
			"call_sid", s.callSID, "profile", ev.Profile, "phase", s.phase)
	case EventOperator:
		s.onOperator(ctx, ev)
	}
}

func (s *Session) onAnsweredBy(ctx context.Context, by string) {
	s.appendState(ctx, "answered_by", map[string]string{"answered_by": by})
	if strings.HasPrefix(by, "machine") || by == "fax" {
		s.log.Info("call: machine detected, ending call",
			"call_sid", s.callSID, "answered_by", by)
		s.Close("machine_detected")
	}
}

func (s *Session) onOperator(ctx context.Context, ev Event) {
	if ev.Override != "" {
		s.persona.OperatorOverride = ev.Override
		s.log.Info("call: operator override set", "call_sid", s.callSID)
	}
	switch ev.Command {
	case "wrap_up":
		s.speakFarewell(ctx, defaultFarewell, "operator_wrap_up")
	case "hangup":
		s.Close("operator_hangup")
	}
}

// --- STT lifecycle ---

func (s *Session) dialSTT(ctx context.Context) {
	if s.sttDialing {
		return
	}
	s.sttDialing = true
	cfg := stt.StreamConfig{
		Encoding:   s.format.Encoding,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Language:   s.cfg.Language,
	}
	go func() {
		h, err := redialSTT(ctx, s.sttP, cfg, sttMaxAttempts, s.sleep, s.log)
		s.post(func(ctx context.Context) {
			s.sttDialing = false
			if err != nil {
				s.log.Error("call: stt unrecoverable, ending call",
					"call_sid", s.callSID, "err", err)
				s.metrics.RecordProviderError(ctx, "stt", "unrecoverable")
				s.escalate(ctx, "stt_unrecoverable")
				return
			}
			s.sttSess = h
			s.sttFinals = h.Finals()
			s.sttInterims = h.Interims()
		})
	}()
}

func (s *Session) onSTTDown(ctx context.Context) {
	if s.sttDialing || ctx.Err() != nil {
		return
	}
	if s.sttSess != nil {
		s.sttSess.Close()
		s.sttSess = nil
	}
	s.sttFinals = nil
	s.sttInterims = nil
	s.log.Warn("call: stt connection lost, redialing", "call_sid", s.callSID)
	s.dialSTT(ctx)
}

// --- closing ---

// escalate ends the call over an unrecoverable provider failure. The
// farewell is best effort; if synthesis fails too, its onPlayed hook
// still runs on flush and the call closes.
func (s *Session) escalate(ctx context.Context, reason string) {
	if s.closing {
		return
	}
	s.speakFarewell(ctx, escalateFarewell, reason)
}

func (s *Session) speakFarewell(ctx context.Context, text, reason string) {
	if s.closing {
		return
	}
	s.closing = true
	s.setPhase(PhaseClosing)
	c := s.speak(ctx, text, chunkFarewell)
	c.onPlayed = func() { s.Close(reason) }
}

func (s *Session) teardown() {
	s.setPhase(PhaseTerminal)
	reason, _ := s.reason.Load().(string)
	if reason == "" {
		reason = "closed"
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	s.coll.Close()
	if s.sttSess != nil {
		s.sttSess.Close()
	}
	if err := s.stream.Close(); err != nil && err != media.ErrClosed {
		s.log.Warn("call: stream close failed", "call_sid", s.callSID, "err", err)
	}

	status := terminalStatus(reason)
	if _, err := s.st.UpdateCallStatus(ctx, s.callSID, status, time.Now()); err != nil {
		s.log.Warn("call: final status update failed", "call_sid", s.callSID, "err", err)
	}
	if n, err := s.st.CancelJobsForCall(ctx, s.callSID); err != nil {
		s.log.Warn("call: job cancel failed", "call_sid", s.callSID, "err", err)
	} else if n > 0 {
		s.log.Info("call: canceled pending jobs", "call_sid", s.callSID, "jobs", n)
	}
	s.appendState(ctx, "session_closed", map[string]string{"reason": reason})

	if s.notify != nil {
		if rec, err := s.st.Call(ctx, s.callSID); err == nil {
			s.notify(ctx, rec, reason)
		} else {
			s.log.Warn("call: notify skipped, record unavailable", "call_sid", s.callSID, "err", err)
		}
	}

	if s.onExit != nil {
		s.onExit(s)
	}
	s.log.Info("call: session closed",
		"call_sid", s.callSID,
		"reason", reason,
		"status", status,
		"duration", time.Since(s.openedAt).Round(time.Millisecond),
		"frames_dropped", s.dropped.Load())
}

// terminalStatus maps a close reason onto the final call status. Provider
// status callbacks that already landed a terminal status win regardless;
// UpdateCallStatus is monotonic.
func terminalStatus(reason string) types.CallStatus {
	switch reason {
	case "machine_detected":
		return types.CallNoAnswer
	case "stt_unrecoverable", "llm_unrecoverable", "media_lost", "media_attach_failed":
		return types.CallFailed
	}
	return types.CallCompleted
}

// --- helpers ---

func (s *Session) setPhase(p Phase) {
	if p == s.phase {
		return
	}
	s.log.Info("call: phase changed", "call_sid", s.callSID, "from", s.phase, "to", p)
	s.phase = p
	s.phaseView.Store(p)
}

func (s *Session) record(ctx context.Context, who types.Speaker, msg string) {
	entry := &types.TranscriptEntry{CallSID: s.callSID, Speaker: who, Message: msg}
	if err := s.st.AppendTranscript(ctx, entry); err != nil {
		s.log.Warn("call: transcript append failed", "call_sid", s.callSID, "err", err)
	}
}

func (s *Session) appendState(ctx context.Context, kind string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Warn("call: state marshal failed", "call_sid", s.callSID, "kind", kind, "err", err)
		return
	}
	entry := &types.CallStateEntry{CallSID: s.callSID, Kind: kind, Data: raw}
	if err := s.st.AppendCallState(ctx, entry); err != nil {
		s.log.Warn("call: state append failed", "call_sid", s.callSID, "kind", kind, "err", err)
	}
}

func textOr(text, fallback string) string {
	if text != "" {
		return text
	}
	return fallback
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
