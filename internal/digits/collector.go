package digits

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

// ErrClosed is returned when an expectation is installed on a closed
// collector.
var ErrClosed = errors.New("digits: collector is closed")

const (
	defaultMinGap         = 200 * time.Millisecond
	defaultCollectFloor   = 3 * time.Second
	defaultGatherDedupe   = 2 * time.Second
	defaultTerminator     = '#'
	livenessTimeoutS      = 8
	livenessPrompt        = "If you are still there, please press 1."
	defaultFailureMessage = "I wasn't able to collect that. Let's continue."
	eventBuffer           = 32
)

// Built-in reprompt phrasing, used when a request supplies none. Indexed
// by retry number, clamped to the last entry.
var (
	defaultInvalidReprompts = []string{
		"That doesn't look right. Please try again.",
		"Sorry, that still doesn't match what I expected. One more time, please.",
	}
	defaultIncompleteReprompts = []string{
		"I didn't get all of the digits. Please enter the full number.",
		"That was still short a few digits. Please enter the whole number once more.",
	}
	defaultTimeoutReprompts = []string{
		"Are you still there? Please enter the digits on your keypad.",
		"I haven't received anything yet. Please use your keypad when you're ready.",
	}
)

// Expectation is the in-memory descriptor for one in-flight collection.
// It lives from install to resolution and never outlives its call.
type Expectation struct {
	Profile               string
	MinDigits             int
	MaxDigits             int
	TimeoutS              int
	MaxRetries            int
	Prompt                string
	Reprompts             RepromptSet
	TimeoutFailureMessage string
	AllowTerminator       bool
	Terminator            byte
	MenuOptions           []string
	EndCallOnSuccess      bool
	MaskForGPT            bool
	PlanID                string
	PlanStepIndex         int
	PlanTotalSteps        int

	spec       ProfileSpec
	buffer     []byte
	collected  []string
	retries    int
	promptedAt time.Time
}

// planState tracks an in-flight multi-step plan.
type planState struct {
	id         string
	steps      []Request
	idx        int
	completion string
	endCall    bool
	results    []Result
}

// Option configures a [Collector].
type Option func(*Collector)

// WithVault enables tokenization of sensitive profiles. Without a vault,
// sensitive values are masked in events but not retrievable.
func WithVault(v *Vault) Option {
	return func(c *Collector) { c.vault = v }
}

// WithMetrics overrides the metrics instance, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithLogger sets the collector's logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.log = l }
}

// WithMinGap sets the minimum inter-key gap; a key arriving sooner while
// exactly one digit is buffered retroactively rejects that digit as a
// bounce. Default 200ms.
func WithMinGap(d time.Duration) Option {
	return func(c *Collector) { c.minGap = d }
}

// WithMinCollectDelay raises the floor added ahead of an expectation's
// timeout when arming the collection timer. The effective floor is never
// below three seconds.
func WithMinCollectDelay(d time.Duration) Option {
	return func(c *Collector) { c.minCollectDelay = d }
}

// WithGatherFallback routes timeouts to provider-side IVR gather instead
// of in-band reprompts. channelSessionID tags gather action URLs so
// callbacks from a previous media session are ignored.
func WithGatherFallback(channelSessionID string) Option {
	return func(c *Collector) {
		c.gatherFallback = true
		c.channelSessionID = channelSessionID
	}
}

// WithGatherDedupeWindow sets how long identical gather callbacks are
// treated as duplicates. Default 2s.
func WithGatherDedupeWindow(d time.Duration) Option {
	return func(c *Collector) { c.gatherDedupe = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// Collector is the per-call digit state machine. One collector serves one
// call for the call's lifetime; the owning runtime must drain [Events]
// and call [Close] when the call ends.
//
// All methods are safe for concurrent use.
type Collector struct {
	callSID string
	store   store.DigitStore
	vault   *Vault
	metrics *observe.Metrics
	log     *slog.Logger

	minGap           time.Duration
	minCollectDelay  time.Duration
	gatherDedupe     time.Duration
	gatherFallback   bool
	channelSessionID string

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer

	events chan Event

	mu            sync.Mutex
	closed        bool
	exp           *Expectation
	plan          *planState
	timer         *time.Timer
	timerGen      uint64
	pendingAccept bool
	liveness      bool
	livenessTried bool
	lastKeyAt     time.Time
	lastGatherAt  time.Time
	lastGatherKey string
}

// NewCollector returns a collector for one call. st receives the
// append-only digit event log; it must not be nil.
func NewCollector(callSID string, st store.DigitStore, opts ...Option) *Collector {
	c := &Collector{
		callSID:      callSID,
		store:        st,
		metrics:      observe.DefaultMetrics(),
		log:          slog.Default(),
		minGap:       defaultMinGap,
		gatherDedupe: defaultGatherDedupe,
		now:          time.Now,
		afterFunc:    time.AfterFunc,
		events:       make(chan Event, eventBuffer),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Events returns the collector's output stream. The channel is closed by
// [Collector.Close].
func (c *Collector) Events() <-chan Event {
	return c.events
}

// Active reports whether a collection is in flight; while true the call
// runtime is in digit-capture mode and STT finals belong to
// [Collector.HandleSpokenFinal].
func (c *Collector) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exp != nil
}

// Expect installs a single collection, replacing any in-flight one.
func (c *Collector) Expect(ctx context.Context, req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.plan = nil
	c.install(req, "", 0, 0)
	return nil
}

// StartPlan installs the first step of a multi-step collection. Steps
// advance automatically as each one is accepted.
func (c *Collector) StartPlan(ctx context.Context, p Plan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if len(p.Steps) == 0 {
		return errors.New("digits: plan has no steps")
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	c.plan = &planState{id: id, steps: p.Steps, completion: p.CompletionMessage, endCall: p.EndCallOnComplete}
	c.install(p.Steps[0], id, 0, len(p.Steps))
	return nil
}

// PromptMarked records that the prompt finished playing and restarts the
// entry window from that point.
func (c *Collector) PromptMarked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.exp == nil || c.pendingAccept {
		return
	}
	c.exp.promptedAt = c.now()
	c.armTimer(c.collectDelay(c.exp))
}

// Press feeds one DTMF key through the recording algorithm. Keys other
// than 0-9, *, and # are ignored.
func (c *Collector) Press(ctx context.Context, key byte) {
	if !isKey(key) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.exp == nil {
		c.log.Debug("digits: stray key with no expectation", "call_sid", c.callSID)
		return
	}
	exp := c.exp
	now := c.now()
	gap := now.Sub(c.lastKeyAt)

	if c.liveness {
		c.lastKeyAt = now
		if key == '1' {
			c.resumeFromLiveness()
		} else {
			c.log.Debug("digits: liveness check ignored key", "call_sid", c.callSID, "key", string(key))
		}
		return
	}

	// A new key supersedes any settling acceptance; the entry window is
	// restored in case the buffer stops being acceptable below.
	if c.pendingAccept {
		c.pendingAccept = false
		c.armTimer(c.collectDelay(exp))
	}

	// Bounce guard: a key hot on the heels of a lone buffered digit marks
	// that digit as a bounce. The fresh key is kept and recorded below.
	if !c.lastKeyAt.IsZero() && gap < c.minGap && len(exp.buffer) == 1 {
		c.recordEvent(ctx, &types.DigitEvent{
			Source:   types.DigitSourceDTMF,
			Profile:  exp.Profile,
			Digits:   eventDigits(exp, exp.buffer),
			Len:      1,
			Accepted: false,
			Reason:   "too_fast",
			Metadata: planMeta(exp),
		})
		c.countOutcome(ctx, exp.Profile, "rejected")
		exp.buffer = exp.buffer[:0]
	}
	c.lastKeyAt = now

	if exp.AllowTerminator && key == exp.Terminator {
		c.finalize(ctx, types.DigitSourceDTMF)
		return
	}

	exp.buffer = append(exp.buffer, key)
	if len(exp.buffer) > exp.MaxDigits {
		c.reject(ctx, types.DigitSourceDTMF, "too_long", exp.Reprompts.Invalid)
		return
	}
	c.evaluate(ctx)
}

// HandleGatherResult merges a provider gather callback. Stale callbacks
// (wrong plan, step, or media session) are ignored, as are duplicates
// arriving within the dedupe window.
func (c *Collector) HandleGatherResult(ctx context.Context, res GatherResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.exp == nil {
		c.log.Debug("digits: gather result with no expectation", "call_sid", c.callSID)
		return
	}
	exp := c.exp
	if res.ChannelSessionID != c.channelSessionID || res.PlanID != exp.PlanID || res.StepIndex != exp.PlanStepIndex {
		c.log.Warn("digits: stale gather callback ignored",
			"call_sid", c.callSID,
			"plan_id", res.PlanID,
			"step_index", res.StepIndex,
		)
		return
	}
	key := res.PlanID + "|" + strconv.Itoa(res.StepIndex) + "|" + res.Digits
	now := c.now()
	if key == c.lastGatherKey && now.Sub(c.lastGatherAt) < c.gatherDedupe {
		c.log.Debug("digits: duplicate gather callback ignored", "call_sid", c.callSID)
		return
	}
	c.lastGatherKey, c.lastGatherAt = key, now

	digits := sanitizeKeys(res.Digits)
	if exp.AllowTerminator {
		digits = strings.TrimSuffix(digits, string(exp.Terminator))
	}
	if digits == "" {
		// The provider-side gather timed out with no input.
		c.timeoutLocked(ctx)
		return
	}
	c.pendingAccept = false
	exp.buffer = append(exp.buffer[:0], digits...)
	if len(exp.buffer) > exp.MaxDigits {
		c.reject(ctx, types.DigitSourceGather, "too_long", exp.Reprompts.Invalid)
		return
	}
	c.finalize(ctx, types.DigitSourceGather)
}

// HandleSpokenFinal feeds a transcribed utterance through the spoken-digit
// parser. It reports whether the utterance was consumed as digit input.
// An utterance is treated as a complete entry once the buffer reaches the
// minimum length.
func (c *Collector) HandleSpokenFinal(ctx context.Context, text string) bool {
	parsed, ok := ParseSpokenDigits(text)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.exp == nil {
		return false
	}
	exp := c.exp

	if c.liveness {
		if strings.ContainsRune(parsed, '1') {
			c.resumeFromLiveness()
		}
		return true
	}

	c.pendingAccept = false
	for i := 0; i < len(parsed); i++ {
		if exp.AllowTerminator && parsed[i] == exp.Terminator {
			c.finalize(ctx, types.DigitSourceSpeech)
			return true
		}
		exp.buffer = append(exp.buffer, parsed[i])
		if len(exp.buffer) > exp.MaxDigits {
			c.reject(ctx, types.DigitSourceSpeech, "too_long", exp.Reprompts.Invalid)
			return true
		}
	}
	if len(exp.buffer) >= exp.MinDigits {
		c.finalize(ctx, types.DigitSourceSpeech)
	} else {
		// Partial recitation; restart the window for the rest.
		c.armTimer(c.collectDelay(exp))
	}
	return true
}

// Cancel drops the in-flight expectation and plan without emitting a
// failure. Used on barge-in profile changes and operator overrides.
func (c *Collector) Cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exp == nil && c.plan == nil {
		return
	}
	profile := ""
	if c.exp != nil {
		profile = c.exp.Profile
	}
	c.log.Info("digits: collection canceled", "call_sid", c.callSID, "profile", profile, "reason", reason)
	c.clearLocked()
}

// Close releases the timer, drops all in-memory expectations, and closes
// the event stream. Idempotent.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.clearLocked()
	c.mu.Unlock()
	close(c.events)
}

// install normalizes req and makes it the active expectation. Lock held.
func (c *Collector) install(req Request, planID string, stepIdx, total int) {
	exp := c.normalize(req)
	exp.PlanID = planID
	exp.PlanStepIndex = stepIdx
	exp.PlanTotalSteps = total
	if c.exp != nil {
		c.log.Info("digits: replacing in-flight expectation",
			"call_sid", c.callSID,
			"old_profile", c.exp.Profile,
			"new_profile", exp.Profile,
		)
	}
	c.exp = exp
	c.liveness = false
	c.livenessTried = false
	c.pendingAccept = false
	c.lastKeyAt = time.Time{}
	if exp.Prompt != "" {
		c.emit(Event{Kind: EventPrompt, Text: exp.Prompt})
	}
	// Backstop window; re-armed from the prompt mark when it arrives.
	c.armTimer(c.collectDelay(exp))
}

// normalize resolves the profile row and fills request defaults. Lock held.
func (c *Collector) normalize(req Request) *Expectation {
	spec, known := ProfileFor(req.Profile)
	if !known {
		c.log.Warn("digits: unknown profile, downgrading to generic", "call_sid", c.callSID, "profile", req.Profile)
	}

	min := req.MinDigits
	if min <= 0 {
		min = spec.MinDigits
	}
	max := req.MaxDigits
	if max <= 0 {
		max = spec.MaxDigits
	}
	min = clampInt(min, spec.MinDigits, spec.MaxDigits)
	if min < 1 {
		min = 1
	}
	max = clampInt(max, min, spec.MaxDigits)

	timeout := req.TimeoutS
	if timeout <= 0 {
		timeout = spec.TimeoutS
	}
	retries := req.MaxRetries
	if retries <= 0 {
		retries = spec.MaxRetries
	}
	terminator := req.Terminator
	if terminator == 0 {
		terminator = defaultTerminator
	}
	endCall := spec.EndCallOnSuccess
	if req.EndCallOnSuccess != nil {
		endCall = *req.EndCallOnSuccess
	}
	mask := spec.Sensitive
	if req.MaskForGPT != nil {
		mask = *req.MaskForGPT
	}
	failure := req.TimeoutFailureMessage
	if failure == "" {
		failure = defaultFailureMessage
	}

	return &Expectation{
		Profile:               spec.Name,
		MinDigits:             min,
		MaxDigits:             max,
		TimeoutS:              timeout,
		MaxRetries:            retries,
		Prompt:                req.Prompt,
		Reprompts:             fillReprompts(req.Reprompts),
		TimeoutFailureMessage: failure,
		AllowTerminator:       req.AllowTerminator,
		Terminator:            terminator,
		MenuOptions:           req.MenuOptions,
		EndCallOnSuccess:      endCall,
		MaskForGPT:            mask,
		spec:                  spec,
	}
}

// evaluate runs the validator once the buffer is inside the length bounds.
// A validating buffer of one keyed digit settles for one gap window before
// finalizing so the bounce guard can still strike; anything longer is
// accepted immediately. A failing buffer below the maximum keeps
// collecting, since later digits may complete the value. Lock held.
func (c *Collector) evaluate(ctx context.Context) {
	exp := c.exp
	n := len(exp.buffer)
	if n < exp.MinDigits {
		return
	}
	val := string(exp.buffer)
	reason := ""
	if !exp.spec.Validate(val, exp) {
		reason = "invalid"
	} else if r := spamReason(val); r != "" {
		reason = r
	}
	if reason == "" {
		if n == 1 {
			c.pendingAccept = true
			c.armTimer(c.minGap)
			return
		}
		c.accept(ctx, types.DigitSourceDTMF)
		return
	}
	if n >= exp.MaxDigits {
		c.reject(ctx, types.DigitSourceDTMF, reason, exp.Reprompts.Invalid)
	}
}

// finalize treats the buffer as a complete entry: terminator pressed,
// settle window elapsed, gather returned, or a spoken recitation ended.
// Lock held.
func (c *Collector) finalize(ctx context.Context, src types.DigitSource) {
	exp := c.exp
	if len(exp.buffer) < exp.MinDigits {
		c.reject(ctx, src, "incomplete", exp.Reprompts.Incomplete)
		return
	}
	val := string(exp.buffer)
	if !exp.spec.Validate(val, exp) {
		c.reject(ctx, src, "invalid", exp.Reprompts.Invalid)
		return
	}
	if r := spamReason(val); r != "" {
		c.reject(ctx, src, r, exp.Reprompts.Invalid)
		return
	}
	c.accept(ctx, src)
}

// accept resolves the expectation with the buffered value, tokenizing
// sensitive profiles, and advances the plan when one is active. Lock held.
func (c *Collector) accept(ctx context.Context, src types.DigitSource) {
	exp := c.exp
	digits := string(exp.buffer)
	masked := Mask(digits)

	token := ""
	meta := planMeta(exp)
	if exp.spec.Sensitive && c.vault != nil {
		t, err := c.vault.Tokenize(ctx, c.callSID, exp.Profile, digits)
		if err != nil {
			c.log.Error("digits: vault tokenize failed", "call_sid", c.callSID, "profile", exp.Profile, "error", err)
		} else {
			token = t
			if meta == nil {
				meta = make(map[string]string, 1)
			}
			meta["token"] = token
		}
	}

	ev := &types.DigitEvent{
		Source:   src,
		Profile:  exp.Profile,
		Len:      len(digits),
		Accepted: true,
		Metadata: meta,
	}
	if !exp.spec.Sensitive {
		ev.Digits = digits
	}
	c.recordEvent(ctx, ev)
	c.countOutcome(ctx, exp.Profile, "accepted")
	exp.collected = append(exp.collected, digits)

	res := Result{
		Profile:    exp.Profile,
		Digits:     digits,
		Masked:     masked,
		Token:      token,
		Len:        len(digits),
		Source:     src,
		PlanID:     exp.PlanID,
		StepIndex:  exp.PlanStepIndex,
		MaskForGPT: exp.MaskForGPT,
	}
	confirm := confirmationText(exp.spec, res)

	plan := c.plan
	c.stopTimer()
	c.exp = nil
	c.pendingAccept = false

	if plan == nil {
		c.emit(Event{Kind: EventAccepted, Text: confirm, EndCall: exp.EndCallOnSuccess, Result: &res})
		return
	}
	plan.results = append(plan.results, res)
	c.emit(Event{Kind: EventAccepted, Text: confirm, Result: &res})
	plan.idx++
	if plan.idx < len(plan.steps) {
		c.install(plan.steps[plan.idx], plan.id, plan.idx, len(plan.steps))
		return
	}
	results := plan.results
	c.plan = nil
	c.emit(Event{Kind: EventPlanDone, Text: plan.completion, EndCall: plan.endCall, Results: results})
}

// reject records a failed attempt, clears the buffer, and either
// reprompts or fails the collection once retries are exhausted. Lock held.
func (c *Collector) reject(ctx context.Context, src types.DigitSource, reason string, prompts []string) {
	exp := c.exp
	c.recordEvent(ctx, &types.DigitEvent{
		Source:   src,
		Profile:  exp.Profile,
		Digits:   eventDigits(exp, exp.buffer),
		Len:      len(exp.buffer),
		Accepted: false,
		Reason:   reason,
		Metadata: planMeta(exp),
	})
	c.countOutcome(ctx, exp.Profile, "rejected")
	exp.buffer = exp.buffer[:0]
	c.pendingAccept = false
	exp.retries++
	if exp.retries > exp.MaxRetries {
		if c.gatherFallback && !c.livenessTried {
			c.enterLiveness()
			return
		}
		c.fail(ctx)
		return
	}
	c.emit(Event{Kind: EventPrompt, Text: repromptAt(prompts, exp.retries)})
	c.armTimer(c.collectDelay(exp))
}

// timeoutLocked handles an elapsed entry window. Lock held.
func (c *Collector) timeoutLocked(ctx context.Context) {
	exp := c.exp
	if c.liveness {
		c.log.Info("digits: liveness check timed out", "call_sid", c.callSID, "profile", exp.Profile)
		c.fail(ctx)
		return
	}
	buffered := len(exp.buffer)
	c.recordEvent(ctx, &types.DigitEvent{
		Source:   types.DigitSourceTimeout,
		Profile:  exp.Profile,
		Len:      buffered,
		Accepted: false,
		Reason:   "timeout",
		Metadata: planMeta(exp),
	})
	c.countOutcome(ctx, exp.Profile, "timeout")
	exp.buffer = exp.buffer[:0]
	exp.retries++
	if exp.retries > exp.MaxRetries {
		if c.gatherFallback && !c.livenessTried {
			c.enterLiveness()
			return
		}
		c.fail(ctx)
		return
	}
	prompts := exp.Reprompts.Timeout
	if buffered > 0 {
		prompts = exp.Reprompts.Incomplete
	}
	prompt := repromptAt(prompts, exp.retries)
	if c.gatherFallback {
		c.emit(Event{Kind: EventGather, Gather: &GatherSpec{
			Prompt:           prompt,
			NumDigits:        exp.MaxDigits,
			TimeoutS:         exp.TimeoutS,
			PlanID:           exp.PlanID,
			StepIndex:        exp.PlanStepIndex,
			ChannelSessionID: c.channelSessionID,
		}})
	} else {
		c.emit(Event{Kind: EventPrompt, Text: prompt})
	}
	c.armTimer(c.collectDelay(exp))
}

// fail ends the collection terminally, dropping any plan. Lock held.
func (c *Collector) fail(ctx context.Context) {
	exp := c.exp
	c.countOutcome(ctx, exp.Profile, "failed")
	msg := exp.TimeoutFailureMessage
	endCall := exp.EndCallOnSuccess
	c.clearLocked()
	c.emit(Event{Kind: EventFailed, Text: msg, EndCall: endCall})
}

// enterLiveness switches to the press-1 check that precedes a hangup when
// gather fallback is available. Lock held.
func (c *Collector) enterLiveness() {
	c.liveness = true
	c.livenessTried = true
	c.exp.buffer = c.exp.buffer[:0]
	c.log.Info("digits: retries exhausted, starting liveness check", "call_sid", c.callSID, "profile", c.exp.Profile)
	c.emit(Event{Kind: EventPrompt, Text: livenessPrompt})
	c.armTimer(c.collectFloor() + livenessTimeoutS*time.Second)
}

// resumeFromLiveness restarts the original collection after the caller
// proved present. Lock held.
func (c *Collector) resumeFromLiveness() {
	exp := c.exp
	c.liveness = false
	exp.retries = 0
	exp.buffer = exp.buffer[:0]
	c.log.Info("digits: liveness confirmed, resuming collection", "call_sid", c.callSID, "profile", exp.Profile)
	if exp.Prompt != "" {
		c.emit(Event{Kind: EventPrompt, Text: exp.Prompt})
	}
	c.armTimer(c.collectDelay(exp))
}

// clearLocked stops the timer and drops expectation, plan, and liveness
// state. Lock held.
func (c *Collector) clearLocked() {
	c.stopTimer()
	c.exp = nil
	c.plan = nil
	c.liveness = false
	c.pendingAccept = false
}

// onTimerFire is the single timer callback: a settling acceptance
// finalizes, anything else is an entry timeout. Stale generations are
// ignored.
func (c *Collector) onTimerFire(gen uint64) {
	ctx := context.Background()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.timerGen || c.exp == nil {
		return
	}
	if c.pendingAccept {
		c.pendingAccept = false
		c.finalize(ctx, types.DigitSourceDTMF)
		return
	}
	c.timeoutLocked(ctx)
}

// armTimer replaces the per-call timer. Lock held.
func (c *Collector) armTimer(d time.Duration) {
	c.stopTimer()
	gen := c.timerGen
	c.timer = c.afterFunc(d, func() { c.onTimerFire(gen) })
}

// stopTimer invalidates any in-flight callback. Lock held.
func (c *Collector) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

// collectDelay is the entry window: the collect floor plus the
// expectation's timeout.
func (c *Collector) collectDelay(exp *Expectation) time.Duration {
	return c.collectFloor() + time.Duration(exp.TimeoutS)*time.Second
}

// collectFloor is max(3s, the configured minimum collect delay).
func (c *Collector) collectFloor() time.Duration {
	if c.minCollectDelay > defaultCollectFloor {
		return c.minCollectDelay
	}
	return defaultCollectFloor
}

// emit hands an event to the runtime without blocking the state machine.
// Lock held.
func (c *Collector) emit(ev Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("digits: event dropped, consumer not draining", "call_sid", c.callSID, "kind", string(ev.Kind))
	}
}

// recordEvent persists one digit event. Store failures are logged, never
// propagated into the call flow. Lock held.
func (c *Collector) recordEvent(ctx context.Context, ev *types.DigitEvent) {
	ev.CallSID = c.callSID
	ev.At = c.now()
	if c.store == nil {
		return
	}
	if err := c.store.RecordDigitEvent(ctx, ev); err != nil {
		c.log.Error("digits: event write failed", "call_sid", c.callSID, "reason", ev.Reason, "error", err)
	}
}

func (c *Collector) countOutcome(ctx context.Context, profile, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.DigitEvents.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("profile", profile),
		observe.Attr("outcome", outcome),
	))
}

// eventDigits returns the digits to persist for a rejected buffer:
// sensitive profiles never write raw digits.
func eventDigits(exp *Expectation, buf []byte) string {
	if exp.spec.Sensitive {
		return ""
	}
	return string(buf)
}

// planMeta returns the event metadata tying an event to its plan step, or
// nil outside a plan.
func planMeta(exp *Expectation) map[string]string {
	if exp.PlanID == "" {
		return nil
	}
	return map[string]string{
		"plan_id":    exp.PlanID,
		"step_index": strconv.Itoa(exp.PlanStepIndex),
	}
}

// repromptAt picks the reprompt for a retry number, clamped to the last
// entry.
func repromptAt(prompts []string, retry int) string {
	if len(prompts) == 0 {
		return defaultTimeoutReprompts[0]
	}
	idx := retry - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(prompts) {
		idx = len(prompts) - 1
	}
	return prompts[idx]
}

// fillReprompts substitutes built-in phrasing for empty reprompt arrays.
func fillReprompts(r RepromptSet) RepromptSet {
	if len(r.Invalid) == 0 {
		r.Invalid = defaultInvalidReprompts
	}
	if len(r.Incomplete) == 0 {
		r.Incomplete = defaultIncompleteReprompts
	}
	if len(r.Timeout) == 0 {
		r.Timeout = defaultTimeoutReprompts
	}
	return r
}

func isKey(b byte) bool {
	return (b >= '0' && b <= '9') || b == '*' || b == '#'
}

// sanitizeKeys strips anything that is not a keypad character.
func sanitizeKeys(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if isKey(s[i]) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
