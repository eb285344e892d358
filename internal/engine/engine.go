// Package engine implements the LLM turn engine for live calls: persona
// composition, context assembly under a token budget, streamed reply
// pacing on the bullet sentinel, tool execution through the idempotent
// pipeline, model failover, and persona consistency control.
//
// One [TurnEngine] serves every call in the process. Each user turn
// enters through [TurnEngine.Respond], which assembles the model
// request, opens a single chat-completion stream, splits the reply on
// the sentinel into paced [Reply] fragments, and runs requested tools
// before recursing for a continuation. Results stream on a channel; the
// final snapshot (full text, model, consistency) is valid once the
// channel closes.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/engine/toolexec"
	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/pkg/provider/llm"
	"github.com/routatel/trunkline/pkg/types"
)

const (
	// sentinel is the pacing token the prompt asks the model to weave
	// into its reply; each completed fragment between sentinels becomes
	// one Reply.
	sentinel = "•"

	// apologyText is spoken when every model attempt fails. The caller
	// never hears a raw error and the call stays open.
	apologyText = "I am having trouble replying right now; please give me a moment."

	defaultConsistencyThreshold = 0.55
	defaultMaxToolLoops         = 3
	defaultMaxTokens            = 250
	defaultStreamAttempts       = 3

	// replyBuf absorbs fragments ahead of a slow TTS consumer without
	// blocking the stream reader.
	replyBuf = 16
)

// DialogueEntry is one prior turn of the call, tagged with the phase it
// was spoken in. The phase tag selects the per-phase prompt window.
type DialogueEntry struct {
	Role    string
	Content string
	Phase   string
}

// Turn is one user turn entering the engine. History carries the full
// recent dialogue in order; the assembler windows and folds it to the
// token budget.
type Turn struct {
	CallSID      string
	CustomerName string
	Intent       string

	// Phase is the call phase the turn arrives in; it selects which
	// sub-window of History is kept verbatim.
	Phase string

	Persona PersonaInput
	History []DialogueEntry

	// Summary is the rolling call summary so far. The engine may fold
	// further turns into it; the updated value is returned on the
	// assembled context and in Result for the caller to persist.
	Summary string

	// Registry supplies the tools offered to the model. Nil disables
	// tool calling for the turn.
	Registry *toolexec.Registry
}

// Reply is one paced fragment of the assistant's answer, emitted as a
// gptreply event. PartialResponseIndex orders TTS chunk release.
type Reply struct {
	PartialResponseIndex int     `json:"partialResponseIndex"`
	PartialResponse      string  `json:"partialResponse"`
	PersonalityInfo      string  `json:"personalityInfo"`
	PersonaConsistency   float64 `json:"personaConsistency"`
}

// ToolOutcome records one tool execution performed during a turn.
type ToolOutcome struct {
	Name      string
	Status    types.ToolAuditStatus
	Duplicate bool
}

// Result is the in-flight and final outcome of one turn. Replies streams
// paced fragments in order; the snapshot fields below it are written by
// the engine goroutine and are valid once Replies is closed.
type Result struct {
	Replies <-chan Reply

	// Text is the full delivered reply after the final consistency pass;
	// it is what belongs in the transcript.
	Text string

	// Summary is the rolling summary including turns folded in to meet
	// the context budget. Callers persist it.
	Summary string

	Model       string
	FailedOver  bool
	Consistency float64
	Rewritten   bool

	// Failed marks a turn where every model attempt was exhausted and
	// the apology fragment was spoken instead.
	Failed bool

	Tools []ToolOutcome
	Usage llm.Usage

	replies   chan Reply
	streamErr atomic.Pointer[error]
}

// Err returns the terminal error of the turn, if any. Non-nil implies
// Failed; the apology fragment was already emitted on Replies.
func (r *Result) Err() error {
	if p := r.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Result) setErr(err error) {
	if err != nil {
		r.streamErr.Store(&err)
	}
}

// TurnEngine drives model turns for all calls in the process. Safe for
// concurrent use; each Respond call runs in its own goroutine.
type TurnEngine struct {
	primary llm.Provider
	backup  llm.Provider
	asm     *Assembler
	exec    *toolexec.Executor
	gov     *Governor
	window  *observe.Window
	metrics *observe.Metrics

	threshold      float64
	maxToolLoops   int
	maxTokens      int
	streamAttempts int
	temperature    float64

	wg sync.WaitGroup

	// sleep is replaced in tests to skip real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a TurnEngine.
type Option func(*TurnEngine)

// WithBackupProvider sets the model served after the first retryable
// failure of the primary within a turn.
func WithBackupProvider(p llm.Provider) Option {
	return func(e *TurnEngine) { e.backup = p }
}

// WithExecutor wires the tool pipeline. Without it tool calling is
// disabled even when a turn carries a registry.
func WithExecutor(ex *toolexec.Executor) Option {
	return func(e *TurnEngine) { e.exec = ex }
}

// WithWindow records per-interaction observability samples into w.
func WithWindow(w *observe.Window) Option {
	return func(e *TurnEngine) { e.window = w }
}

// WithMetrics overrides the process-default metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *TurnEngine) { e.metrics = m }
}

// WithMaxTokens sets the base completion cap the latency governor
// shrinks under slow round trips.
func WithMaxTokens(n int) Option {
	return func(e *TurnEngine) { e.maxTokens = n }
}

// WithTemperature sets the sampling temperature for all turns.
func WithTemperature(t float64) Option {
	return func(e *TurnEngine) { e.temperature = t }
}

// New creates a turn engine on the primary model provider. Budgets and
// thresholds come from cfg; zero values select defaults.
func New(primary llm.Provider, asm *Assembler, cfg config.EngineConfig, opts ...Option) *TurnEngine {
	e := &TurnEngine{
		primary:        primary,
		asm:            asm,
		gov:            NewGovernor(0),
		metrics:        observe.DefaultMetrics(),
		threshold:      cfg.ConsistencyThreshold,
		maxToolLoops:   cfg.MaxToolLoops,
		maxTokens:      defaultMaxTokens,
		streamAttempts: defaultStreamAttempts,
		sleep:          sleepCtx,
	}
	if e.threshold <= 0 {
		e.threshold = defaultConsistencyThreshold
	}
	if e.maxToolLoops <= 0 {
		e.maxToolLoops = defaultMaxToolLoops
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Respond starts one turn. The returned Result's Replies channel emits
// paced fragments as the model streams; it closes when the turn is done
// and the snapshot fields become valid. Callers must drain Replies.
func (e *TurnEngine) Respond(ctx context.Context, turn Turn) (*Result, error) {
	if turn.CallSID == "" {
		return nil, fault.New(fault.Validation, "engine_call_sid", "turn must carry a call sid")
	}
	if len(turn.History) == 0 {
		return nil, fault.New(fault.Validation, "engine_empty_history", "turn must carry at least one dialogue entry")
	}

	persona := ComposePersona(turn.Persona)
	actx := e.asm.Assemble(ctx, turn, persona)

	res := &Result{replies: make(chan Reply, replyBuf)}
	res.Replies = res.replies

	e.wg.Add(1)
	go e.run(ctx, turn, persona, actx, res)
	return res, nil
}

// Wait blocks until all in-flight turns have finished. Used by tests and
// at shutdown.
func (e *TurnEngine) Wait() {
	e.wg.Wait()
}

func (e *TurnEngine) run(ctx context.Context, turn Turn, persona ComposedPersona, actx *Context, res *Result) {
	defer e.wg.Done()
	defer close(res.replies)

	log := observe.CallLogger(ctx, turn.CallSID)
	log.Debug("engine: turn started",
		"phase", turn.Phase, "history", len(turn.History),
		"est_tokens", actx.EstimatedTokens, "folded", actx.Folded, "facts", actx.Facts)

	em := &emitter{res: res, persona: persona, threshold: e.threshold}
	res.Summary = actx.Summary

	msgs := actx.Messages
	var defs []types.ToolDefinition
	var interaction *toolexec.Interaction
	if e.exec != nil && turn.Registry != nil {
		defs = turn.Registry.Definitions()
		interaction = e.exec.NewInteraction()
	}

	var pending *observe.Interaction
	model := e.primary.Model()
	failedOver := false

	for loop := 0; ; loop++ {
		toolsAllowed := interaction != nil && len(defs) > 0 && loop < e.maxToolLoops
		req := llm.CompletionRequest{
			Messages:     msgs,
			SystemPrompt: actx.SystemPrompt,
			Temperature:  e.temperature,
			MaxTokens:    e.gov.MaxTokens(e.maxTokens),
		}
		if toolsAllowed {
			req.Tools = defs
		}

		out, err := e.streamTurn(ctx, turn.CallSID, req, em)
		if err != nil {
			em.emit(ctx, apologyText)
			res.Text = em.text()
			res.Model = model
			res.FailedOver = failedOver
			res.Consistency = ScoreConsistency(res.Text, persona)
			res.Rewritten = em.rewritten
			res.Failed = true
			res.setErr(err)
			// Failed attempts were already sampled inside streamTurn; only
			// the completed tool-loop sample is still pending.
			if pending != nil {
				e.recordSample(ctx, *pending)
			}
			log.Error("engine: turn exhausted all models, apology spoken", "error", err)
			return
		}

		e.gov.Observe(out.rtt)
		model = out.model
		failedOver = failedOver || out.failedOver
		res.Usage.PromptTokens += out.usage.PromptTokens
		res.Usage.CompletionTokens += out.usage.CompletionTokens
		res.Usage.TotalTokens += out.usage.TotalTokens

		if pending != nil {
			e.recordSample(ctx, *pending)
		}
		pending = &observe.Interaction{
			CallSID:          turn.CallSID,
			Model:            out.model,
			PromptTokens:     out.usage.PromptTokens,
			CompletionTokens: out.usage.CompletionTokens,
			RTT:              out.rtt,
			FirstToken:       out.firstToken,
			ToolCalls:        len(out.toolCalls),
			FailedOver:       out.failedOver,
		}

		if out.finish == "tool_calls" && len(out.toolCalls) > 0 && toolsAllowed {
			msgs = append(msgs, types.Message{Role: "assistant", ToolCalls: out.toolCalls})
			for _, call := range out.toolCalls {
				plan := toolexec.NewPlan(turn.CallSID, fmt.Sprintf("s%d", loop), fmt.Sprintf("a%d", out.attempt), call)
				r := interaction.Execute(ctx, plan)
				res.Tools = append(res.Tools, ToolOutcome{Name: call.Name, Status: r.Status, Duplicate: r.Duplicate})
				msgs = append(msgs, types.Message{
					Role:       "tool",
					Content:    r.Content,
					Name:       call.Name,
					ToolCallID: call.ID,
				})
			}
			continue
		}
		break
	}

	final := em.text()
	score := ScoreConsistency(final, persona)
	rewritten := em.rewritten
	if final != "" && score < e.threshold {
		final = RewriteForPersona(final, persona)
		score = ScoreConsistency(final, persona)
		rewritten = true
	}
	res.Text = final
	res.Model = model
	res.FailedOver = failedOver
	res.Consistency = score
	res.Rewritten = rewritten

	if pending != nil {
		pending.Consistency = score
		pending.Rewritten = rewritten
		e.recordSample(ctx, *pending)
	}

	log.Info("engine: reply complete",
		"model", model, "fragments", em.index, "tool_calls", len(res.Tools),
		"consistency", score, "rewritten", rewritten, "failed_over", failedOver)
}

// emitter assigns partialResponseIndex order, applies the consistency
// gate to each fragment, and accumulates the delivered text.
type emitter struct {
	res       *Result
	persona   ComposedPersona
	threshold float64
	index     int
	rewritten bool
	parts     []string
}

func (em *emitter) emit(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	out, score, rewritten := EnsureConsistent(text, em.persona, em.threshold)
	em.rewritten = em.rewritten || rewritten
	em.parts = append(em.parts, out)
	reply := Reply{
		PartialResponseIndex: em.index,
		PartialResponse:      out,
		PersonalityInfo:      em.persona.Label,
		PersonaConsistency:   score,
	}
	em.index++
	select {
	case em.res.replies <- reply:
	case <-ctx.Done():
	}
}

// text returns everything delivered so far, fragment order preserved.
func (em *emitter) text() string {
	return strings.Join(em.parts, " ")
}
