package toolexec

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/resilience"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

// collectDigitsTool receives argument clamping during validation.
const collectDigitsTool = "collect_digits"

const (
	defaultBudget         = 4
	defaultIdemTTL        = 10 * time.Minute
	defaultAttemptTimeout = 10 * time.Second
	retryBaseDelay        = 250 * time.Millisecond
	retryMaxDelay         = 2 * time.Second
)

// Plan is one planned tool call derived from a model tool invocation. The
// idempotency key pins the call to its position in the conversation so a
// re-emitted side effect is recognized and served from the store.
type Plan struct {
	ToolName   string
	Args       string
	ToolCallID string

	CallSID   string
	StepID    string
	AttemptID string

	InputHash      string
	IdempotencyKey string
}

// NewPlan derives the execution plan for one tool call. stepID is the tool
// loop depth within the turn and attemptID the stream attempt the call was
// emitted on; identical re-emissions at the same position share a key.
func NewPlan(callSID, stepID, attemptID string, call types.ToolCall) Plan {
	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	hash := InputHash(call.Name, args)
	return Plan{
		ToolName:       call.Name,
		Args:           args,
		ToolCallID:     call.ID,
		CallSID:        callSID,
		StepID:         stepID,
		AttemptID:      attemptID,
		InputHash:      hash,
		IdempotencyKey: fmt.Sprintf("tool:%s:%s:%s:%s", callSID, stepID, attemptID, hash),
	}
}

// InputHash fingerprints one invocation. The tool name is folded in so two
// tools called with identical arguments at the same step never collide, and
// the arguments are compacted so formatting differences in the model output
// do not defeat deduplication.
func InputHash(tool, args string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(args)); err != nil {
		buf.Reset()
		buf.WriteString(args)
	}
	sum := sha256.Sum256([]byte(tool + "\x00" + buf.String()))
	return hex.EncodeToString(sum[:8])
}

// Result is the outcome of one pipeline run. Content is always set and is
// what the engine feeds back to the model as the tool-role message; Err
// carries the classification when the call was rejected or failed.
type Result struct {
	Content    string
	Status     types.ToolAuditStatus
	Duplicate  bool
	Cached     bool
	DurationMs int64
	Err        error
}

// Store is the persistence surface the executor needs: audit rows and
// idempotency reservations.
type Store interface {
	store.ToolAuditStore
	store.IdempotencyStore
}

// Breakers is a set of per-tool circuit breakers. Executors for different
// calls share one set so a misbehaving tool opens for every call at once.
type Breakers struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu     sync.Mutex
	byTool map[string]*resilience.CircuitBreaker
}

// NewBreakers creates a breaker set. Zero values fall back to the
// [resilience.NewCircuitBreaker] defaults.
func NewBreakers(failureThreshold int, window, cooldown time.Duration) *Breakers {
	return &Breakers{
		threshold: failureThreshold,
		window:    window,
		cooldown:  cooldown,
		byTool:    make(map[string]*resilience.CircuitBreaker),
	}
}

// For returns the breaker guarding the named tool, creating it on first use.
func (b *Breakers) For(tool string) *resilience.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.byTool[tool]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "tool:" + tool,
			FailureThreshold: b.threshold,
			Window:           b.window,
			Cooldown:         b.cooldown,
		})
		b.byTool[tool] = cb
	}
	return cb
}

// Snapshots returns health counters for every known tool breaker, for the
// status endpoint.
func (b *Breakers) Snapshots() []resilience.HealthSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]resilience.HealthSnapshot, 0, len(b.byTool))
	for _, cb := range b.byTool {
		out = append(out, cb.Snapshot())
	}
	return out
}

// Executor runs planned tool calls through validation, idempotency, budget,
// circuit, execution, and audit. One executor serves one call; the breaker
// set and registry may be shared across calls.
type Executor struct {
	reg      *Registry
	store    Store
	metrics  *observe.Metrics
	breakers *Breakers
	budget   int
	idemTTL  time.Duration

	// sleep and jitter are swapped out in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Option configures an [Executor].
type Option func(*Executor)

// WithBudget caps tool executions per interaction.
func WithBudget(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.budget = n
		}
	}
}

// WithIdempotencyTTL sets how long side-effect reservations are remembered.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.idemTTL = d
		}
	}
}

// WithBreakers shares a breaker set across executors.
func WithBreakers(b *Breakers) Option {
	return func(e *Executor) {
		if b != nil {
			e.breakers = b
		}
	}
}

// WithMetrics overrides the metrics instance, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor over the given registry and store.
func NewExecutor(reg *Registry, st Store, opts ...Option) *Executor {
	e := &Executor{
		reg:      reg,
		store:    st,
		metrics:  observe.DefaultMetrics(),
		breakers: NewBreakers(0, 0, 0),
		budget:   defaultBudget,
		idemTTL:  defaultIdemTTL,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewInteraction starts the budget scope for one user turn. Every tool
// execution in the turn draws from the same allowance.
func (e *Executor) NewInteraction() *Interaction {
	return &Interaction{ex: e}
}

// Interaction tracks the tool budget for one user turn.
type Interaction struct {
	ex *Executor

	mu   sync.Mutex
	used int
}

// Used reports how many executions this interaction has consumed.
func (in *Interaction) Used() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.used
}

// Execute runs the full pipeline for one planned call. The returned Result
// is always usable: Content carries the tool response, a cached duplicate
// envelope, or a structured error payload for the model.
func (in *Interaction) Execute(ctx context.Context, p Plan) *Result {
	ex := in.ex
	log := observe.CallLogger(ctx, p.CallSID)

	tool, ok := ex.reg.Lookup(p.ToolName)
	if !ok {
		return in.reject(ctx, p, fault.Newf(fault.ToolValidation, "tool_unknown", "tool %q is not registered", p.ToolName))
	}

	// Validate.
	args, err := ValidateArgs(tool.Definition.Parameters, p.Args)
	if err != nil {
		return in.reject(ctx, p, fault.Wrap(fault.ToolValidation, "tool_validation", err))
	}
	if p.ToolName == collectDigitsTool {
		ClampDigitArgs(args)
		if clamped, merr := json.Marshal(args); merr == nil {
			p.Args = string(clamped)
		}
	}

	// Reserve. Side-effect executions run at most once per idempotency key;
	// a key whose prior execution failed is not silently retried.
	reserved := false
	if tool.Class == ClassSideEffect {
		if rec, rerr := ex.store.IdempotencyRecord(ctx, p.IdempotencyKey); rerr == nil &&
			rec.Status == types.IdemFailed && rec.ExpiresAt.After(time.Now()) {
			return in.reject(ctx, p, fault.New(fault.ToolIdemConflict, "tool_idempotency_failed",
				"a prior execution under this key failed"))
		}
		res, rerr := ex.store.ReserveIdempotency(ctx, p.IdempotencyKey, ex.idemTTL)
		if rerr != nil {
			return in.reject(ctx, p, fault.Wrap(fault.StorageUnavailable, "idempotency_reserve_failed", rerr))
		}
		if !res.Reserved {
			switch res.Existing.Status {
			case types.IdemOK:
				return in.cached(ctx, p, res.Existing.Response)
			case types.IdemFailed:
				return in.reject(ctx, p, fault.New(fault.ToolIdemConflict, "tool_idempotency_failed",
					"a prior execution under this key failed"))
			default:
				return in.reject(ctx, p, fault.New(fault.ToolIdemConflict, "tool_in_progress",
					"an execution under this key is still running"))
			}
		}
		reserved = true
	}

	// Budget.
	if berr := in.consumeBudget(); berr != nil {
		in.release(ctx, p, reserved)
		return in.reject(ctx, p, berr)
	}

	// Circuit. An open breaker reroutes to the declared fallback when one is
	// registered and healthy.
	exec := tool
	rerouted := false
	cb := ex.breakers.For(tool.Definition.Name)
	if !cb.Allow() {
		if tool.Fallback != "" {
			if fb, fok := ex.reg.Lookup(tool.Fallback); fok && ex.breakers.For(fb.Definition.Name).Allow() {
				exec = fb
				rerouted = true
				cb = ex.breakers.For(fb.Definition.Name)
			}
		}
		if !rerouted {
			in.release(ctx, p, reserved)
			return in.reject(ctx, p, fault.Newf(fault.ToolCircuitOpen, "tool_circuit_open",
				"tool %q circuit is open", p.ToolName))
		}
		log.Info("toolexec: rerouting to fallback tool",
			"tool", p.ToolName, "fallback", exec.Definition.Name)
		ex.metrics.RecordFailover(ctx, "tool", p.ToolName, exec.Definition.Name)
	}

	// Execute under the tool's policy.
	start := time.Now()
	output, execErr := in.run(ctx, exec, p.Args)
	duration := time.Since(start)

	status := types.ToolAuditOK
	if execErr != nil {
		status = types.ToolAuditFailed
		var fe *fault.Error
		if !errors.As(execErr, &fe) {
			execErr = fault.Wrap(fault.Internal, "tool_execution_failed", execErr)
		}
		if cb.RecordFailure() {
			ex.metrics.RecordBreakerTransition(ctx, "tool:"+exec.Definition.Name, "open")
		}
	} else {
		cb.RecordSuccess()
	}

	content := output
	if execErr != nil {
		content = errorPayload(fault.CodeOf(execErr), execErr)
	}
	response := toRawJSON(content)

	// Audit before the response is handed back to the model.
	audit := &types.ToolAudit{
		CallSID:        p.CallSID,
		TraceID:        observe.CorrelationID(ctx),
		ToolName:       exec.Definition.Name,
		IdempotencyKey: p.IdempotencyKey,
		InputHash:      p.InputHash,
		Request:        json.RawMessage(p.Args),
		Response:       response,
		Status:         status,
		DurationMs:     int(duration.Milliseconds()),
		Metadata:       p.auditMetadata(exec.Class, rerouted),
	}
	if aerr := ex.store.InsertToolAudit(ctx, audit); aerr != nil && !errors.Is(aerr, store.ErrDuplicate) {
		log.Error("toolexec: audit write failed",
			"tool", exec.Definition.Name, "idempotency_key", p.IdempotencyKey, "error", aerr)
		in.complete(ctx, p, reserved, status, response)
		return in.reject(ctx, p, fault.Wrap(fault.StorageUnavailable, "tool_audit_failed", aerr))
	}

	in.complete(ctx, p, reserved, status, response)

	ex.metrics.RecordToolCall(ctx, p.ToolName, string(status))
	ex.metrics.ToolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("tool", p.ToolName),
		attribute.String("status", string(status)),
	))

	if execErr != nil {
		log.Warn("toolexec: tool execution failed",
			"tool", exec.Definition.Name, "duration_ms", duration.Milliseconds(), "error", execErr)
	} else {
		log.Debug("toolexec: tool executed",
			"tool", exec.Definition.Name, "duration_ms", duration.Milliseconds())
	}

	return &Result{
		Content:    content,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Err:        execErr,
	}
}

// run invokes the handler with the tool's per-attempt timeout and bounded
// retries with exponential backoff and jitter. Capture tools never retry.
func (in *Interaction) run(ctx context.Context, tool Tool, args string) (string, error) {
	retries := tool.RetryLimit
	if tool.Class == ClassCapture {
		retries = 0
	}
	timeout := attemptTimeout(tool)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := in.ex.sleep(ctx, in.ex.backoff(attempt)); err != nil {
				return "", lastErr
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := tool.Handler(attemptCtx, args)
		cancel()
		if err == nil {
			return output, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

// consumeBudget takes one execution slot or reports exhaustion.
func (in *Interaction) consumeBudget() *fault.Error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.used >= in.ex.budget {
		return fault.Newf(fault.ToolBudgetExceeded, "tool_budget_exceeded",
			"tool budget of %d per interaction exhausted", in.ex.budget)
	}
	in.used++
	return nil
}

// cached serves a duplicate side-effect call from the stored response. The
// audit insert bounces off the unique key of the original row, keeping
// exactly one audit per executed key.
func (in *Interaction) cached(ctx context.Context, p Plan, prior json.RawMessage) *Result {
	ex := in.ex
	content := duplicateEnvelope(prior)

	audit := &types.ToolAudit{
		CallSID:        p.CallSID,
		TraceID:        observe.CorrelationID(ctx),
		ToolName:       p.ToolName,
		IdempotencyKey: p.IdempotencyKey,
		InputHash:      p.InputHash,
		Request:        json.RawMessage(p.Args),
		Response:       json.RawMessage(content),
		Status:         types.ToolAuditCached,
		Metadata:       p.auditMetadata("", false),
	}
	if err := ex.store.InsertToolAudit(ctx, audit); err != nil && !errors.Is(err, store.ErrDuplicate) {
		observe.CallLogger(ctx, p.CallSID).Warn("toolexec: cached audit write failed",
			"tool", p.ToolName, "error", err)
	}

	ex.metrics.RecordToolCall(ctx, p.ToolName, string(types.ToolAuditCached))
	observe.CallLogger(ctx, p.CallSID).Info("toolexec: duplicate call served from idempotency cache",
		"tool", p.ToolName, "idempotency_key", p.IdempotencyKey)

	return &Result{
		Content:   content,
		Status:    types.ToolAuditCached,
		Duplicate: true,
		Cached:    true,
	}
}

// reject finalizes a pipeline rejection before the handler ran.
func (in *Interaction) reject(ctx context.Context, p Plan, err *fault.Error) *Result {
	in.ex.metrics.RecordToolCall(ctx, p.ToolName, "rejected")
	observe.CallLogger(ctx, p.CallSID).Warn("toolexec: tool call rejected",
		"tool", p.ToolName, "code", err.Code)
	return &Result{
		Content: errorPayload(err.Code, err),
		Status:  types.ToolAuditFailed,
		Err:     err,
	}
}

// release marks a held reservation failed after a rejection that never
// reached the handler, so a later attempt is not stuck behind in_progress.
func (in *Interaction) release(ctx context.Context, p Plan, reserved bool) {
	if !reserved {
		return
	}
	if err := in.ex.store.CompleteIdempotency(ctx, p.IdempotencyKey, types.IdemFailed, nil); err != nil {
		observe.CallLogger(ctx, p.CallSID).Warn("toolexec: releasing reservation failed",
			"idempotency_key", p.IdempotencyKey, "error", err)
	}
}

// complete records the execution outcome on a held reservation.
func (in *Interaction) complete(ctx context.Context, p Plan, reserved bool, status types.ToolAuditStatus, response json.RawMessage) {
	if !reserved {
		return
	}
	idemStatus := types.IdemOK
	if status != types.ToolAuditOK {
		idemStatus = types.IdemFailed
	}
	if err := in.ex.store.CompleteIdempotency(ctx, p.IdempotencyKey, idemStatus, response); err != nil {
		observe.CallLogger(ctx, p.CallSID).Error("toolexec: idempotency completion failed",
			"idempotency_key", p.IdempotencyKey, "error", err)
	}
}

// backoff returns the delay before retry n (1-based), exponential with
// jitter and capped.
func (e *Executor) backoff(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d + time.Duration(e.jitter()*float64(d/2))
}

// attemptTimeout resolves the per-attempt deadline for a tool.
func attemptTimeout(t Tool) time.Duration {
	switch {
	case t.TimeoutMs > 0:
		return time.Duration(t.TimeoutMs) * time.Millisecond
	case t.Definition.MaxDurationMs > 0:
		return time.Duration(t.Definition.MaxDurationMs) * time.Millisecond
	default:
		return defaultAttemptTimeout
	}
}

// auditMetadata carries the plan coordinates into the audit row.
func (p Plan) auditMetadata(class Class, rerouted bool) map[string]string {
	md := map[string]string{
		"step_id":    p.StepID,
		"attempt_id": p.AttemptID,
	}
	if p.ToolCallID != "" {
		md["tool_call_id"] = p.ToolCallID
	}
	if class != "" {
		md["class"] = string(class)
	}
	if rerouted {
		md["rerouted_from"] = p.ToolName
	}
	return md
}

// errorPayload renders a rejection or failure as the JSON object fed back to
// the model.
func errorPayload(code string, err error) string {
	payload := map[string]string{"error": code}
	if err != nil {
		payload["message"] = err.Error()
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// duplicateEnvelope wraps a cached response so the model sees the duplicate
// flag instead of acting on the side effect twice.
func duplicateEnvelope(prior json.RawMessage) string {
	resp := json.RawMessage("null")
	if len(prior) > 0 {
		resp = prior
	}
	b, _ := json.Marshal(struct {
		Duplicate bool            `json:"duplicate"`
		Cached    bool            `json:"cached"`
		Response  json.RawMessage `json:"response"`
	}{Duplicate: true, Cached: true, Response: resp})
	return string(b)
}

// toRawJSON passes content through when it is already valid JSON and quotes
// it as a JSON string otherwise, keeping audit and idempotency rows queryable.
func toRawJSON(content string) json.RawMessage {
	if json.Valid([]byte(content)) && content != "" {
		return json.RawMessage(content)
	}
	b, _ := json.Marshal(content)
	return json.RawMessage(b)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
