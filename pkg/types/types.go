// Package types defines the shared types used across all Trunkline packages.
//
// These types form the lingua franca between telephony providers, the turn
// engine, the digit subsystem, the store, and the HTTP surface. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"encoding/json"
	"time"
)

// Direction indicates whether a call was placed by us or received.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// IsValid reports whether d is a known direction.
func (d Direction) IsValid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// CallStatus is the provider-visible lifecycle status of a call.
// Transitions are monotonic toward a terminal status.
type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no-answer"
	CallBusy       CallStatus = "busy"
	CallCanceled   CallStatus = "canceled"
)

// IsValid reports whether s is a known call status.
func (s CallStatus) IsValid() bool {
	switch s {
	case CallQueued, CallRinging, CallInProgress, CallCompleted,
		CallFailed, CallNoAnswer, CallBusy, CallCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal status. Once a call reaches a
// terminal status no further status transitions are permitted.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallNoAnswer, CallBusy, CallCanceled:
		return true
	}
	return false
}

// rank orders statuses for monotonic transition checks. Terminal statuses
// share the highest rank; a transition to a lower rank is rejected.
func (s CallStatus) rank() int {
	switch s {
	case CallQueued:
		return 0
	case CallRinging:
		return 1
	case CallInProgress:
		return 2
	default:
		return 3
	}
}

// CanTransitionTo reports whether a status change from s to next preserves
// the monotonic-toward-terminal invariant.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Call is the durable record of one telephone call.
type Call struct {
	// CallSID is the globally unique, immutable call identifier. For
	// provider-placed calls this is the provider's SID.
	CallSID string `json:"call_sid"`

	// Provider names the telephony provider that carries the call.
	Provider string `json:"provider"`

	Direction   Direction  `json:"direction"`
	PhoneNumber string     `json:"phone_number"`
	Status      CallStatus `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Duration is the call length in seconds, set at teardown.
	Duration int `json:"duration,omitempty"`

	// UserChatID links the call to the requesting chat account, used by the
	// vault ownership check when resolving digit tokens.
	UserChatID   string `json:"user_chat_id,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`

	// Prompt is the persona instruction the call was placed with.
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"first_message"`

	// BusinessContext carries free-form campaign or account context that the
	// prompt composer folds into the system prompt.
	BusinessContext string `json:"business_context,omitempty"`

	// LastOTP holds the vault token of the most recent accepted verification
	// collection; LastOTPMasked the masked display form (never raw digits).
	LastOTP       string `json:"last_otp,omitempty"`
	LastOTPMasked string `json:"last_otp_masked,omitempty"`

	DigitCount   int    `json:"digit_count"`
	DigitSummary string `json:"digit_summary,omitempty"`

	AIAnalysis string `json:"ai_analysis,omitempty"`
}

// Speaker labels who produced a transcript entry.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerAI     Speaker = "ai"
	SpeakerSystem Speaker = "system"
)

// Transcript represents a live speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// SpeechFinal is set when the provider has detected the end of an
	// utterance (endpointing), not merely the end of a results batch.
	SpeechFinal bool

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// TranscriptEntry is a persisted dialogue line. Append-only; entries are
// never mutated after insertion.
type TranscriptEntry struct {
	ID      int64   `json:"id"`
	CallSID string  `json:"call_sid"`
	Speaker Speaker `json:"speaker"`

	// Message is the recorded text. Sensitive digit payloads appear here
	// only as vault tokens or masked forms, never raw.
	Message string `json:"message"`

	Timestamp time.Time `json:"timestamp"`
}

// CallStateEntry is one row of the append-only per-call event log. The
// latest entry of a given kind is queryable.
type CallStateEntry struct {
	CallSID   string          `json:"call_sid"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// DigitSource labels where a digit payload came from.
type DigitSource string

const (
	DigitSourceDTMF    DigitSource = "dtmf"
	DigitSourceGather  DigitSource = "gather"
	DigitSourceTimeout DigitSource = "timeout"
	DigitSourceSpeech  DigitSource = "speech"
)

// DigitEvent records one digit-collection outcome. Append-only. Digits is
// empty when the value was tokenized into the vault or suppressed.
type DigitEvent struct {
	ID       int64       `json:"id"`
	CallSID  string      `json:"call_sid"`
	Source   DigitSource `json:"source"`
	Profile  string      `json:"profile"`
	Digits   string      `json:"digits,omitempty"`
	Len      int         `json:"len"`
	Accepted bool        `json:"accepted"`

	// Reason explains a rejection (too_fast, too_long, invalid,
	// repeat_pattern, ascending_pattern, timeout).
	Reason string `json:"reason,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}

// JobStatus is the lifecycle status of a durable job.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobClaimed  JobStatus = "claimed"
	JobDone     JobStatus = "done"
	JobDLQ      JobStatus = "dlq"
	JobCanceled JobStatus = "canceled"
)

// Job is a unit of deferred work executed by the job fabric.
type Job struct {
	ID   int64  `json:"id"`
	Kind string `json:"kind"`

	// CallSID tags jobs that belong to one call (webhook retries,
	// reconciliation). Session teardown cancels its pending jobs by this
	// tag. Empty for jobs with no owning call.
	CallSID string `json:"call_sid,omitempty"`

	Payload     json.RawMessage `json:"payload"`
	NotBefore   time.Time       `json:"not_before"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      JobStatus       `json:"status"`
	LeaseUntil  *time.Time      `json:"lease_until,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ToolAuditStatus is the recorded outcome of a tool invocation.
type ToolAuditStatus string

const (
	ToolAuditOK     ToolAuditStatus = "ok"
	ToolAuditFailed ToolAuditStatus = "failed"
	ToolAuditCached ToolAuditStatus = "cached"
)

// ToolAudit is the persistent record of a tool invocation and its outcome,
// written before the tool response is fed back to the model.
type ToolAudit struct {
	ID       int64  `json:"id"`
	CallSID  string `json:"call_sid"`
	TraceID  string `json:"trace_id"`
	ToolName string `json:"tool_name"`

	// IdempotencyKey uniquely identifies the side-effecting operation;
	// unique index in the store.
	IdempotencyKey string `json:"idempotency_key"`
	InputHash      string `json:"input_hash"`

	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response,omitempty"`

	Status     ToolAuditStatus   `json:"status"`
	DurationMs int               `json:"duration_ms,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// IdempotencyStatus is the state of a reserved idempotency key.
type IdempotencyStatus string

const (
	IdemInProgress IdempotencyStatus = "in_progress"
	IdemOK         IdempotencyStatus = "ok"
	IdemFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is a process-global reservation with TTL. Unique on Key.
type IdempotencyRecord struct {
	Key       string            `json:"key"`
	Status    IdempotencyStatus `json:"status"`
	Response  json.RawMessage   `json:"response,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// MemoryFact is one long-term fact extracted during a call. Facts are pruned
// by confidence and age; recall is confidence-ordered or, when an embeddings
// provider is configured, by vector distance.
type MemoryFact struct {
	ID         int64     `json:"id"`
	CallSID    string    `json:"call_sid"`
	Key        string    `json:"key"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// CallMemory aggregates the rolling summary and facts for one call.
type CallMemory struct {
	CallSID      string       `json:"call_sid"`
	Summary      string       `json:"summary"`
	SummaryTurns int          `json:"summary_turns"`
	Facts        []MemoryFact `json:"facts,omitempty"`
}

// HealthLog is one service-health event row (provider degradation, DLQ
// alerts, SLO breaches).
type HealthLog struct {
	ID        int64     `json:"id"`
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Count     int       `json:"count,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON-Schema-like description of the tool's input
	// parameters (type/enum/min/max/required).
	Parameters map[string]any

	// EstimatedDurationMs is the declared p50 latency.
	EstimatedDurationMs int

	// MaxDurationMs is the declared p99 upper bound, used as a hard timeout.
	MaxDurationMs int
}

// VoiceProfile describes a TTS voice configuration for a call.
type VoiceProfile struct {
	// ID is the provider-specific voice model identifier
	// (e.g. "aura-asteria-en").
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// BackupID is the voice retried once after a synthesis failure on a
	// cache miss. Empty disables the backup retry.
	BackupID string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
