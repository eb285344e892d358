// Package store defines the persistence surface for the Trunkline call
// orchestrator.
//
// The interfaces here are segregated by concern so that consumers can
// declare the narrow dependency they actually use: the job fabric takes a
// [JobStore], the turn engine a [ToolAuditStore] and [IdempotencyStore],
// the digit subsystem a [DigitStore], and so on. [Store] is the composite
// surface implemented by the backends under store/postgres (durable) and
// store/memstore (in-process, used when no DSN is configured and in tests).
//
// All methods are safe for concurrent use. Single-record lookups return
// [ErrNotFound] when no row matches; inserts into uniquely keyed tables
// return [ErrDuplicate] on collision. List methods return empty non-nil
// slices when nothing matches.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/routatel/trunkline/pkg/types"
)

var (
	// ErrNotFound is returned by single-record lookups when no row matches.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a unique key
	// (call SID, tool audit idempotency key, idempotency reservation key).
	ErrDuplicate = errors.New("store: duplicate key")
)

// CallUpdate is a partial update of mutable call fields. Nil fields are left
// untouched. Immutable fields (SID, provider, direction, number, timestamps)
// have no business here.
type CallUpdate struct {
	CustomerName    *string
	BusinessContext *string
	LastOTP         *string
	LastOTPMasked   *string
	DigitCount      *int
	DigitSummary    *string
	AIAnalysis      *string
}

// VaultEntry is one tokenized digit payload. The raw digits never reach the
// store; Ciphertext is the AES-GCM sealed value (nonce prepended) and Masked
// the display form.
type VaultEntry struct {
	// Token is the vault reference in the form
	// vault://digits/{call_sid}/tok_{id}. Unique.
	Token      string    `json:"token"`
	CallSID    string    `json:"call_sid"`
	Profile    string    `json:"profile"`
	Ciphertext []byte    `json:"-"`
	Masked     string    `json:"masked"`
	DigitLen   int       `json:"digit_len"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reservation is the outcome of [IdempotencyStore.ReserveIdempotency].
// Exactly one caller per key observes Reserved=true until the reservation is
// completed or expires; everyone else gets the existing record.
type Reservation struct {
	Reserved bool
	Existing *types.IdempotencyRecord
}

// CallStore persists call records, keyed by the immutable call SID.
type CallStore interface {
	// CreateCall inserts a new call record. Returns [ErrDuplicate] if a
	// call with the same SID already exists.
	CreateCall(ctx context.Context, call *types.Call) error

	// Call returns the call with the given SID, or [ErrNotFound].
	Call(ctx context.Context, callSID string) (*types.Call, error)

	// UpdateCallStatus applies a provider status transition. Transitions
	// that would move backwards, repeat the current status, or leave a
	// terminal status are ignored (applied=false, nil error) so that late
	// or replayed provider webhooks are harmless. On the transition to
	// in-progress the start timestamp is stamped; on a terminal transition
	// the end timestamp and duration are.
	UpdateCallStatus(ctx context.Context, callSID string, status types.CallStatus, at time.Time) (applied bool, err error)

	// UpdateCall applies a partial field update to an existing call.
	UpdateCall(ctx context.Context, callSID string, upd CallUpdate) error

	// ListCalls returns up to limit calls, newest first.
	ListCalls(ctx context.Context, limit int) ([]types.Call, error)

	// SearchCalls returns up to limit calls whose SID, phone number,
	// customer name, prompt, or business context matches q
	// (case-insensitive substring), newest first.
	SearchCalls(ctx context.Context, q string, limit int) ([]types.Call, error)

	// CountCallsByStatus returns the number of calls per lifecycle status.
	CountCallsByStatus(ctx context.Context) (map[types.CallStatus]int, error)
}

// TranscriptStore is the append-only dialogue log. Entries are never
// mutated or reordered after insertion.
type TranscriptStore interface {
	// AppendTranscript appends one dialogue line and fills entry.ID. A
	// zero entry.Timestamp defaults to the current time.
	AppendTranscript(ctx context.Context, entry *types.TranscriptEntry) error

	// Transcript returns all entries for a call in insertion order.
	Transcript(ctx context.Context, callSID string) ([]types.TranscriptEntry, error)
}

// StateStore is the append-only per-call event log (answered-by results,
// collection outcomes, routing decisions). The newest entry of a kind is
// the current state of that kind.
type StateStore interface {
	// AppendCallState appends one event-log row.
	AppendCallState(ctx context.Context, entry *types.CallStateEntry) error

	// CallStates returns entries for a call in insertion order. A non-empty
	// kind restricts to that kind.
	CallStates(ctx context.Context, callSID, kind string) ([]types.CallStateEntry, error)

	// LatestCallState returns the newest entry of the given kind, or
	// [ErrNotFound] if the call has none.
	LatestCallState(ctx context.Context, callSID, kind string) (*types.CallStateEntry, error)
}

// DigitStore persists digit-collection outcomes and the token vault.
type DigitStore interface {
	// RecordDigitEvent appends one collection outcome and fills event.ID.
	// A zero event.At defaults to the current time.
	RecordDigitEvent(ctx context.Context, event *types.DigitEvent) error

	// DigitEvents returns all events for a call in insertion order.
	DigitEvents(ctx context.Context, callSID string) ([]types.DigitEvent, error)

	// PutVaultEntry stores one sealed digit payload. Returns
	// [ErrDuplicate] if the token already exists.
	PutVaultEntry(ctx context.Context, entry *VaultEntry) error

	// VaultEntry resolves a vault token, or returns [ErrNotFound].
	VaultEntry(ctx context.Context, token string) (*VaultEntry, error)
}

// JobStore is the durable at-least-once job queue. Claims take a lease;
// jobs whose lease expires without completion become claimable again.
type JobStore interface {
	// EnqueueJob inserts a pending job and fills job.ID. A zero
	// job.NotBefore means due immediately: it is stored as is and sorts
	// before any claim cursor.
	EnqueueJob(ctx context.Context, job *types.Job) error

	// ClaimDueJobs atomically claims up to limit jobs that are due at now:
	// pending jobs whose not_before has passed, plus claimed jobs whose
	// lease has expired. Claimed jobs get lease_until = now + lease.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]types.Job, error)

	// CompleteJob marks a claimed job done.
	CompleteJob(ctx context.Context, id int64) error

	// FailJob records a failed attempt. The job returns to pending with
	// not_before = retryAt, unless the incremented attempt count reaches
	// max_attempts, in which case it moves to the dead-letter queue. The
	// resulting status is returned so callers can react to the DLQ move.
	FailJob(ctx context.Context, id int64, errMsg string, retryAt time.Time) (types.JobStatus, error)

	// Job returns the job with the given id, or [ErrNotFound].
	Job(ctx context.Context, id int64) (*types.Job, error)

	// CancelJobsForCall cancels every pending or claimed job tagged with
	// callSID and returns how many were canceled. Done and dead-lettered
	// jobs are left untouched.
	CancelJobsForCall(ctx context.Context, callSID string) (int, error)

	// DLQDepth returns the number of jobs parked in the dead-letter queue.
	DLQDepth(ctx context.Context) (int, error)

	// CountJobsByStatus returns the number of jobs per lifecycle status.
	CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int, error)
}

// ToolAuditStore records tool invocations. The audit row is written before
// the tool response is fed back to the model, so a crash between execution
// and continuation still leaves a durable trace.
type ToolAuditStore interface {
	// InsertToolAudit appends one audit row and fills audit.ID. Returns
	// [ErrDuplicate] if the idempotency key was already recorded.
	InsertToolAudit(ctx context.Context, audit *types.ToolAudit) error

	// ToolAuditByKey returns the audit row for an idempotency key, or
	// [ErrNotFound].
	ToolAuditByKey(ctx context.Context, idempotencyKey string) (*types.ToolAudit, error)

	// ToolAudits returns all audit rows for a call in insertion order.
	ToolAudits(ctx context.Context, callSID string) ([]types.ToolAudit, error)
}

// IdempotencyStore is the keyed reservation table used to give
// side-effecting operations exactly-one-success semantics per key.
type IdempotencyStore interface {
	// ReserveIdempotency attempts to reserve key until now + ttl. A fresh
	// key, an expired reservation, or a reservation whose last outcome was
	// failed is (re)taken and reported Reserved=true. Otherwise the existing
	// record is returned for the caller to act on: an ok record carries the
	// cached response, an in_progress record means another holder is live.
	ReserveIdempotency(ctx context.Context, key string, ttl time.Duration) (*Reservation, error)

	// CompleteIdempotency records the outcome of a held reservation. The
	// record keeps its expiry so replays within the TTL see the outcome.
	CompleteIdempotency(ctx context.Context, key string, status types.IdempotencyStatus, response json.RawMessage) error

	// IdempotencyRecord returns the record for key, or [ErrNotFound].
	IdempotencyRecord(ctx context.Context, key string) (*types.IdempotencyRecord, error)

	// PurgeExpiredIdempotency deletes records whose expiry has passed and
	// returns how many were removed.
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore persists the rolling per-call summary and extracted facts.
// Fact recall is confidence-ordered, or nearest-first when an embedding is
// supplied.
type MemoryStore interface {
	// SaveCallMemory upserts the rolling summary for a call.
	SaveCallMemory(ctx context.Context, mem *types.CallMemory) error

	// CallMemory returns the summary record for a call, or [ErrNotFound].
	// Facts are not populated; fetch them via TopMemoryFacts.
	CallMemory(ctx context.Context, callSID string) (*types.CallMemory, error)

	// AddMemoryFact appends one fact and fills fact.ID. A nil embedding is
	// allowed; such facts are skipped by vector search.
	AddMemoryFact(ctx context.Context, fact *types.MemoryFact, embedding []float32) error

	// TopMemoryFacts returns up to limit facts for a call, highest
	// confidence first, newest first within equal confidence.
	TopMemoryFacts(ctx context.Context, callSID string, limit int) ([]types.MemoryFact, error)

	// SearchMemoryFacts returns up to topK facts for a call ordered by
	// ascending cosine distance to the query embedding.
	SearchMemoryFacts(ctx context.Context, callSID string, embedding []float32, topK int) ([]types.MemoryFact, error)
}

// HealthStore records service-health events (provider degradation, DLQ
// alerts, SLO breaches) for the operational surface.
type HealthStore interface {
	// RecordHealthLog appends one health event and fills log.ID.
	RecordHealthLog(ctx context.Context, log *types.HealthLog) error

	// HealthLogs returns up to limit events newest first, optionally
	// restricted to one service and to events at or after since.
	HealthLogs(ctx context.Context, service string, since time.Time, limit int) ([]types.HealthLog, error)
}

// Store is the composite persistence surface.
type Store interface {
	CallStore
	TranscriptStore
	StateStore
	DigitStore
	JobStore
	ToolAuditStore
	IdempotencyStore
	MemoryStore
	HealthStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close()
}

// ApplyStatus applies a provider status transition to call in place,
// enforcing the monotonic-toward-terminal lifecycle shared by every backend.
// It reports whether the transition was applied; repeats, regressions, and
// transitions out of a terminal status are ignored.
//
// On entering in-progress the start timestamp is stamped (first time only).
// On entering a terminal status the end timestamp is stamped and the
// duration derived from the start timestamp, when one exists.
func ApplyStatus(call *types.Call, status types.CallStatus, at time.Time) bool {
	if status == call.Status || !call.Status.CanTransitionTo(status) {
		return false
	}
	call.Status = status
	switch {
	case status == types.CallInProgress:
		if call.StartedAt == nil {
			t := at
			call.StartedAt = &t
		}
	case status.IsTerminal():
		t := at
		call.EndedAt = &t
		if call.StartedAt != nil {
			if d := at.Sub(*call.StartedAt); d > 0 {
				call.Duration = int(d / time.Second)
			}
		}
	}
	return true
}
