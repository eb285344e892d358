package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

// Outcome is what Dedupe reports for an inbound idempotency key.
type Outcome int

const (
	// Fresh means the key was reserved; the caller runs the handler and
	// must settle the reservation with Complete or Fail.
	Fresh Outcome = iota

	// Replay means the key completed before; Cached carries the stored
	// response to return without re-executing.
	Replay

	// InFlight means another request holding the key has not finished.
	InFlight
)

// Dedupe gives webhook handlers exactly-once semantics per idempotency key
// within a TTL. Replaying a request with a seen key returns the original
// response and performs no state changes.
type Dedupe struct {
	st  store.IdempotencyStore
	ttl time.Duration
}

// NewDedupe creates a Dedupe remembering keys for ttl.
func NewDedupe(st store.IdempotencyStore, ttl time.Duration) *Dedupe {
	return &Dedupe{st: st, ttl: ttl}
}

// Check reserves key. On Replay the cached response is returned. Keys whose
// previous handling failed are re-reserved as Fresh so the sender's retry
// gets another attempt.
func (d *Dedupe) Check(ctx context.Context, key string) (Outcome, json.RawMessage, error) {
	res, err := d.st.ReserveIdempotency(ctx, "webhook:"+key, d.ttl)
	if err != nil {
		return Fresh, nil, err
	}
	if res.Reserved {
		return Fresh, nil, nil
	}
	if res.Existing != nil && res.Existing.Status == types.IdemOK {
		return Replay, res.Existing.Response, nil
	}
	return InFlight, nil, nil
}

// Complete stores the response for key so replays within the TTL see it.
func (d *Dedupe) Complete(ctx context.Context, key string, response json.RawMessage) error {
	return d.st.CompleteIdempotency(ctx, "webhook:"+key, types.IdemOK, response)
}

// Fail releases key for a retry by recording the failed outcome.
func (d *Dedupe) Fail(ctx context.Context, key string) error {
	return d.st.CompleteIdempotency(ctx, "webhook:"+key, types.IdemFailed, nil)
}
