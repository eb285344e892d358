// Package jobs is the durable job fabric: a single-writer poller claims due
// jobs under lease from the store, executes them by kind, retries with
// capped exponential backoff plus jitter, and parks exhausted jobs in the
// dead-letter queue. Outbound webhook notifications ride the same fabric:
// a failed delivery becomes a webhook_delivery job that re-posts the signed
// envelope with its original idempotency key.
package jobs

import (
	"context"
	"encoding/json"

	"github.com/routatel/trunkline/pkg/types"
)

// Job kinds executed by the runner. Handlers for outbound placement and
// SMS are registered by the application; webhook delivery ships here.
const (
	// KindOutboundCall places an outbound call through the provider router.
	KindOutboundCall = "outbound_call"

	// KindScheduledSMS sends a deferred text message.
	KindScheduledSMS = "scheduled_sms"

	// KindWebhookDelivery re-posts a signed webhook envelope.
	KindWebhookDelivery = "webhook_delivery"

	// KindReconcileSMS re-queries delivery state for a sent message whose
	// receipt never arrived.
	KindReconcileSMS = "reconcile_sms"
)

// Handler executes one claimed job. A nil return completes the job; an
// error schedules a retry until the attempt budget is spent.
type Handler func(ctx context.Context, job types.Job) error

// OutboundCallPayload is the payload of a KindOutboundCall job.
type OutboundCallPayload struct {
	CallSID string `json:"call_sid"`
	To      string `json:"to"`
}

// ScheduledSMSPayload is the payload of a KindScheduledSMS job.
type ScheduledSMSPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`

	// CallSID links the message to the call that scheduled it, if any.
	CallSID string `json:"call_sid,omitempty"`
}

// ReconcileSMSPayload is the payload of a KindReconcileSMS job.
type ReconcileSMSPayload struct {
	Provider          string `json:"provider"`
	ProviderMessageID string `json:"provider_message_id"`
	CallSID           string `json:"call_sid,omitempty"`
}

// DeliveryPayload is the payload of a KindWebhookDelivery job. Body is the
// exact JSON that was signed; Key is the envelope idempotency key reused on
// every attempt so the receiver's dedupe holds.
type DeliveryPayload struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
	Key  string          `json:"key"`
}

// NewJob builds a pending job due immediately: a zero NotBefore is due at
// claim time regardless of the claimer's clock. Callers set NotBefore for
// deferred work before enqueueing.
func NewJob(kind string, payload any, maxAttempts int) (*types.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &types.Job{
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		Status:      types.JobPending,
	}, nil
}
