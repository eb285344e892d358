package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/routatel/trunkline/internal/webhook"
	"github.com/routatel/trunkline/pkg/types"
)

// Deliverer posts signed webhook envelopes. A failed first attempt becomes a
// KindWebhookDelivery job; retries resign the same body with the original
// idempotency key so the receiver's dedupe holds.
type Deliverer struct {
	signer      *webhook.Signer
	client      *http.Client
	runner      *Runner
	maxAttempts int
	log         *slog.Logger
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithDeliveryClient replaces the HTTP client.
func WithDeliveryClient(c *http.Client) DelivererOption {
	return func(d *Deliverer) { d.client = c }
}

// WithDeliveryLogger sets the deliverer's logger.
func WithDeliveryLogger(log *slog.Logger) DelivererOption {
	return func(d *Deliverer) { d.log = log }
}

// NewDeliverer builds a Deliverer that signs with signer and schedules
// retries on runner, up to maxAttempts deliveries per webhook. It registers
// itself as the runner's KindWebhookDelivery handler.
func NewDeliverer(signer *webhook.Signer, runner *Runner, maxAttempts int, opts ...DelivererOption) *Deliverer {
	d := &Deliverer{
		signer:      signer,
		client:      &http.Client{Timeout: 10 * time.Second},
		runner:      runner,
		maxAttempts: maxAttempts,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 5
	}
	runner.Register(KindWebhookDelivery, d.handle)
	return d
}

// Notify marshals payload, signs it, and posts it to url. On delivery
// failure the webhook is handed to the job fabric for retries; the error
// returned then is nil, since the notification is still in flight. callSID
// tags the retry job so call teardown can cancel it.
func (d *Deliverer) Notify(ctx context.Context, url, callSID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	env := d.signer.Sign(body)
	err = d.post(ctx, url, body, env)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if d.maxAttempts <= 1 {
		return err
	}
	d.log.Warn("webhook delivery failed, scheduling retry",
		"url", url, "call_sid", callSID, "error", err)

	job, err := NewJob(KindWebhookDelivery, DeliveryPayload{
		URL:  url,
		Body: body,
		Key:  env.IdempotencyKey,
	}, d.maxAttempts-1)
	if err != nil {
		return err
	}
	job.CallSID = callSID
	return d.runner.Enqueue(ctx, job)
}

// handle is the KindWebhookDelivery job handler: resign and re-post.
func (d *Deliverer) handle(ctx context.Context, job types.Job) error {
	var p DeliveryPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode delivery payload: %w", err)
	}
	env := d.signer.Resign(p.Body, p.Key)
	return d.post(ctx, p.URL, p.Body, env)
}

func (d *Deliverer) post(ctx context.Context, url string, body []byte, env webhook.Envelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	env.Apply(req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook receiver returned %d", resp.StatusCode)
	}
	return nil
}
