package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/jobs"
	"github.com/routatel/trunkline/internal/store/memstore"
	"github.com/routatel/trunkline/internal/webhook"
	"github.com/routatel/trunkline/pkg/types"
)

func jobsConfig() config.JobsConfig {
	return config.JobsConfig{
		PollIntervalMs:    50,
		LeaseMs:           5000,
		MaxAttempts:       3,
		RetryBaseMs:       100,
		RetryMaxMs:        2000,
		DLQAlertThreshold: 20,
	}
}

// fakeClock is a mutable time source shared between the runner and the test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRunnerCompletesJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	clock := newFakeClock()
	r := jobs.NewRunner(st, st, jobsConfig(), jobs.WithRunnerClock(clock.Now))

	var got jobs.ScheduledSMSPayload
	r.Register(jobs.KindScheduledSMS, func(ctx context.Context, job types.Job) error {
		return json.Unmarshal(job.Payload, &got)
	})

	job, err := jobs.NewJob(jobs.KindScheduledSMS, jobs.ScheduledSMSPayload{To: "+15550001111", Body: "hi"}, 0)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.NotBefore = clock.Now()
	if err := r.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", job.MaxAttempts)
	}

	n, err := r.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("Poll ran %d jobs, want 1", n)
	}
	if got.To != "+15550001111" {
		t.Errorf("handler payload To = %q, want %q", got.To, "+15550001111")
	}

	stored, err := st.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if stored.Status != types.JobDone {
		t.Errorf("status = %q, want %q", stored.Status, types.JobDone)
	}
}

func TestRunnerRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	clock := newFakeClock()
	r := jobs.NewRunner(st, st, jobsConfig(), jobs.WithRunnerClock(clock.Now))

	runs := 0
	r.Register(jobs.KindOutboundCall, func(ctx context.Context, job types.Job) error {
		runs++
		return errors.New("provider unavailable")
	})

	job, err := jobs.NewJob(jobs.KindOutboundCall, jobs.OutboundCallPayload{CallSID: "CA1", To: "+15550002222"}, 3)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.NotBefore = clock.Now()
	if err := r.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First failure: back to pending with a future not_before.
	if _, err := r.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	stored, _ := st.Job(ctx, job.ID)
	if stored.Status != types.JobPending {
		t.Fatalf("status after first failure = %q, want %q", stored.Status, types.JobPending)
	}
	if !stored.NotBefore.After(clock.Now()) {
		t.Errorf("not_before = %v, want after %v", stored.NotBefore, clock.Now())
	}
	if stored.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", stored.Attempts)
	}

	// Not due yet: nothing runs.
	if n, _ := r.Poll(ctx); n != 0 {
		t.Fatalf("Poll before backoff elapsed ran %d jobs, want 0", n)
	}

	// Burn through the remaining attempts.
	for stored.Status == types.JobPending {
		clock.Advance(5 * time.Second)
		if _, err := r.Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		stored, _ = st.Job(ctx, job.ID)
	}

	if stored.Status != types.JobDLQ {
		t.Errorf("final status = %q, want %q", stored.Status, types.JobDLQ)
	}
	if runs != 3 {
		t.Errorf("handler ran %d times, want 3", runs)
	}
	if stored.LastError != "provider unavailable" {
		t.Errorf("last_error = %q, want %q", stored.LastError, "provider unavailable")
	}
}

func TestRunnerUnknownKindRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	clock := newFakeClock()
	r := jobs.NewRunner(st, st, jobsConfig(), jobs.WithRunnerClock(clock.Now))

	job, err := jobs.NewJob("mystery", struct{}{}, 3)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.NotBefore = clock.Now()
	if err := r.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := r.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	stored, _ := st.Job(ctx, job.ID)
	if stored.Status != types.JobPending {
		t.Errorf("status = %q, want %q", stored.Status, types.JobPending)
	}
	if stored.LastError == "" {
		t.Error("last_error is empty, want a missing-handler message")
	}
}

func TestRunnerDLQAlertThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	clock := newFakeClock()
	r := jobs.NewRunner(st, st, jobsConfig(), jobs.WithRunnerClock(clock.Now))

	r.Register(jobs.KindWebhookDelivery, func(ctx context.Context, job types.Job) error {
		return errors.New("receiver down")
	})

	// Single-attempt jobs dead-letter on first failure. The alert fires
	// only once depth exceeds the threshold of 20, i.e. on job 21.
	for i := 0; i < 21; i++ {
		job, err := jobs.NewJob(jobs.KindWebhookDelivery, jobs.DeliveryPayload{URL: "http://x"}, 1)
		if err != nil {
			t.Fatalf("NewJob: %v", err)
		}
		job.NotBefore = clock.Now()
		if err := r.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if _, err := r.Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}

		logs, err := st.HealthLogs(ctx, "call_job_dlq", time.Time{}, 10)
		if err != nil {
			t.Fatalf("HealthLogs: %v", err)
		}
		if i < 20 {
			if len(logs) != 0 {
				t.Fatalf("after %d dead letters got %d alerts, want 0", i+1, len(logs))
			}
			continue
		}
		if len(logs) != 1 {
			t.Fatalf("after 21 dead letters got %d alerts, want 1", len(logs))
		}
		if logs[0].Status != "alert" {
			t.Errorf("alert status = %q, want %q", logs[0].Status, "alert")
		}
		if logs[0].Count != 21 {
			t.Errorf("alert count = %d, want 21", logs[0].Count)
		}
	}
}

func TestRunnerReclaimsExpiredLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	clock := newFakeClock()
	cfg := jobsConfig()
	cfg.LeaseMs = 1000
	r := jobs.NewRunner(st, st, cfg, jobs.WithRunnerClock(clock.Now))

	job, err := jobs.NewJob(jobs.KindReconcileSMS, jobs.ReconcileSMSPayload{Provider: "twilio", ProviderMessageID: "SM1"}, 3)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.NotBefore = clock.Now()
	if err := st.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	// Simulate a crashed worker: claim directly, never complete.
	if _, err := st.ClaimDueJobs(ctx, clock.Now(), 10, time.Second); err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if n, _ := r.Poll(ctx); n != 0 {
		t.Fatalf("Poll with live lease ran %d jobs, want 0", n)
	}

	done := false
	r.Register(jobs.KindReconcileSMS, func(ctx context.Context, job types.Job) error {
		done = true
		return nil
	})
	clock.Advance(2 * time.Second)
	if n, _ := r.Poll(ctx); n != 1 {
		t.Fatalf("Poll after lease expiry ran %d jobs, want 1", n)
	}
	if !done {
		t.Error("handler did not run after lease expiry")
	}
}

func TestComputeBackoff(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond
	max := 2 * time.Second
	zero := func(n int64) int64 { return 0 }
	full := func(n int64) int64 { return n - 1 }

	tests := []struct {
		name    string
		attempt int
		intn    func(int64) int64
		want    time.Duration
	}{
		{"first attempt no jitter", 1, zero, 100 * time.Millisecond},
		{"second attempt doubles", 2, zero, 200 * time.Millisecond},
		{"fifth attempt", 5, zero, 1600 * time.Millisecond},
		{"capped at max", 8, zero, 2 * time.Second},
		{"jitter adds up to a quarter", 1, full, 100*time.Millisecond + 25*time.Millisecond - time.Nanosecond},
		{"zero attempt clamps to first", 0, zero, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := jobs.ComputeBackoffWithRand(tt.attempt, base, max, tt.intn)
			if got != tt.want {
				t.Errorf("ComputeBackoffWithRand(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDelivererSignsAndPosts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	r := jobs.NewRunner(st, st, jobsConfig())
	signer := webhook.NewSigner("delivery-secret")

	var (
		mu       sync.Mutex
		bodies   []string
		sigOK    []bool
		idemKeys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		ts := req.Header.Get(webhook.HeaderTimestamp)
		want := webhook.Digest([]byte("delivery-secret"), ts, body)

		mu.Lock()
		bodies = append(bodies, string(body))
		sigOK = append(sigOK, req.Header.Get(webhook.HeaderSignature) == want)
		idemKeys = append(idemKeys, req.Header.Get(webhook.HeaderIdempotencyKey))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := jobs.NewDeliverer(signer, r, 5)
	if err := d.Notify(ctx, srv.URL, "CA1", map[string]string{"event": "call.completed"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("receiver saw %d deliveries, want 1", len(bodies))
	}
	if !sigOK[0] {
		t.Error("signature did not verify against timestamp|body")
	}
	if idemKeys[0] == "" {
		t.Error("missing idempotency key header")
	}
	if want := `{"event":"call.completed"}`; bodies[0] != want {
		t.Errorf("body = %s, want %s", bodies[0], want)
	}
}

func TestDelivererRetryKeepsIdempotencyKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	clock := newFakeClock()
	r := jobs.NewRunner(st, st, jobsConfig(), jobs.WithRunnerClock(clock.Now))
	signer := webhook.NewSigner("delivery-secret")

	var (
		mu       sync.Mutex
		attempts int
		idemKeys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		attempts++
		idemKeys = append(idemKeys, req.Header.Get(webhook.HeaderIdempotencyKey))
		first := attempts == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := jobs.NewDeliverer(signer, r, 5)
	if err := d.Notify(ctx, srv.URL, "CA2", map[string]string{"event": "call.failed"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	// The failed first attempt becomes a webhook_delivery job.
	counts, err := st.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountJobsByStatus: %v", err)
	}
	if counts[types.JobPending] != 1 {
		t.Fatalf("pending jobs = %d, want 1", counts[types.JobPending])
	}

	if n, err := r.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll = (%d, %v), want (1, nil)", n, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("receiver saw %d attempts, want 2", attempts)
	}
	if idemKeys[0] != idemKeys[1] {
		t.Errorf("retry idempotency key %q differs from original %q", idemKeys[1], idemKeys[0])
	}

	counts, _ = st.CountJobsByStatus(ctx)
	if counts[types.JobDone] != 1 {
		t.Errorf("done jobs = %d, want 1", counts[types.JobDone])
	}
}

func TestDelivererRetryJobTaggedToCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	r := jobs.NewRunner(st, st, jobsConfig())
	signer := webhook.NewSigner("delivery-secret")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := jobs.NewDeliverer(signer, r, 5)
	if err := d.Notify(ctx, srv.URL, "CA3", map[string]string{"event": "call.no_answer"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	// Teardown cancels pending webhook retries for the call.
	n, err := st.CancelJobsForCall(ctx, "CA3")
	if err != nil {
		t.Fatalf("CancelJobsForCall: %v", err)
	}
	if n != 1 {
		t.Errorf("canceled %d jobs, want 1", n)
	}
}

func TestRunnerRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	r := jobs.NewRunner(st, st, jobsConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
