package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

// claimLimit caps the number of jobs pulled per poll.
const claimLimit = 16

// storageFailurePause is how long the poller sleeps after consecutive
// claim failures before probing the store again.
const storageFailurePause = 5 * time.Second

// Runner drives the durable job queue: it polls the store for due jobs,
// claims them under lease, dispatches to the handler registered for each
// kind, and applies the retry and dead-letter policy.
//
// Run a single Runner per process. Claims are lease-based, so a crashed
// run's jobs become claimable again once their lease expires.
type Runner struct {
	st      store.JobStore
	health  store.HealthStore
	cfg     config.JobsConfig
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerMetrics records job outcomes on m.
func WithRunnerMetrics(m *observe.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// WithRunnerClock injects the time source. Tests only.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner builds a Runner over st. Health events (dead-letter alerts) are
// recorded on health; pass nil to disable them.
func NewRunner(st store.JobStore, health store.HealthStore, cfg config.JobsConfig, opts ...RunnerOption) *Runner {
	r := &Runner{
		st:       st,
		health:   health,
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs the handler for a job kind, replacing any previous one.
// Claimed jobs with no registered handler fail and follow the retry policy.
func (r *Runner) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Enqueue inserts a job due at job.NotBefore. A zero MaxAttempts is filled
// from the configured default.
func (r *Runner) Enqueue(ctx context.Context, job *types.Job) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = r.cfg.MaxAttempts
	}
	if err := r.st.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Kind, err)
	}
	r.log.Debug("job enqueued", "kind", job.Kind, "id", job.ID, "not_before", job.NotBefore)
	return nil
}

// Run polls until ctx is canceled. Storage errors pause the poll loop
// rather than spinning; job failures are absorbed by the retry policy.
func (r *Runner) Run(ctx context.Context) error {
	interval := time.Duration(r.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("job poll failed, pausing", "error", err, "pause", storageFailurePause)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(storageFailurePause):
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll claims and executes one batch of due jobs and returns how many ran.
// Expired leases from a previous run are reclaimed by the same query.
func (r *Runner) Poll(ctx context.Context) (int, error) {
	lease := time.Duration(r.cfg.LeaseMs) * time.Millisecond
	if lease <= 0 {
		lease = 30 * time.Second
	}

	claimed, err := r.st.ClaimDueJobs(ctx, r.now(), claimLimit, lease)
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}
	for _, job := range claimed {
		r.execute(ctx, job)
	}
	return len(claimed), nil
}

func (r *Runner) execute(ctx context.Context, job types.Job) {
	r.mu.RLock()
	h, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for kind %q", job.Kind)
	} else {
		err = h(ctx, job)
	}

	if err == nil {
		if cerr := r.st.CompleteJob(ctx, job.ID); cerr != nil {
			r.log.Error("complete job failed", "kind", job.Kind, "id", job.ID, "error", cerr)
			return
		}
		r.record(ctx, job.Kind, "done")
		return
	}

	retryAt := r.now().Add(ComputeBackoff(job.Attempts+1, r.retryBase(), r.retryMax()))
	status, ferr := r.st.FailJob(ctx, job.ID, err.Error(), retryAt)
	if ferr != nil {
		r.log.Error("fail job failed", "kind", job.Kind, "id", job.ID, "error", ferr)
		return
	}

	if status == types.JobDLQ {
		r.record(ctx, job.Kind, "dlq")
		r.log.Error("job dead-lettered", "kind", job.Kind, "id", job.ID,
			"attempts", job.Attempts+1, "error", err)
		r.alertDLQ(ctx)
		return
	}

	r.record(ctx, job.Kind, "retry")
	r.log.Warn("job failed, retrying", "kind", job.Kind, "id", job.ID,
		"attempt", job.Attempts+1, "retry_at", retryAt, "error", err)
}

// alertDLQ records a health alert once dead-letter depth crosses the
// configured threshold.
func (r *Runner) alertDLQ(ctx context.Context) {
	if r.health == nil || r.cfg.DLQAlertThreshold <= 0 {
		return
	}
	depth, err := r.st.DLQDepth(ctx)
	if err != nil {
		r.log.Error("dlq depth check failed", "error", err)
		return
	}
	if depth <= r.cfg.DLQAlertThreshold {
		return
	}
	log := &types.HealthLog{
		Service: "call_job_dlq",
		Status:  "alert",
		Count:   depth,
		Detail:  fmt.Sprintf("dead-letter depth %d exceeds threshold %d", depth, r.cfg.DLQAlertThreshold),
	}
	if err := r.health.RecordHealthLog(ctx, log); err != nil {
		r.log.Error("dlq alert write failed", "error", err)
	}
}

func (r *Runner) record(ctx context.Context, kind, status string) {
	if r.metrics != nil {
		r.metrics.RecordJobRun(ctx, kind, status)
	}
}

func (r *Runner) retryBase() time.Duration {
	if r.cfg.RetryBaseMs <= 0 {
		return time.Second
	}
	return time.Duration(r.cfg.RetryBaseMs) * time.Millisecond
}

func (r *Runner) retryMax() time.Duration {
	if r.cfg.RetryMaxMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.cfg.RetryMaxMs) * time.Millisecond
}
