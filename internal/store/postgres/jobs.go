package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

const jobColumns = `id, kind, call_sid, payload, not_before, attempts, max_attempts, status, lease_until, last_error, created_at`

func scanJob(row rowScanner) (*types.Job, error) {
	var j types.Job
	err := row.Scan(&j.ID, &j.Kind, &j.CallSID, &j.Payload, &j.NotBefore, &j.Attempts,
		&j.MaxAttempts, &j.Status, &j.LeaseUntil, &j.LastError, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueJob implements [store.JobStore]. A zero NotBefore is kept as is:
// it predates any claim cursor, so undeferred work is due immediately.
func (s *Store) EnqueueJob(ctx context.Context, job *types.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = types.JobPending
	}
	const q = `
		INSERT INTO jobs (kind, call_sid, payload, not_before, attempts, max_attempts, status, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := s.pool.QueryRow(ctx, q,
		job.Kind, job.CallSID, jsonOrEmpty(job.Payload), job.NotBefore, job.Attempts,
		job.MaxAttempts, job.Status, job.LastError, job.CreatedAt,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("jobs: enqueue: %w", err)
	}
	return nil
}

// ClaimDueJobs implements [store.JobStore]. SKIP LOCKED lets multiple worker
// processes poll the same table without claiming the same job twice.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]types.Job, error) {
	q := `
		UPDATE jobs
		SET    status = 'claimed', lease_until = $2
		WHERE  id IN (
		    SELECT id
		    FROM   jobs
		    WHERE  (status = 'pending' AND not_before <= $1)
		       OR  (status = 'claimed' AND lease_until <= $1)
		    ORDER  BY not_before
		    LIMIT  $3
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, q, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("jobs: claim due: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Job, error) {
		j, err := scanJob(row)
		if err != nil {
			return types.Job{}, err
		}
		return *j, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: scan claimed: %w", err)
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	return jobs, nil
}

// CompleteJob implements [store.JobStore].
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	const q = `UPDATE jobs SET status = 'done', lease_until = NULL WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("jobs: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// FailJob implements [store.JobStore]. The attempt counter and the
// pending-or-dlq decision move in one statement so concurrent workers cannot
// double-count an attempt.
func (s *Store) FailJob(ctx context.Context, id int64, errMsg string, retryAt time.Time) (types.JobStatus, error) {
	const q = `
		UPDATE jobs
		SET    attempts    = attempts + 1,
		       last_error  = $2,
		       lease_until = NULL,
		       status      = CASE WHEN attempts + 1 >= max_attempts THEN 'dlq' ELSE 'pending' END,
		       not_before  = CASE WHEN attempts + 1 >= max_attempts THEN not_before ELSE $3 END
		WHERE  id = $1
		RETURNING status`

	var status types.JobStatus
	err := s.pool.QueryRow(ctx, q, id, errMsg, retryAt).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("jobs: fail: %w", err)
	}
	return status, nil
}

// Job implements [store.JobStore].
func (s *Store) Job(ctx context.Context, id int64) (*types.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	return job, nil
}

// CancelJobsForCall implements [store.JobStore].
func (s *Store) CancelJobsForCall(ctx context.Context, callSID string) (int, error) {
	const q = `
		UPDATE jobs
		SET    status = 'canceled', lease_until = NULL
		WHERE  call_sid = $1 AND status IN ('pending', 'claimed')`

	tag, err := s.pool.Exec(ctx, q, callSID)
	if err != nil {
		return 0, fmt.Errorf("jobs: cancel for call: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DLQDepth implements [store.JobStore].
func (s *Store) DLQDepth(ctx context.Context) (int, error) {
	const q = `SELECT count(*) FROM jobs WHERE status = 'dlq'`
	var n int
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("jobs: dlq depth: %w", err)
	}
	return n, nil
}

// CountJobsByStatus implements [store.JobStore].
func (s *Store) CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	const q = `SELECT status, count(*) FROM jobs GROUP BY status`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("jobs: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var (
			status types.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("jobs: scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: count rows: %w", err)
	}
	return counts, nil
}
