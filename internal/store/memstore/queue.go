package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// Jobs
// ─────────────────────────────────────────────────────────────────────────────

// EnqueueJob implements [store.JobStore]. A zero NotBefore stays zero and
// sorts before any claim time, so undeferred work is due immediately no
// matter whose clock the claimer polls with.
func (s *Store) EnqueueJob(ctx context.Context, job *types.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = types.JobPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobSeq++
	job.ID = s.jobSeq
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// ClaimDueJobs implements [store.JobStore].
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*types.Job
	for _, j := range s.jobs {
		switch {
		case j.Status == types.JobPending && !j.NotBefore.After(now):
			due = append(due, j)
		case j.Status == types.JobClaimed && j.LeaseUntil != nil && !j.LeaseUntil.After(now):
			due = append(due, j)
		}
	}
	slices.SortFunc(due, func(a, b *types.Job) int {
		if a.NotBefore.Before(b.NotBefore) {
			return -1
		}
		if a.NotBefore.After(b.NotBefore) {
			return 1
		}
		return int(a.ID - b.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.Add(lease)
	claimed := make([]types.Job, 0, len(due))
	for _, j := range due {
		j.Status = types.JobClaimed
		t := leaseUntil
		j.LeaseUntil = &t
		claimed = append(claimed, *cloneJob(j))
	}
	return claimed, nil
}

// CompleteJob implements [store.JobStore].
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = types.JobDone
	j.LeaseUntil = nil
	return nil
}

// FailJob implements [store.JobStore].
func (s *Store) FailJob(ctx context.Context, id int64, errMsg string, retryAt time.Time) (types.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return "", store.ErrNotFound
	}
	j.Attempts++
	j.LastError = errMsg
	j.LeaseUntil = nil
	if j.Attempts >= j.MaxAttempts {
		j.Status = types.JobDLQ
	} else {
		j.Status = types.JobPending
		j.NotBefore = retryAt
	}
	return j.Status, nil
}

// Job implements [store.JobStore].
func (s *Store) Job(ctx context.Context, id int64) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

// CancelJobsForCall implements [store.JobStore].
func (s *Store) CancelJobsForCall(ctx context.Context, callSID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.CallSID != callSID {
			continue
		}
		if j.Status == types.JobPending || j.Status == types.JobClaimed {
			j.Status = types.JobCanceled
			j.LeaseUntil = nil
			n++
		}
	}
	return n, nil
}

// DLQDepth implements [store.JobStore].
func (s *Store) DLQDepth(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status == types.JobDLQ {
			n++
		}
	}
	return n, nil
}

// CountJobsByStatus implements [store.JobStore].
func (s *Store) CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.JobStatus]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Tool audits
// ─────────────────────────────────────────────────────────────────────────────

// InsertToolAudit implements [store.ToolAuditStore].
func (s *Store) InsertToolAudit(ctx context.Context, audit *types.ToolAudit) error {
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.audits[audit.IdempotencyKey]; exists {
		return store.ErrDuplicate
	}
	s.auditSeq++
	audit.ID = s.auditSeq
	s.audits[audit.IdempotencyKey] = cloneAudit(audit)
	s.auditOrder = append(s.auditOrder, audit.IdempotencyKey)
	return nil
}

// ToolAuditByKey implements [store.ToolAuditStore].
func (s *Store) ToolAuditByKey(ctx context.Context, idempotencyKey string) (*types.ToolAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	audit, ok := s.audits[idempotencyKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAudit(audit), nil
}

// ToolAudits implements [store.ToolAuditStore].
func (s *Store) ToolAudits(ctx context.Context, callSID string) ([]types.ToolAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.ToolAudit{}
	for _, key := range s.auditOrder {
		audit := s.audits[key]
		if audit.CallSID == callSID {
			out = append(out, *cloneAudit(audit))
		}
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Idempotency
// ─────────────────────────────────────────────────────────────────────────────

// ReserveIdempotency implements [store.IdempotencyStore].
func (s *Store) ReserveIdempotency(ctx context.Context, key string, ttl time.Duration) (*store.Reservation, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idem[key]
	if ok && rec.Status != types.IdemFailed && rec.ExpiresAt.After(now) {
		return &store.Reservation{Reserved: false, Existing: cloneIdem(rec)}, nil
	}
	s.idem[key] = &types.IdempotencyRecord{
		Key:       key,
		Status:    types.IdemInProgress,
		ExpiresAt: now.Add(ttl),
	}
	return &store.Reservation{Reserved: true}, nil
}

// CompleteIdempotency implements [store.IdempotencyStore].
func (s *Store) CompleteIdempotency(ctx context.Context, key string, status types.IdempotencyStatus, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idem[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	rec.Response = bytes.Clone(response)
	return nil
}

// IdempotencyRecord implements [store.IdempotencyStore].
func (s *Store) IdempotencyRecord(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneIdem(rec), nil
}

// PurgeExpiredIdempotency implements [store.IdempotencyStore].
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, rec := range s.idem {
		if !rec.ExpiresAt.After(now) {
			delete(s.idem, key)
			purged++
		}
	}
	return purged, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Clone helpers
// ─────────────────────────────────────────────────────────────────────────────

func cloneJob(j *types.Job) *types.Job {
	out := *j
	out.Payload = bytes.Clone(j.Payload)
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		out.LeaseUntil = &t
	}
	return &out
}

func cloneAudit(a *types.ToolAudit) *types.ToolAudit {
	out := *a
	out.Request = bytes.Clone(a.Request)
	out.Response = bytes.Clone(a.Response)
	out.Metadata = maps.Clone(a.Metadata)
	return &out
}

func cloneIdem(r *types.IdempotencyRecord) *types.IdempotencyRecord {
	out := *r
	out.Response = bytes.Clone(r.Response)
	return &out
}
