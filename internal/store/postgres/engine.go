package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

// InsertToolAudit implements [store.ToolAuditStore].
func (s *Store) InsertToolAudit(ctx context.Context, audit *types.ToolAudit) error {
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	meta := audit.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	const q = `
		INSERT INTO tool_audits
		    (call_sid, trace_id, tool_name, idempotency_key, input_hash,
		     request, response, status, duration_ms, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	err := s.pool.QueryRow(ctx, q,
		audit.CallSID, audit.TraceID, audit.ToolName, audit.IdempotencyKey, audit.InputHash,
		jsonOrEmpty(audit.Request), audit.Response, audit.Status, audit.DurationMs, meta, audit.CreatedAt,
	).Scan(&audit.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("tool audits: insert: %w", err)
	}
	return nil
}

const toolAuditColumns = `id, call_sid, trace_id, tool_name, idempotency_key, input_hash,
       request, response, status, duration_ms, metadata, created_at`

func scanToolAudit(row rowScanner) (*types.ToolAudit, error) {
	var a types.ToolAudit
	err := row.Scan(&a.ID, &a.CallSID, &a.TraceID, &a.ToolName, &a.IdempotencyKey, &a.InputHash,
		&a.Request, &a.Response, &a.Status, &a.DurationMs, &a.Metadata, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ToolAuditByKey implements [store.ToolAuditStore].
func (s *Store) ToolAuditByKey(ctx context.Context, idempotencyKey string) (*types.ToolAudit, error) {
	q := `SELECT ` + toolAuditColumns + ` FROM tool_audits WHERE idempotency_key = $1`
	audit, err := scanToolAudit(s.pool.QueryRow(ctx, q, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("tool audits: get by key: %w", err)
	}
	return audit, nil
}

// ToolAudits implements [store.ToolAuditStore].
func (s *Store) ToolAudits(ctx context.Context, callSID string) ([]types.ToolAudit, error) {
	q := `SELECT ` + toolAuditColumns + ` FROM tool_audits WHERE call_sid = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, q, callSID)
	if err != nil {
		return nil, fmt.Errorf("tool audits: list: %w", err)
	}
	audits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ToolAudit, error) {
		a, err := scanToolAudit(row)
		if err != nil {
			return types.ToolAudit{}, err
		}
		return *a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tool audits: scan rows: %w", err)
	}
	if audits == nil {
		audits = []types.ToolAudit{}
	}
	return audits, nil
}

// ReserveIdempotency implements [store.IdempotencyStore]. The conditional
// upsert returns a row only when this caller took the reservation: on a
// fresh key, an expired one, or one whose last outcome was failed. When no
// row comes back the existing record is fetched and returned instead.
func (s *Store) ReserveIdempotency(ctx context.Context, key string, ttl time.Duration) (*store.Reservation, error) {
	const q = `
		INSERT INTO idempotency (key, status, response, expires_at)
		VALUES ($1, 'in_progress', NULL, $2)
		ON CONFLICT (key) DO UPDATE
		    SET status = 'in_progress', response = NULL, expires_at = $2
		    WHERE idempotency.status = 'failed' OR idempotency.expires_at <= now()
		RETURNING key`

	// The fetch after a lost reserve can race a purge; one retry settles it.
	for attempt := 0; attempt < 2; attempt++ {
		var reserved string
		err := s.pool.QueryRow(ctx, q, key, time.Now().Add(ttl)).Scan(&reserved)
		if err == nil {
			return &store.Reservation{Reserved: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("idempotency: reserve: %w", err)
		}

		existing, err := s.IdempotencyRecord(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		return &store.Reservation{Reserved: false, Existing: existing}, nil
	}
	return nil, fmt.Errorf("idempotency: reserve %q: lost race twice", key)
}

// CompleteIdempotency implements [store.IdempotencyStore].
func (s *Store) CompleteIdempotency(ctx context.Context, key string, status types.IdempotencyStatus, response json.RawMessage) error {
	const q = `UPDATE idempotency SET status = $2, response = $3 WHERE key = $1`
	tag, err := s.pool.Exec(ctx, q, key, status, response)
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// IdempotencyRecord implements [store.IdempotencyStore].
func (s *Store) IdempotencyRecord(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	const q = `SELECT key, status, response, expires_at FROM idempotency WHERE key = $1`
	var rec types.IdempotencyRecord
	err := s.pool.QueryRow(ctx, q, key).Scan(&rec.Key, &rec.Status, &rec.Response, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	return &rec, nil
}

// PurgeExpiredIdempotency implements [store.IdempotencyStore].
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int, error) {
	const q = `DELETE FROM idempotency WHERE expires_at <= $1`
	tag, err := s.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
