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

// AppendTranscript implements [store.TranscriptStore].
func (s *Store) AppendTranscript(ctx context.Context, entry *types.TranscriptEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	const q = `
		INSERT INTO transcripts (call_sid, speaker, message, timestamp)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := s.pool.QueryRow(ctx, q, entry.CallSID, entry.Speaker, entry.Message, entry.Timestamp).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("transcripts: append: %w", err)
	}
	return nil
}

// Transcript implements [store.TranscriptStore]. Entries come back in
// insertion order, which is also chronological.
func (s *Store) Transcript(ctx context.Context, callSID string) ([]types.TranscriptEntry, error) {
	const q = `
		SELECT id, call_sid, speaker, message, timestamp
		FROM   transcripts
		WHERE  call_sid = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, callSID)
	if err != nil {
		return nil, fmt.Errorf("transcripts: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptEntry, error) {
		var e types.TranscriptEntry
		err := row.Scan(&e.ID, &e.CallSID, &e.Speaker, &e.Message, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcripts: scan rows: %w", err)
	}
	if entries == nil {
		entries = []types.TranscriptEntry{}
	}
	return entries, nil
}

// AppendCallState implements [store.StateStore].
func (s *Store) AppendCallState(ctx context.Context, entry *types.CallStateEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO call_states (call_sid, kind, data, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, entry.CallSID, entry.Kind, jsonOrEmpty(entry.Data), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("call states: append: %w", err)
	}
	return nil
}

// CallStates implements [store.StateStore].
func (s *Store) CallStates(ctx context.Context, callSID, kind string) ([]types.CallStateEntry, error) {
	args := []any{callSID}
	q := `
		SELECT call_sid, kind, data, created_at
		FROM   call_states
		WHERE  call_sid = $1`
	if kind != "" {
		args = append(args, kind)
		q += fmt.Sprintf("\n  AND  kind = $%d", len(args))
	}
	q += "\nORDER  BY id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("call states: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CallStateEntry, error) {
		var e types.CallStateEntry
		err := row.Scan(&e.CallSID, &e.Kind, &e.Data, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("call states: scan rows: %w", err)
	}
	if entries == nil {
		entries = []types.CallStateEntry{}
	}
	return entries, nil
}

// LatestCallState implements [store.StateStore].
func (s *Store) LatestCallState(ctx context.Context, callSID, kind string) (*types.CallStateEntry, error) {
	const q = `
		SELECT call_sid, kind, data, created_at
		FROM   call_states
		WHERE  call_sid = $1 AND kind = $2
		ORDER  BY id DESC
		LIMIT  1`

	var e types.CallStateEntry
	err := s.pool.QueryRow(ctx, q, callSID, kind).Scan(&e.CallSID, &e.Kind, &e.Data, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("call states: latest: %w", err)
	}
	return &e, nil
}

// jsonOrEmpty substitutes an empty JSON object for a nil raw message so that
// NOT NULL jsonb columns accept it.
func jsonOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
