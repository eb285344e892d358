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

// RecordDigitEvent implements [store.DigitStore].
func (s *Store) RecordDigitEvent(ctx context.Context, event *types.DigitEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	meta := event.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	const q = `
		INSERT INTO digit_events (call_sid, source, profile, digits, len, accepted, reason, metadata, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := s.pool.QueryRow(ctx, q,
		event.CallSID, event.Source, event.Profile, event.Digits, event.Len,
		event.Accepted, event.Reason, meta, event.At,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("digit events: record: %w", err)
	}
	return nil
}

// DigitEvents implements [store.DigitStore].
func (s *Store) DigitEvents(ctx context.Context, callSID string) ([]types.DigitEvent, error) {
	const q = `
		SELECT id, call_sid, source, profile, digits, len, accepted, reason, metadata, at
		FROM   digit_events
		WHERE  call_sid = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, callSID)
	if err != nil {
		return nil, fmt.Errorf("digit events: list: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.DigitEvent, error) {
		var e types.DigitEvent
		err := row.Scan(&e.ID, &e.CallSID, &e.Source, &e.Profile, &e.Digits, &e.Len,
			&e.Accepted, &e.Reason, &e.Metadata, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("digit events: scan rows: %w", err)
	}
	if events == nil {
		events = []types.DigitEvent{}
	}
	return events, nil
}

// PutVaultEntry implements [store.DigitStore].
func (s *Store) PutVaultEntry(ctx context.Context, entry *store.VaultEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO digit_vault (token, call_sid, profile, ciphertext, masked, digit_len, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		entry.Token, entry.CallSID, entry.Profile, entry.Ciphertext,
		entry.Masked, entry.DigitLen, entry.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("digit vault: put: %w", err)
	}
	return nil
}

// VaultEntry implements [store.DigitStore].
func (s *Store) VaultEntry(ctx context.Context, token string) (*store.VaultEntry, error) {
	const q = `
		SELECT token, call_sid, profile, ciphertext, masked, digit_len, created_at
		FROM   digit_vault
		WHERE  token = $1`

	var e store.VaultEntry
	err := s.pool.QueryRow(ctx, q, token).Scan(
		&e.Token, &e.CallSID, &e.Profile, &e.Ciphertext, &e.Masked, &e.DigitLen, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("digit vault: get: %w", err)
	}
	return &e, nil
}
