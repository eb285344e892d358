package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

// SaveCallMemory implements [store.MemoryStore].
func (s *Store) SaveCallMemory(ctx context.Context, mem *types.CallMemory) error {
	const q = `
		INSERT INTO call_memories (call_sid, summary, summary_turns, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (call_sid) DO UPDATE SET
		    summary       = EXCLUDED.summary,
		    summary_turns = EXCLUDED.summary_turns,
		    updated_at    = now()`

	_, err := s.pool.Exec(ctx, q, mem.CallSID, mem.Summary, mem.SummaryTurns)
	if err != nil {
		return fmt.Errorf("call memory: save: %w", err)
	}
	return nil
}

// CallMemory implements [store.MemoryStore].
func (s *Store) CallMemory(ctx context.Context, callSID string) (*types.CallMemory, error) {
	const q = `SELECT call_sid, summary, summary_turns FROM call_memories WHERE call_sid = $1`
	var mem types.CallMemory
	err := s.pool.QueryRow(ctx, q, callSID).Scan(&mem.CallSID, &mem.Summary, &mem.SummaryTurns)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("call memory: get: %w", err)
	}
	return &mem, nil
}

// AddMemoryFact implements [store.MemoryStore].
func (s *Store) AddMemoryFact(ctx context.Context, fact *types.MemoryFact, embedding []float32) error {
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now()
	}
	var vec any
	if embedding != nil {
		vec = pgvector.NewVector(embedding)
	}
	const q = `
		INSERT INTO memory_facts (call_sid, key, text, confidence, source, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := s.pool.QueryRow(ctx, q,
		fact.CallSID, fact.Key, fact.Text, fact.Confidence, fact.Source, vec, fact.CreatedAt,
	).Scan(&fact.ID)
	if err != nil {
		return fmt.Errorf("memory facts: add: %w", err)
	}
	return nil
}

func collectFacts(rows pgx.Rows) ([]types.MemoryFact, error) {
	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.MemoryFact, error) {
		var f types.MemoryFact
		err := row.Scan(&f.ID, &f.CallSID, &f.Key, &f.Text, &f.Confidence, &f.Source, &f.CreatedAt)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("memory facts: scan rows: %w", err)
	}
	if facts == nil {
		facts = []types.MemoryFact{}
	}
	return facts, nil
}

// TopMemoryFacts implements [store.MemoryStore].
func (s *Store) TopMemoryFacts(ctx context.Context, callSID string, limit int) ([]types.MemoryFact, error) {
	const q = `
		SELECT id, call_sid, key, text, confidence, source, created_at
		FROM   memory_facts
		WHERE  call_sid = $1
		ORDER  BY confidence DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, callSID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory facts: top: %w", err)
	}
	return collectFacts(rows)
}

// SearchMemoryFacts implements [store.MemoryStore]. Facts stored without an
// embedding are excluded.
func (s *Store) SearchMemoryFacts(ctx context.Context, callSID string, embedding []float32, topK int) ([]types.MemoryFact, error) {
	const q = `
		SELECT id, call_sid, key, text, confidence, source, created_at
		FROM   memory_facts
		WHERE  call_sid = $1
		  AND  embedding IS NOT NULL
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, callSID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("memory facts: search: %w", err)
	}
	return collectFacts(rows)
}
