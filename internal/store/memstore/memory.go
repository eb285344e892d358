package memstore

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// Call memory
// ─────────────────────────────────────────────────────────────────────────────

// SaveCallMemory implements [store.MemoryStore].
func (s *Store) SaveCallMemory(ctx context.Context, mem *types.CallMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memories[mem.CallSID] = &types.CallMemory{
		CallSID:      mem.CallSID,
		Summary:      mem.Summary,
		SummaryTurns: mem.SummaryTurns,
	}
	return nil
}

// CallMemory implements [store.MemoryStore].
func (s *Store) CallMemory(ctx context.Context, callSID string) (*types.CallMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mem, ok := s.memories[callSID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *mem
	return &out, nil
}

// AddMemoryFact implements [store.MemoryStore].
func (s *Store) AddMemoryFact(ctx context.Context, fact *types.MemoryFact, embedding []float32) error {
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.factSeq++
	fact.ID = s.factSeq
	s.facts = append(s.facts, factRow{
		fact:      *fact,
		embedding: slices.Clone(embedding),
	})
	return nil
}

// TopMemoryFacts implements [store.MemoryStore].
func (s *Store) TopMemoryFacts(ctx context.Context, callSID string, limit int) ([]types.MemoryFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.MemoryFact{}
	for _, row := range s.facts {
		if row.fact.CallSID == callSID {
			out = append(out, row.fact)
		}
	}
	slices.SortFunc(out, func(a, b types.MemoryFact) int {
		if a.Confidence != b.Confidence {
			if a.Confidence > b.Confidence {
				return -1
			}
			return 1
		}
		return int(b.ID - a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchMemoryFacts implements [store.MemoryStore]. Facts stored without an
// embedding, or with one of a different dimension, are excluded.
func (s *Store) SearchMemoryFacts(ctx context.Context, callSID string, embedding []float32, topK int) ([]types.MemoryFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		fact     types.MemoryFact
		distance float64
	}
	var matches []scored
	for _, row := range s.facts {
		if row.fact.CallSID != callSID || len(row.embedding) == 0 || len(row.embedding) != len(embedding) {
			continue
		}
		matches = append(matches, scored{fact: row.fact, distance: cosineDistance(embedding, row.embedding)})
	}
	slices.SortFunc(matches, func(a, b scored) int {
		if a.distance < b.distance {
			return -1
		}
		if a.distance > b.distance {
			return 1
		}
		return int(a.fact.ID - b.fact.ID)
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}

	out := make([]types.MemoryFact, len(matches))
	for i, m := range matches {
		out[i] = m.fact
	}
	return out, nil
}

// cosineDistance is 1 minus the cosine similarity of a and b, matching the
// pgvector <=> operator.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// ─────────────────────────────────────────────────────────────────────────────
// Health logs
// ─────────────────────────────────────────────────────────────────────────────

// RecordHealthLog implements [store.HealthStore].
func (s *Store) RecordHealthLog(ctx context.Context, log *types.HealthLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.healthSeq++
	log.ID = s.healthSeq
	s.health = append(s.health, *log)
	return nil
}

// HealthLogs implements [store.HealthStore].
func (s *Store) HealthLogs(ctx context.Context, service string, since time.Time, limit int) ([]types.HealthLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.HealthLog{}
	for i := len(s.health) - 1; i >= 0; i-- {
		l := s.health[i]
		if service != "" && l.Service != service {
			continue
		}
		if !since.IsZero() && l.CreatedAt.Before(since) {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
