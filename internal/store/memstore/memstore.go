// Package memstore provides a thread-safe, in-process implementation of
// [store.Store].
//
// It backs deployments that run without a DATABASE_URL (everything is lost
// on restart) and serves as the store used by package tests. Semantics match
// the PostgreSQL backend: monotonic call status transitions, leased job
// claims, unique idempotency keys, and confidence- or distance-ordered fact
// recall.
package memstore

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the in-memory [store.Store]. Create one with [New]; all methods
// are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	calls       map[string]*types.Call
	transcripts map[string][]types.TranscriptEntry
	states      map[string][]types.CallStateEntry
	digitEvents map[string][]types.DigitEvent
	vault       map[string]*store.VaultEntry
	jobs        map[int64]*types.Job
	audits      map[string]*types.ToolAudit // keyed by idempotency key
	auditOrder  []string                    // insertion order of audit keys
	idem        map[string]*types.IdempotencyRecord
	memories    map[string]*types.CallMemory
	facts       []factRow
	health      []types.HealthLog

	transcriptSeq int64
	digitSeq      int64
	jobSeq        int64
	auditSeq      int64
	factSeq       int64
	healthSeq     int64
}

type factRow struct {
	fact      types.MemoryFact
	embedding []float32
}

// New returns an initialised [Store].
func New() *Store {
	return &Store{
		calls:       make(map[string]*types.Call),
		transcripts: make(map[string][]types.TranscriptEntry),
		states:      make(map[string][]types.CallStateEntry),
		digitEvents: make(map[string][]types.DigitEvent),
		vault:       make(map[string]*store.VaultEntry),
		jobs:        make(map[int64]*types.Job),
		audits:      make(map[string]*types.ToolAudit),
		idem:        make(map[string]*types.IdempotencyRecord),
		memories:    make(map[string]*types.CallMemory),
	}
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() {}

// ─────────────────────────────────────────────────────────────────────────────
// Calls
// ─────────────────────────────────────────────────────────────────────────────

// CreateCall implements [store.CallStore].
func (s *Store) CreateCall(ctx context.Context, call *types.Call) error {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[call.CallSID]; exists {
		return store.ErrDuplicate
	}
	s.calls[call.CallSID] = cloneCall(call)
	return nil
}

// Call implements [store.CallStore].
func (s *Store) Call(ctx context.Context, callSID string) (*types.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	call, ok := s.calls[callSID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCall(call), nil
}

// UpdateCallStatus implements [store.CallStore].
func (s *Store) UpdateCallStatus(ctx context.Context, callSID string, status types.CallStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callSID]
	if !ok {
		return false, store.ErrNotFound
	}
	return store.ApplyStatus(call, status, at), nil
}

// UpdateCall implements [store.CallStore].
func (s *Store) UpdateCall(ctx context.Context, callSID string, upd store.CallUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callSID]
	if !ok {
		return store.ErrNotFound
	}
	if upd.CustomerName != nil {
		call.CustomerName = *upd.CustomerName
	}
	if upd.BusinessContext != nil {
		call.BusinessContext = *upd.BusinessContext
	}
	if upd.LastOTP != nil {
		call.LastOTP = *upd.LastOTP
	}
	if upd.LastOTPMasked != nil {
		call.LastOTPMasked = *upd.LastOTPMasked
	}
	if upd.DigitCount != nil {
		call.DigitCount = *upd.DigitCount
	}
	if upd.DigitSummary != nil {
		call.DigitSummary = *upd.DigitSummary
	}
	if upd.AIAnalysis != nil {
		call.AIAnalysis = *upd.AIAnalysis
	}
	return nil
}

// ListCalls implements [store.CallStore].
func (s *Store) ListCalls(ctx context.Context, limit int) ([]types.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectCalls(limit, func(*types.Call) bool { return true }), nil
}

// SearchCalls implements [store.CallStore].
func (s *Store) SearchCalls(ctx context.Context, q string, limit int) ([]types.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(q)
	return s.selectCalls(limit, func(c *types.Call) bool {
		for _, field := range []string{c.CallSID, c.PhoneNumber, c.CustomerName, c.Prompt, c.BusinessContext} {
			if strings.Contains(strings.ToLower(field), needle) {
				return true
			}
		}
		return false
	}), nil
}

// selectCalls returns up to limit matching calls, newest first. Callers must
// hold at least the read lock.
func (s *Store) selectCalls(limit int, match func(*types.Call) bool) []types.Call {
	matched := make([]types.Call, 0, len(s.calls))
	for _, c := range s.calls {
		if match(c) {
			matched = append(matched, *cloneCall(c))
		}
	}
	slices.SortFunc(matched, func(a, b types.Call) int {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.CreatedAt.After(b.CreatedAt) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.CallSID, b.CallSID)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// CountCallsByStatus implements [store.CallStore].
func (s *Store) CountCallsByStatus(ctx context.Context) (map[types.CallStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.CallStatus]int)
	for _, c := range s.calls {
		counts[c.Status]++
	}
	return counts, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Transcripts and call states
// ─────────────────────────────────────────────────────────────────────────────

// AppendTranscript implements [store.TranscriptStore].
func (s *Store) AppendTranscript(ctx context.Context, entry *types.TranscriptEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.transcriptSeq++
	entry.ID = s.transcriptSeq
	s.transcripts[entry.CallSID] = append(s.transcripts[entry.CallSID], *entry)
	return nil
}

// Transcript implements [store.TranscriptStore].
func (s *Store) Transcript(ctx context.Context, callSID string) ([]types.TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.transcripts[callSID]
	out := make([]types.TranscriptEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// AppendCallState implements [store.StateStore].
func (s *Store) AppendCallState(ctx context.Context, entry *types.CallStateEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	stored.Data = bytes.Clone(entry.Data)
	s.states[entry.CallSID] = append(s.states[entry.CallSID], stored)
	return nil
}

// CallStates implements [store.StateStore].
func (s *Store) CallStates(ctx context.Context, callSID, kind string) ([]types.CallStateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.CallStateEntry
	for _, e := range s.states[callSID] {
		if kind != "" && e.Kind != kind {
			continue
		}
		e.Data = bytes.Clone(e.Data)
		out = append(out, e)
	}
	if out == nil {
		out = []types.CallStateEntry{}
	}
	return out, nil
}

// LatestCallState implements [store.StateStore].
func (s *Store) LatestCallState(ctx context.Context, callSID, kind string) (*types.CallStateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.states[callSID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == kind {
			e := entries[i]
			e.Data = bytes.Clone(e.Data)
			return &e, nil
		}
	}
	return nil, store.ErrNotFound
}

// ─────────────────────────────────────────────────────────────────────────────
// Digits
// ─────────────────────────────────────────────────────────────────────────────

// RecordDigitEvent implements [store.DigitStore].
func (s *Store) RecordDigitEvent(ctx context.Context, event *types.DigitEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.digitSeq++
	event.ID = s.digitSeq
	stored := *event
	stored.Metadata = maps.Clone(event.Metadata)
	s.digitEvents[event.CallSID] = append(s.digitEvents[event.CallSID], stored)
	return nil
}

// DigitEvents implements [store.DigitStore].
func (s *Store) DigitEvents(ctx context.Context, callSID string) ([]types.DigitEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.digitEvents[callSID]
	out := make([]types.DigitEvent, len(events))
	for i, e := range events {
		e.Metadata = maps.Clone(e.Metadata)
		out[i] = e
	}
	return out, nil
}

// PutVaultEntry implements [store.DigitStore].
func (s *Store) PutVaultEntry(ctx context.Context, entry *store.VaultEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vault[entry.Token]; exists {
		return store.ErrDuplicate
	}
	stored := *entry
	stored.Ciphertext = bytes.Clone(entry.Ciphertext)
	s.vault[entry.Token] = &stored
	return nil
}

// VaultEntry implements [store.DigitStore].
func (s *Store) VaultEntry(ctx context.Context, token string) (*store.VaultEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.vault[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *entry
	out.Ciphertext = bytes.Clone(entry.Ciphertext)
	return &out, nil
}

// cloneCall deep-copies a call record so callers never alias store state.
func cloneCall(c *types.Call) *types.Call {
	out := *c
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}
