package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// ShouldFallback classifies errors. When it returns false the error is
	// treated as a caller mistake: it propagates immediately without counting
	// against the entry's breaker and without trying further entries. When
	// nil, every error falls through to the next entry.
	ShouldFallback func(error) bool
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider type. When the primary fails (or its circuit breaker is
// open), the next healthy fallback is tried in registration order.
//
// Entries must be registered before the group is shared between goroutines;
// after that, FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	cbCfg := cfg.CircuitBreaker
	cbCfg.Name = primaryName
	return &FallbackGroup[T]{
		entries: []fallbackEntry[T]{
			{
				name:    primaryName,
				value:   primary,
				breaker: NewCircuitBreaker(cbCfg),
			},
		},
		cfg: cfg,
	}
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order
// they are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute tries fn against each entry in order until one succeeds, returning
// the name of the entry that served the call. Circuit-breaker-open entries
// are skipped. Returns [ErrAllFailed] wrapped with the last error if every
// entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) (string, error) {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		if !entry.breaker.Allow() {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
			lastErr = ErrCircuitOpen
			continue
		}

		err := fn(entry.value)
		if err == nil {
			entry.breaker.RecordSuccess()
			return entry.name, nil
		}
		if fg.cfg.ShouldFallback != nil && !fg.cfg.ShouldFallback(err) {
			return entry.name, err
		}
		entry.breaker.RecordFailure()
		lastErr = err
		slog.Warn("provider failed, trying next",
			"provider", entry.name, "error", err)
	}
	return "", fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// Snapshots returns the health counters of every entry's breaker, in
// registration order.
func (fg *FallbackGroup[T]) Snapshots() []HealthSnapshot {
	out := make([]HealthSnapshot, 0, len(fg.entries))
	for i := range fg.entries {
		out = append(out, fg.entries[i].breaker.Snapshot())
	}
	return out
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds, returning the result value and the name of the serving entry.
// This is a package-level function because Go does not support method-level
// type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, string, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		if !entry.breaker.Allow() {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
			lastErr = ErrCircuitOpen
			continue
		}

		result, err := fn(entry.value)
		if err == nil {
			entry.breaker.RecordSuccess()
			return result, entry.name, nil
		}
		if fg.cfg.ShouldFallback != nil && !fg.cfg.ShouldFallback(err) {
			return zero, entry.name, err
		}
		entry.breaker.RecordFailure()
		lastErr = err
		slog.Warn("provider failed, trying next",
			"provider", entry.name, "error", err)
	}
	return zero, "", fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
