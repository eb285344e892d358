// Package resilience provides circuit breaker and provider failover primitives.
//
// The central type is [CircuitBreaker], a sliding-window breaker that opens
// once a configured number of failures land inside a rolling time window and
// stays open for a cooldown period. [FallbackGroup] composes multiple
// instances of any provider type with per-entry circuit breakers so that a
// failing primary is automatically bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCircuitOpen] until the cooldown elapses.
	StateOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// FailureThreshold is the number of failures inside Window that trips
	// the breaker. It opens exactly on the failure that brings the windowed
	// count to this value. Default: 3.
	FailureThreshold int

	// Window is the rolling period failures are counted over. Default: 60s.
	Window time.Duration

	// Cooldown is how long the breaker stays open once tripped. Default: 30s.
	Cooldown time.Duration
}

// CircuitBreaker counts failures over a sliding window and rejects calls for
// a cooldown period once the threshold is reached. A success closes the
// breaker and clears the failure history.
type CircuitBreaker struct {
	name      string
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time
	lastError time.Time
	lastOK    time.Time
}

// HealthSnapshot reports a breaker's counters for status endpoints.
type HealthSnapshot struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	WindowedFailures int       `json:"windowed_failures"`
	OpenUntil        time.Time `json:"open_until,omitzero"`
	LastErrorAt      time.Time `json:"last_error_at,omitzero"`
	LastSuccessAt    time.Time `json:"last_success_at,omitzero"`
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		window:    cfg.Window,
		cooldown:  cfg.Cooldown,
	}
}

// Allow reports whether a call may proceed. While the breaker is open it
// returns false until the cooldown elapses.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !time.Now().Before(cb.openUntil)
}

// RecordFailure adds a failure to the sliding window. It reports whether
// this failure tripped the breaker open.
func (cb *CircuitBreaker) RecordFailure() bool {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastError = now
	cb.prune(now)
	cb.failures = append(cb.failures, now)
	if len(cb.failures) < cb.threshold {
		return false
	}

	// The window is kept intact so health snapshots taken after the trip
	// still report the failures that caused it; RecordSuccess clears it.
	wasOpen := now.Before(cb.openUntil)
	cb.openUntil = now.Add(cb.cooldown)
	if wasOpen {
		return false
	}
	slog.Warn("circuit breaker opened",
		"name", cb.name,
		"failures", len(cb.failures),
		"window", cb.window,
		"cooldown", cb.cooldown)
	return true
}

// RecordSuccess clears the failure history and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastOK = now
	cb.failures = cb.failures[:0]
	if now.Before(cb.openUntil) {
		cb.openUntil = time.Time{}
		slog.Info("circuit breaker closed after success", "name", cb.name)
	}
}

// Execute runs fn if the breaker allows it, recording the outcome. In the
// open state it returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// State returns the current [State] of the breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if time.Now().Before(cb.openUntil) {
		return StateOpen
	}
	return StateClosed
}

// Remaining returns how long the breaker stays open, or zero when closed.
func (cb *CircuitBreaker) Remaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if d := time.Until(cb.openUntil); d > 0 {
		return d
	}
	return 0
}

// Snapshot returns the breaker's current health counters.
func (cb *CircuitBreaker) Snapshot() HealthSnapshot {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.prune(now)
	s := HealthSnapshot{
		Name:             cb.name,
		State:            StateClosed.String(),
		WindowedFailures: len(cb.failures),
		LastErrorAt:      cb.lastError,
		LastSuccessAt:    cb.lastOK,
	}
	if now.Before(cb.openUntil) {
		s.State = StateOpen.String()
		s.OpenUntil = cb.openUntil
	}
	return s
}

// Reset manually forces the breaker closed, clearing all failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = cb.failures[:0]
	cb.openUntil = time.Time{}
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

// prune drops failures older than the window. Must be called with cb.mu held.
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}
