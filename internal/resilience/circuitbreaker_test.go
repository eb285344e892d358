package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.threshold != 3 {
		t.Errorf("threshold = %d, want 3", cb.threshold)
	}
	if cb.window != 60*time.Second {
		t.Errorf("window = %v, want 60s", cb.window)
	}
	if cb.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", cb.cooldown)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", FailureThreshold: 3})
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreaker_OpensExactlyAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		Window:           time.Hour,
		Cooldown:         time.Hour, // long cooldown so it stays open
	})

	if opened := cb.RecordFailure(); opened {
		t.Fatal("breaker opened after 1 failure, want 3")
	}
	if opened := cb.RecordFailure(); opened {
		t.Fatal("breaker opened after 2 failures, want 3")
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed before threshold", cb.State())
	}

	if opened := cb.RecordFailure(); !opened {
		t.Fatal("breaker did not open on the threshold failure")
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// Next call should be rejected without running fn.
	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessClearsWindow(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		Window:           time.Hour,
	})

	// 2 failures, then a success. The window should clear.
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return nil })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should clear window)", cb.State())
	}

	// Two more failures alone must not open it.
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-success")
	}
}

func TestCircuitBreaker_WindowExpiresOldFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Window:           10 * time.Millisecond,
		Cooldown:         time.Hour,
	})

	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	if opened := cb.RecordFailure(); opened {
		t.Fatal("stale failure outside the window must not count toward the threshold")
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CooldownElapses(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Window:           time.Hour,
		Cooldown:         10 * time.Millisecond,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after cooldown", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after cooldown: %v", err)
	}
}

func TestCircuitBreaker_SuccessClosesEarly(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Window:           time.Hour,
		Cooldown:         time.Hour,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	// A success recorded while open (e.g. a pinned-provider call that
	// bypassed the breaker) closes it immediately.
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after success", cb.State())
	}
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "twilio",
		FailureThreshold: 3,
		Window:           time.Hour,
		Cooldown:         time.Hour,
	})

	cb.RecordFailure()
	s := cb.Snapshot()
	if s.Name != "twilio" {
		t.Errorf("name = %q, want %q", s.Name, "twilio")
	}
	if s.State != "closed" {
		t.Errorf("state = %q, want closed", s.State)
	}
	if s.WindowedFailures != 1 {
		t.Errorf("windowed_failures = %d, want 1", s.WindowedFailures)
	}
	if s.LastErrorAt.IsZero() {
		t.Error("last_error_at should be set")
	}

	cb.RecordFailure()
	cb.RecordFailure()
	s = cb.Snapshot()
	if s.State != "open" {
		t.Errorf("state = %q, want open", s.State)
	}
	if s.OpenUntil.IsZero() {
		t.Error("open_until should be set while open")
	}
}

func TestCircuitBreaker_SnapshotKeepsFailuresAfterTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "twilio",
		FailureThreshold: 2,
		Window:           time.Hour,
		Cooldown:         time.Hour,
	})

	cb.RecordFailure()
	if opened := cb.RecordFailure(); !opened {
		t.Fatal("breaker did not open at the threshold")
	}

	s := cb.Snapshot()
	if s.WindowedFailures != 2 {
		t.Errorf("windowed_failures = %d, want the tripping count 2", s.WindowedFailures)
	}

	// A failure while already open extends the cooldown but must not
	// report a second open transition.
	if opened := cb.RecordFailure(); opened {
		t.Error("already-open breaker reported another transition")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Window:           time.Hour,
		Cooldown:         time.Hour,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestCircuitBreaker_Remaining(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		Window:           time.Hour,
		Cooldown:         time.Hour,
	})

	if cb.Remaining() != 0 {
		t.Errorf("remaining = %v, want 0 while closed", cb.Remaining())
	}

	cb.RecordFailure()
	if cb.Remaining() <= 0 {
		t.Error("remaining should be positive while open")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
