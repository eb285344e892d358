package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 3},
	})
	fg.AddFallback("secondary", "secondary")

	var called string
	name, err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Errorf("called = %q, want primary", called)
	}
	if name != "primary" {
		t.Errorf("served by = %q, want primary", name)
	}
}

func TestFallbackGroup_FailsOverToSecondary(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 3},
	})
	fg.AddFallback("secondary", "secondary")

	var tried []string
	name, err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 2 || tried[0] != "primary" || tried[1] != "secondary" {
		t.Errorf("tried = %v, want [primary secondary]", tried)
	}
	if name != "secondary" {
		t.Errorf("served by = %q, want secondary", name)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 3},
	})
	fg.AddFallback("secondary", "secondary")

	_, err := fg.Execute(func(v string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 1,
			Window:           time.Hour,
			Cooldown:         time.Hour,
		},
	})
	fg.AddFallback("secondary", "secondary")

	// First call trips the primary's breaker.
	_, err := fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Second call must skip the primary entirely.
	var tried []string
	name, err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 1 || tried[0] != "secondary" {
		t.Errorf("tried = %v, want [secondary]", tried)
	}
	if name != "secondary" {
		t.Errorf("served by = %q, want secondary", name)
	}
}

func TestFallbackGroup_NonFallbackErrorPropagates(t *testing.T) {
	errBadRequest := errors.New("bad request")
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 1, Window: time.Hour, Cooldown: time.Hour},
		ShouldFallback: func(err error) bool { return !errors.Is(err, errBadRequest) },
	})
	fg.AddFallback("secondary", "secondary")

	var tried []string
	name, err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return errBadRequest
	})
	if !errors.Is(err, errBadRequest) {
		t.Fatalf("err = %v, want errBadRequest", err)
	}
	if len(tried) != 1 || tried[0] != "primary" {
		t.Errorf("tried = %v, want [primary] only", tried)
	}
	if name != "primary" {
		t.Errorf("served by = %q, want primary", name)
	}

	// A caller error must not count toward the breaker.
	if fg.entries[0].breaker.State() != StateClosed {
		t.Error("primary breaker should stay closed after a non-fallback error")
	}
}

func TestExecuteWithResult_ReturnsValueAndServingEntry(t *testing.T) {
	fg := NewFallbackGroup(10, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 3},
	})
	fg.AddFallback("secondary", 20)

	got, name, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 40 {
		t.Errorf("result = %d, want 40", got)
	}
	if name != "secondary" {
		t.Errorf("served by = %q, want secondary", name)
	}
}

func TestFallbackGroup_Snapshots(t *testing.T) {
	fg := NewFallbackGroup("primary", "twilio", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 1, Window: time.Hour, Cooldown: time.Hour},
	})
	fg.AddFallback("vonage", "secondary")

	_, _ = fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})

	snaps := fg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[0].Name != "twilio" || snaps[0].State != "open" {
		t.Errorf("primary snapshot = %+v, want open twilio", snaps[0])
	}
	if snaps[1].Name != "vonage" || snaps[1].State != "closed" {
		t.Errorf("fallback snapshot = %+v, want closed vonage", snaps[1])
	}
}
