package notify

import (
	"testing"
	"time"
)

func TestCircuitBreaker_trips_after_threshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("breaker tripped below threshold: %v", err)
	}

	cb.RecordFailure()
	if err := cb.Allow(); err == nil {
		t.Fatal("breaker should be open after 3 consecutive failures")
	}
	if cb.State() != BreakerOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_success_resets_count(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if err := cb.Allow(); err != nil {
		t.Fatalf("breaker tripped despite interleaved success: %v", err)
	}
}

func TestCircuitBreaker_half_open_recovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("State() = %v, want half-open after timeout", cb.State())
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Errorf("State() = %v, want closed after recovery", cb.State())
	}
}

func TestCircuitBreaker_half_open_failure_reopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("half-open should allow a probe: %v", err)
	}

	cb.RecordFailure()
	if err := cb.Allow(); err == nil {
		t.Fatal("failure in half-open should reopen the breaker")
	}
}
