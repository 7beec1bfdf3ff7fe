package resilience_test

import (
	"testing"
	"time"

	"github.com/MrWong99/phonoxa/internal/resilience"
)

func TestBreaker_ClosedState(t *testing.T) {
	t.Run("admits calls while closed", func(t *testing.T) {
		b := resilience.NewBreaker(resilience.BreakerConfig{Name: "test", MaxFailures: 3})
		if !b.Allow() {
			t.Fatal("expected closed breaker to admit calls")
		}
		if got := b.State(); got != resilience.StateClosed {
			t.Errorf("expected closed, got %v", got)
		}
	})

	t.Run("stays closed below the failure threshold", func(t *testing.T) {
		b := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 5})
		for i := 0; i < 4; i++ {
			b.RecordFailure()
		}
		if got := b.State(); got != resilience.StateClosed {
			t.Errorf("expected closed after 4 of 5 failures, got %v", got)
		}
	})

	t.Run("success resets the failure streak", func(t *testing.T) {
		b := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 3})
		b.RecordFailure()
		b.RecordFailure()
		b.RecordSuccess()
		b.RecordFailure()
		b.RecordFailure()
		if got := b.State(); got != resilience.StateClosed {
			t.Errorf("expected closed after interleaved success, got %v", got)
		}
	})
}

func TestBreaker_Trips(t *testing.T) {
	t.Run("opens after consecutive failures", func(t *testing.T) {
		b := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})
		for i := 0; i < 3; i++ {
			b.RecordFailure()
		}
		if got := b.State(); got != resilience.StateOpen {
			t.Fatalf("expected open, got %v", got)
		}
		if b.Allow() {
			t.Error("expected open breaker to reject calls")
		}
	})
}

func TestBreaker_HalfOpen(t *testing.T) {
	trip := func(t *testing.T) *resilience.Breaker {
		t.Helper()
		b := resilience.NewBreaker(resilience.BreakerConfig{
			MaxFailures:  1,
			ResetTimeout: 20 * time.Millisecond,
			HalfOpenMax:  2,
		})
		b.RecordFailure()
		if got := b.State(); got != resilience.StateOpen {
			t.Fatalf("expected open after trip, got %v", got)
		}
		time.Sleep(30 * time.Millisecond)
		return b
	}

	t.Run("admits limited probes after the reset timeout", func(t *testing.T) {
		b := trip(t)
		if got := b.State(); got != resilience.StateHalfOpen {
			t.Fatalf("expected half-open after reset timeout, got %v", got)
		}
		if !b.Allow() || !b.Allow() {
			t.Fatal("expected two probes to be admitted")
		}
		if b.Allow() {
			t.Error("expected third probe to be rejected")
		}
	})

	t.Run("closes after successful probes", func(t *testing.T) {
		b := trip(t)
		for i := 0; i < 2; i++ {
			if !b.Allow() {
				t.Fatalf("probe %d rejected", i)
			}
			b.RecordSuccess()
		}
		if got := b.State(); got != resilience.StateClosed {
			t.Errorf("expected closed after successful probes, got %v", got)
		}
		if !b.Allow() {
			t.Error("expected closed breaker to admit calls again")
		}
	})

	t.Run("re-opens on a probe failure", func(t *testing.T) {
		b := trip(t)
		if !b.Allow() {
			t.Fatal("probe rejected")
		}
		b.RecordFailure()
		if got := b.State(); got != resilience.StateOpen {
			t.Errorf("expected open after probe failure, got %v", got)
		}
		if b.Allow() {
			t.Error("expected re-opened breaker to reject calls")
		}
	})
}

func TestBreaker_Reset(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	b.RecordFailure()
	if got := b.State(); got != resilience.StateOpen {
		t.Fatalf("expected open, got %v", got)
	}

	b.Reset()

	if got := b.State(); got != resilience.StateClosed {
		t.Errorf("expected closed after reset, got %v", got)
	}
	if !b.Allow() {
		t.Error("expected reset breaker to admit calls")
	}
}
