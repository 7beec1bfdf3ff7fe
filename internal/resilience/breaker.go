// Package resilience provides the circuit breaker that can be put in front
// of an analyzer engine.
//
// [Breaker] is a classic three-state breaker (closed → open → half-open).
// Because the worker decides admission and learns the outcome in different
// goroutines, the breaker exposes a split API instead of a callback wrapper:
// Allow asks whether a call may proceed, RecordSuccess and RecordFailure
// feed the result back. Every admitted call must report exactly one outcome.
//
// All methods are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are admitted.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are admitted; if they succeed the breaker
	// closes, a single failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting
	// probe calls again. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probe calls required to close
	// the breaker again, and the cap on concurrent probes. Default: 3.
	HalfOpenMax int
}

// Breaker implements the three-state circuit breaker pattern with explicit
// admission and outcome reporting.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probesStarted   int
	probeSuccesses  int
}

// NewBreaker creates a [Breaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// false until the reset timeout has elapsed, then transitions to half-open
// and admits up to HalfOpenMax probe calls. Every true return must be
// matched by one [Breaker.RecordSuccess] or [Breaker.RecordFailure].
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.probesStarted = 0
		b.probeSuccesses = 0
		slog.Info("circuit breaker transitioning to half-open", "name", b.name)
		fallthrough

	case StateHalfOpen:
		if b.probesStarted >= b.halfOpenMax {
			return false
		}
		b.probesStarted++
		return true
	}
	return false
}

// RecordSuccess reports a successful call. Enough successful probes in the
// half-open state close the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFail = 0

	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.halfOpenMax {
			b.state = StateClosed
			b.consecutiveFail = 0
			b.probesStarted = 0
			b.probeSuccesses = 0
			slog.Info("circuit breaker closed after successful probes", "name", b.name)
		}
	}
}

// RecordFailure reports a failed call. Consecutive failures in the closed
// state trip the breaker; any failure in the half-open state re-opens it
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.maxFailures {
			b.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", b.name,
				"consecutive_failures", b.consecutiveFail)
		}

	case StateHalfOpen:
		b.state = StateOpen
		b.consecutiveFail = b.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", b.name)
	}
}

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next [Breaker.Allow] call).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFail = 0
	b.probesStarted = 0
	b.probeSuccesses = 0
	slog.Info("circuit breaker manually reset", "name", b.name)
}
