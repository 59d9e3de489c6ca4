// Package resilience guards calls to the relay's external dependencies: the
// Realtime dial and the answer analyzer.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) that
// stops hammering a dependency that keeps failing. [Failover] chains several
// implementations of the same dependency, each behind its own breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open and
	// the number of successes needed to close again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the
	// breaker's mutex released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker allows it. Errors caused by the caller's own
// context being cancelled are passed through without counting as failures,
// so a client hanging up mid-dial never trips the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release(probe)
		return err
	}
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var changed bool
	defer func() {
		cb.mu.Unlock()
		if changed {
			cb.notify(StateOpen, StateHalfOpen)
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.cfg.Name)
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOK = 0
		changed = true
		slog.Info("circuit breaker half-open", "name", cb.cfg.Name)
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.cfg.Name)
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// release returns an unused probe slot.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	cb.mu.Unlock()
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state

	switch {
	case err != nil && probe:
		cb.trip()
		slog.Warn("circuit breaker re-opened", "name", cb.cfg.Name, "err", err)
	case err != nil:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
			slog.Warn("circuit breaker opened",
				"name", cb.cfg.Name,
				"consecutive_failures", cb.failures,
				"err", err)
		}
	case probe:
		cb.probeOK++
		if cb.state == StateHalfOpen && cb.probeOK >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("circuit breaker closed", "name", cb.cfg.Name)
		}
	default:
		cb.failures = 0
	}

	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = cb.cfg.MaxFailures
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
