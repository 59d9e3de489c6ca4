package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Failover] failed or was
// rejected by its breaker.
var ErrAllFailed = errors.New("all backends failed")

type failoverEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Failover tries a primary backend and then each fallback in registration
// order. Every entry has its own [CircuitBreaker], so a backend that keeps
// failing is skipped until its breaker lets a probe through.
type Failover[T any] struct {
	entries []failoverEntry[T]
	cfg     CircuitBreakerConfig
}

// NewFailover creates a Failover with primary as its first entry. cfg is the
// template for every entry's breaker; its Name is replaced by the entry name.
func NewFailover[T any](name string, primary T, cfg CircuitBreakerConfig) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.Add(name, primary)
	return f
}

// Add registers a fallback. It must not be called concurrently with Do.
func (f *Failover[T]) Add(name string, backend T) {
	cfg := f.cfg
	cfg.Name = name
	f.entries = append(f.entries, failoverEntry[T]{
		name:    name,
		value:   backend,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Len returns the number of registered backends.
func (f *Failover[T]) Len() int { return len(f.entries) }

// Available returns the number of backends whose breaker is not open.
func (f *Failover[T]) Available() int {
	n := 0
	for i := range f.entries {
		if f.entries[i].breaker.State() != StateOpen {
			n++
		}
	}
	return n
}

// Do runs fn against each backend until one succeeds and returns its result.
// A cancelled ctx stops the chain immediately.
func Do[T, R any](ctx context.Context, f *Failover[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range f.entries {
		e := &f.entries[i]
		var out R
		err := e.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, e.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", e.name)
			continue
		}
		slog.Warn("backend failed, trying next", "backend", e.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
