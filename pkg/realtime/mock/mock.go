// Package mock provides a test double for a Realtime connection.
//
// Conn records every ClientEvent written to it and replays ServerEvents that
// the test pushes. Closing the connection (from either side) makes ReadEvent
// return [ErrClosed], which callers observe as a transport loss.
//
// Example:
//
//	up := mock.NewConn()
//	up.Push(&realtime.ServerEvent{Type: realtime.EventSessionUpdated})
//	// ... run the code under test ...
//	if got := up.SentTypes(); ...
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/intervox/pkg/realtime"
)

// ErrClosed is returned by ReadEvent and WriteEvent after Close.
var ErrClosed = errors.New("mock: connection closed")

// Conn is a mock Realtime connection.
type Conn struct {
	mu sync.Mutex

	events    chan *realtime.ServerEvent
	closed    chan struct{}
	closeOnce sync.Once

	// WriteErr, if non-nil, is returned by every WriteEvent call.
	WriteErr error

	// written records every event passed to WriteEvent in order.
	written []realtime.ClientEvent

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewConn returns a Conn with a buffered inbound queue.
func NewConn() *Conn {
	return &Conn{
		events: make(chan *realtime.ServerEvent, 64),
		closed: make(chan struct{}),
	}
}

// Push queues ev for the next ReadEvent. It must not be called after Close.
func (c *Conn) Push(ev *realtime.ServerEvent) {
	c.events <- ev
}

// WriteEvent records ev and returns WriteErr.
func (c *Conn) WriteEvent(_ context.Context, ev realtime.ClientEvent) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, ev)
	return c.WriteErr
}

// ReadEvent returns the next pushed event, ErrClosed after Close, or the
// context error.
func (c *Conn) ReadEvent(ctx context.Context) (*realtime.ServerEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unblocks ReadEvent. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CloseCallCount++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Sent returns a copy of every event written so far.
func (c *Conn) Sent() []realtime.ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.ClientEvent, len(c.written))
	copy(out, c.written)
	return out
}

// SentTypes returns the type of every event written so far.
func (c *Conn) SentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, ev := range c.written {
		out[i] = ev.EventType()
	}
	return out
}

// Reset clears all recorded writes. Thread-safe.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = nil
}
