// Package playback plays synthesised reply audio strictly in arrival order
// and supports instant interruption when the user barges in.
//
// A [Queue] owns a single dispatch goroutine that hands fragments to a
// [Player] one at a time. [Queue.Flush] advances a fence generation: every
// fragment enqueued before the flush is discarded, including the one that is
// currently playing, while fragments enqueued afterwards play normally.
package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrClosed is returned by [Queue.Enqueue] after [Queue.Close].
var ErrClosed = errors.New("playback: queue closed")

// Player renders one PCM16 fragment. Play blocks until the fragment has been
// handed to the device or ctx is cancelled, in which case it should return
// promptly with ctx.Err().
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// PlayerFunc adapts a function to [Player].
type PlayerFunc func(ctx context.Context, pcm []byte) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context, pcm []byte) error { return f(ctx, pcm) }

// Option configures a [Queue].
type Option func(*Queue)

// WithLogger sets the logger used for player failures.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithOnIdle registers fn to be called from the dispatch goroutine whenever
// the queue runs dry after playing at least one fragment.
func WithOnIdle(fn func()) Option {
	return func(q *Queue) { q.onIdle = fn }
}

type fragment struct {
	gen uint64
	pcm []byte
}

// Queue is a FIFO of reply fragments played through a [Player]. All methods
// are safe for concurrent use.
type Queue struct {
	player Player
	log    *slog.Logger
	onIdle func()

	mu       sync.Mutex
	pending  []fragment
	gen      uint64
	cancelIn context.CancelFunc // cancels the in-flight Play, nil when idle
	closed   bool

	notify chan struct{}
	ctx    context.Context
	stop   context.CancelFunc
	done   chan struct{}
}

// New starts a queue that plays through p. Call [Queue.Close] to stop it.
func New(p Player, opts ...Option) *Queue {
	ctx, stop := context.WithCancel(context.Background())
	q := &Queue{
		player: p,
		log:    slog.Default(),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		stop:   stop,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Enqueue appends pcm behind everything already queued. Empty fragments are
// ignored.
func (q *Queue) Enqueue(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, fragment{gen: q.gen, pcm: pcm})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Flush discards every queued fragment and interrupts the one playing.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gen++
	q.pending = nil
	if q.cancelIn != nil {
		q.cancelIn()
		q.cancelIn = nil
	}
}

// Len reports the number of fragments waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops playback, waits for the dispatch goroutine and closes the
// player when it implements [io.Closer]. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.stop()
	<-q.done

	if c, ok := q.player.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (q *Queue) dispatch() {
	defer close(q.done)

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}

		played := false
		for {
			frag, ctx, ok := q.next()
			if !ok {
				break
			}
			err := q.player.Play(ctx, frag.pcm)
			q.finish(frag.gen)
			played = true
			if err != nil && ctx.Err() == nil {
				q.log.Warn("playback: player failed", "err", err, "bytes", len(frag.pcm))
			}
			if q.ctx.Err() != nil {
				return
			}
		}
		if played && q.onIdle != nil {
			q.onIdle()
		}
	}
}

// next pops the oldest fragment of the current generation and registers a
// cancel for it.
func (q *Queue) next() (fragment, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) > 0 {
		frag := q.pending[0]
		q.pending[0] = fragment{}
		q.pending = q.pending[1:]
		if frag.gen != q.gen {
			continue
		}
		ctx, cancel := context.WithCancel(q.ctx)
		q.cancelIn = cancel
		return frag, ctx, true
	}
	return fragment{}, nil, false
}

func (q *Queue) finish(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen == gen && q.cancelIn != nil {
		q.cancelIn()
		q.cancelIn = nil
	}
}
