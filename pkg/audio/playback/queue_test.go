package playback_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/intervox/pkg/audio/playback"
)

// recorder plays instantly and keeps a copy of every fragment. When gate is
// non-nil each Play blocks until gate yields or ctx is cancelled.
type recorder struct {
	mu      sync.Mutex
	played  [][]byte
	aborted [][]byte
	started chan []byte
	gate    chan struct{}
	closed  atomic.Bool
}

func newRecorder(blocking bool) *recorder {
	r := &recorder{started: make(chan []byte, 16)}
	if blocking {
		r.gate = make(chan struct{})
	}
	return r
}

func (r *recorder) Play(ctx context.Context, pcm []byte) error {
	r.started <- pcm
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			r.mu.Lock()
			r.aborted = append(r.aborted, pcm)
			r.mu.Unlock()
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.played = append(r.played, pcm)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *recorder) snapshot() (played, aborted []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.played {
		played = append(played, string(p))
	}
	for _, p := range r.aborted {
		aborted = append(aborted, string(p))
	}
	return played, aborted
}

func waitStarted(t *testing.T, r *recorder, want string) {
	t.Helper()
	select {
	case got := <-r.started:
		if string(got) != want {
			t.Fatalf("started %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q to start", want)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_PlaysInOrder(t *testing.T) {
	t.Parallel()

	rec := newRecorder(false)
	q := playback.New(rec)
	defer q.Close()

	for _, s := range []string{"a", "b", "c", "d"} {
		if err := q.Enqueue([]byte(s)); err != nil {
			t.Fatalf("Enqueue(%q): %v", s, err)
		}
	}

	waitFor(t, func() bool {
		played, _ := rec.snapshot()
		return len(played) == 4
	})
	played, _ := rec.snapshot()
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if played[i] != want[i] {
			t.Fatalf("played = %v, want %v", played, want)
		}
	}
}

func TestQueue_NeverOverlaps(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	p := playback.PlayerFunc(func(ctx context.Context, pcm []byte) error {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	var idle atomic.Int32
	q := playback.New(p, playback.WithOnIdle(func() { idle.Add(1) }))
	defer q.Close()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Enqueue([]byte{byte(i)})
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return q.Len() == 0 && idle.Load() > 0 })
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrent Play calls = %d, want 1", got)
	}
}

func TestQueue_FlushInterruptsAndFences(t *testing.T) {
	t.Parallel()

	rec := newRecorder(true)
	q := playback.New(rec)
	defer q.Close()

	_ = q.Enqueue([]byte("old-1"))
	_ = q.Enqueue([]byte("old-2"))
	waitStarted(t, rec, "old-1")

	q.Flush()
	if n := q.Len(); n != 0 {
		t.Fatalf("Len after Flush = %d, want 0", n)
	}

	waitFor(t, func() bool {
		_, aborted := rec.snapshot()
		return len(aborted) == 1
	})

	_ = q.Enqueue([]byte("new"))
	waitStarted(t, rec, "new")
	rec.gate <- struct{}{}

	waitFor(t, func() bool {
		played, _ := rec.snapshot()
		return len(played) == 1
	})
	played, aborted := rec.snapshot()
	if played[0] != "new" {
		t.Fatalf("played = %v, want [new]", played)
	}
	if aborted[0] != "old-1" {
		t.Fatalf("aborted = %v, want [old-1]", aborted)
	}
}

func TestQueue_FlushWhenIdle(t *testing.T) {
	t.Parallel()

	rec := newRecorder(false)
	q := playback.New(rec)
	defer q.Close()

	q.Flush()
	q.Flush()
	_ = q.Enqueue([]byte("x"))
	waitStarted(t, rec, "x")
}

func TestQueue_IgnoresEmptyFragment(t *testing.T) {
	t.Parallel()

	rec := newRecorder(false)
	q := playback.New(rec)
	defer q.Close()

	if err := q.Enqueue(nil); err != nil {
		t.Fatalf("Enqueue(nil): %v", err)
	}
	if n := q.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestQueue_PlayerErrorDoesNotStall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := playback.PlayerFunc(func(ctx context.Context, pcm []byte) error {
		calls.Add(1)
		if string(pcm) == "bad" {
			return errors.New("device hiccup")
		}
		return nil
	})
	q := playback.New(p)
	defer q.Close()

	_ = q.Enqueue([]byte("bad"))
	_ = q.Enqueue([]byte("good"))
	waitFor(t, func() bool { return calls.Load() == 2 })
}

func TestQueue_Close(t *testing.T) {
	t.Parallel()

	rec := newRecorder(true)
	q := playback.New(rec)

	_ = q.Enqueue([]byte("playing"))
	waitStarted(t, rec, "playing")

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !rec.closed.Load() {
		t.Fatal("player was not closed")
	}
	if err := q.Enqueue([]byte("late")); !errors.Is(err, playback.ErrClosed) {
		t.Fatalf("Enqueue after Close = %v, want ErrClosed", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
