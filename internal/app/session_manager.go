package app

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrAtCapacity is returned by [SessionManager.Start] when the configured
// session limit is reached.
var ErrAtCapacity = errors.New("app: session limit reached")

// ErrDraining is returned by [SessionManager.Start] once shutdown began.
var ErrDraining = errors.New("app: server is draining")

// SessionInfo holds metadata about an active relay session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// RemoteAddr is the client's network address.
	RemoteAddr string `json:"remote_addr"`

	// StartedAt is when the client connected.
	StartedAt time.Time `json:"started_at"`
}

type activeSession struct {
	info   SessionInfo
	cancel context.CancelFunc
}

// SessionManager tracks the relay sessions running on this server, enforces
// the session limit and drains them on shutdown.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	limit    int
	active   map[string]activeSession
	draining bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a SessionManager. limit ≤ 0 means unlimited.
func NewSessionManager(limit int) *SessionManager {
	return &SessionManager{limit: limit, active: make(map[string]activeSession)}
}

// Start registers a session and returns its context, which is cancelled when
// parent ends or the manager gives up waiting during shutdown. The caller
// must call done exactly once when the session is over.
func (sm *SessionManager) Start(parent context.Context, info SessionInfo) (ctx context.Context, done func(), err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.draining {
		return nil, nil, ErrDraining
	}
	if sm.limit > 0 && len(sm.active) >= sm.limit {
		return nil, nil, ErrAtCapacity
	}

	ctx, cancel := context.WithCancel(parent)
	sm.active[info.SessionID] = activeSession{info: info, cancel: cancel}
	sm.wg.Add(1)

	var once sync.Once
	done = func() {
		once.Do(func() {
			cancel()
			sm.mu.Lock()
			delete(sm.active, info.SessionID)
			sm.mu.Unlock()
			sm.wg.Done()
		})
	}
	return ctx, done, nil
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// List returns the active sessions, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.active))
	for _, s := range sm.active {
		out = append(out, s.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Shutdown refuses new sessions and waits for the active ones to finish.
// When ctx expires first, the remaining sessions are cancelled and
// ctx.Err() is returned once they have stopped.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.draining = true
	n := len(sm.active)
	sm.mu.Unlock()

	if n > 0 {
		slog.Info("waiting for relay sessions to finish", "sessions", n)
	}

	finished := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
	}

	sm.mu.Lock()
	remaining := len(sm.active)
	for _, s := range sm.active {
		s.cancel()
	}
	sm.mu.Unlock()
	slog.Warn("shutdown deadline exceeded, cancelling relay sessions", "remaining", remaining)

	<-finished
	return ctx.Err()
}
