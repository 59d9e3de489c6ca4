// Package store defines the hand-off record for a finished interview turn and
// the persistence contract for it.
//
// The relay hands a [Answer] to a [Store] when a turn closes (manual submit
// or auto-advance) and later attaches analysis feedback. [MemStore] keeps
// everything in process; the postgres subpackage provides durable storage.
package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/intervox/pkg/protocol"
)

// ErrNotFound is returned when a referenced turn does not exist.
var ErrNotFound = errors.New("store: not found")

// Answer is the finished-turn record.
type Answer struct {
	// TurnID uniquely identifies the question turn.
	TurnID string

	// SessionID is the relay session the turn belonged to.
	SessionID string

	// Question is the exact question text that was asked.
	Question string

	// Transcript is the candidate's answer, either the accumulated upstream
	// transcription or the client-provided override.
	Transcript string

	// Followups are the interviewer follow-up questions asked during the turn.
	Followups []string

	// CloseReason is protocol.ReasonSubmitted or protocol.ReasonMaxFollowups.
	CloseReason string

	StartedAt time.Time
	ClosedAt  time.Time

	// Feedback is nil until analysis completes.
	Feedback *protocol.Feedback
}

// Store persists answers. Implementations must be safe for concurrent use.
type Store interface {
	SaveAnswer(ctx context.Context, a Answer) error
	SaveFeedback(ctx context.Context, turnID string, fb protocol.Feedback) error
	ListAnswers(ctx context.Context, sessionID string) ([]Answer, error)
}

// MemStore is an in-memory [Store].
type MemStore struct {
	mu      sync.RWMutex
	answers []Answer
	byTurn  map[string]int
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{byTurn: make(map[string]int)}
}

// SaveAnswer stores a, replacing any earlier answer with the same TurnID.
func (s *MemStore) SaveAnswer(_ context.Context, a Answer) error {
	if a.TurnID == "" {
		return errors.New("store: answer has no turn id")
	}
	a.Followups = slices.Clone(a.Followups)
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byTurn[a.TurnID]; ok {
		s.answers[i] = a
		return nil
	}
	s.byTurn[a.TurnID] = len(s.answers)
	s.answers = append(s.answers, a)
	return nil
}

// SaveFeedback attaches fb to the answer for turnID.
func (s *MemStore) SaveFeedback(_ context.Context, turnID string, fb protocol.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byTurn[turnID]
	if !ok {
		return ErrNotFound
	}
	s.answers[i].Feedback = &fb
	return nil
}

// ListAnswers returns the answers of sessionID in the order they were saved.
func (s *MemStore) ListAnswers(_ context.Context, sessionID string) ([]Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Answer
	for _, a := range s.answers {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}
