package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/intervox/internal/store"
	"github.com/MrWong99/intervox/pkg/protocol"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL answer store. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool for dsn, verifies it with a ping and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable. It is used as a readiness
// check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveAnswer implements [store.Store]. An existing row for the same turn is
// replaced, keeping any feedback already attached.
func (s *Store) SaveAnswer(ctx context.Context, a store.Answer) error {
	const q = `
		INSERT INTO answers
		    (turn_id, session_id, question, transcript, followups, close_reason, started_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (turn_id) DO UPDATE SET
		    transcript   = EXCLUDED.transcript,
		    followups    = EXCLUDED.followups,
		    close_reason = EXCLUDED.close_reason,
		    closed_at    = EXCLUDED.closed_at`

	followups := a.Followups
	if followups == nil {
		followups = []string{}
	}
	_, err := s.pool.Exec(ctx, q,
		a.TurnID,
		a.SessionID,
		a.Question,
		a.Transcript,
		followups,
		a.CloseReason,
		a.StartedAt,
		a.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("answer store: save answer: %w", err)
	}
	return nil
}

// SaveFeedback implements [store.Store].
func (s *Store) SaveFeedback(ctx context.Context, turnID string, fb protocol.Feedback) error {
	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("answer store: marshal feedback: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE answers SET feedback = $2 WHERE turn_id = $1`, turnID, data)
	if err != nil {
		return fmt.Errorf("answer store: save feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("answer store: turn %q: %w", turnID, store.ErrNotFound)
	}
	return nil
}

// ListAnswers implements [store.Store]. Answers are ordered by close time.
func (s *Store) ListAnswers(ctx context.Context, sessionID string) ([]store.Answer, error) {
	const q = `
		SELECT turn_id, session_id, question, transcript, followups, close_reason,
		       started_at, closed_at, feedback
		FROM   answers
		WHERE  session_id = $1
		ORDER  BY closed_at, turn_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("answer store: list answers: %w", err)
	}
	return collectAnswers(rows)
}

// collectAnswers scans pgx rows into a slice of Answer values.
func collectAnswers(rows pgx.Rows) ([]store.Answer, error) {
	answers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Answer, error) {
		var (
			a        store.Answer
			feedback []byte
		)
		if err := row.Scan(
			&a.TurnID,
			&a.SessionID,
			&a.Question,
			&a.Transcript,
			&a.Followups,
			&a.CloseReason,
			&a.StartedAt,
			&a.ClosedAt,
			&feedback,
		); err != nil {
			return store.Answer{}, err
		}
		if feedback != nil {
			var fb protocol.Feedback
			if err := json.Unmarshal(feedback, &fb); err != nil {
				return store.Answer{}, fmt.Errorf("decode feedback: %w", err)
			}
			a.Feedback = &fb
		}
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("answer store: scan answers: %w", err)
	}
	return answers, nil
}
