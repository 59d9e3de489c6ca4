// Package postgres provides a PostgreSQL-backed [store.Store] for interview
// answers.
//
// All operations share a single [pgxpool.Pool]. [Migrate] creates the
// answers table on startup; it is idempotent.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.SaveAnswer(ctx, answer)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlAnswers = `
CREATE TABLE IF NOT EXISTS answers (
    turn_id       TEXT         PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    question      TEXT         NOT NULL,
    transcript    TEXT         NOT NULL DEFAULT '',
    followups     TEXT[]       NOT NULL DEFAULT '{}',
    close_reason  TEXT         NOT NULL DEFAULT '',
    started_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    closed_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    feedback      JSONB
);

CREATE INDEX IF NOT EXISTS idx_answers_session_id
    ON answers (session_id, closed_at);
`

// Migrate creates the tables used by [Store].
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlAnswers); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
