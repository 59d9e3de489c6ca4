package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/intervox/internal/store"
	"github.com/MrWong99/intervox/internal/store/postgres"
	"github.com/MrWong99/intervox/pkg/protocol"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if INTERVOX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("INTERVOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INTERVOX_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS answers CASCADE"); err != nil {
		t.Fatalf("drop answers: %v", err)
	}

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_SaveListFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
	a := store.Answer{
		TurnID:      "turn-1",
		SessionID:   "sess-1",
		Question:    "Describe a production incident you handled.",
		Transcript:  "We lost the primary database during a deploy.",
		Followups:   []string{"How did you detect it?"},
		CloseReason: protocol.ReasonMaxFollowups,
		StartedAt:   start,
		ClosedAt:    start.Add(45 * time.Second),
	}
	if err := s.SaveAnswer(ctx, a); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	if err := s.SaveAnswer(ctx, store.Answer{TurnID: "turn-2", SessionID: "other", Question: "Q"}); err != nil {
		t.Fatalf("SaveAnswer other: %v", err)
	}

	got, err := s.ListAnswers(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListAnswers: want 1, got %d", len(got))
	}
	if got[0].Transcript != a.Transcript || len(got[0].Followups) != 1 || got[0].Feedback != nil {
		t.Errorf("answer = %+v", got[0])
	}

	fb := protocol.Feedback{Score: 8, Summary: "Good ownership.", Strengths: []string{"calm"}}
	if err := s.SaveFeedback(ctx, "turn-1", fb); err != nil {
		t.Fatalf("SaveFeedback: %v", err)
	}
	got, _ = s.ListAnswers(ctx, "sess-1")
	if got[0].Feedback == nil || got[0].Feedback.Score != 8 {
		t.Errorf("feedback = %+v", got[0].Feedback)
	}

	if err := s.SaveFeedback(ctx, "nope", fb); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SaveFeedback(missing) = %v; want ErrNotFound", err)
	}
}

func TestStore_SaveAnswerUpsertKeepsFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := store.Answer{TurnID: "t", SessionID: "s", Question: "Q", Transcript: "first", ClosedAt: time.Now()}
	_ = s.SaveAnswer(ctx, a)
	_ = s.SaveFeedback(ctx, "t", protocol.Feedback{Score: 5})

	a.Transcript = "second"
	if err := s.SaveAnswer(ctx, a); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	got, _ := s.ListAnswers(ctx, "s")
	if len(got) != 1 || got[0].Transcript != "second" || got[0].Feedback == nil {
		t.Errorf("got %+v", got)
	}
}
