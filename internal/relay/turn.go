package relay

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/intervox/internal/analysis"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/store"
	"github.com/MrWong99/intervox/pkg/protocol"
)

// replyKind says why a response was requested. Only answer replies are
// checked for follow-up questions.
type replyKind int

const (
	replyQuestion replyKind = iota
	replyAnswer
	replyClosing
)

func (k replyKind) String() string {
	switch k {
	case replyQuestion:
		return "question"
	case replyAnswer:
		return "answer"
	case replyClosing:
		return "closing"
	}
	return "unknown"
}

// pendingReply is a response.create that has no response id yet. A fenced
// entry is cancelled as soon as its id is known.
type pendingReply struct {
	kind   replyKind
	fenced bool
}

// reply tracks one streaming response.
type reply struct {
	id   string
	kind replyKind

	// textSource is the first delta family seen ("text" or "transcript");
	// the other family is ignored so text is never doubled.
	textSource string
	text       strings.Builder
	evaluated  bool

	sawAudio  bool
	audioDone bool
	done      bool
}

// turn is the record of one question, from start_question to hand-off.
type turn struct {
	id        string
	question  string
	answers   []string
	followups []string
	started   time.Time
}

func (t *turn) transcript() string {
	return strings.Join(t.answers, " ")
}

// closeTurn tells the client the turn is over and hands the answer to the
// store and analyzer in the background.
func (s *Session) closeTurn(reason, override string) {
	t := s.turn
	if t == nil {
		return
	}
	s.turn = nil

	text := strings.TrimSpace(override)
	if text == "" {
		text = t.transcript()
	}
	a := store.Answer{
		TurnID:      t.id,
		SessionID:   s.id,
		Question:    t.question,
		Transcript:  text,
		Followups:   slices.Clone(t.followups),
		CloseReason: reason,
		StartedAt:   t.started,
		ClosedAt:    s.clock.Now(),
	}

	s.send(protocol.TurnClosed(t.id, reason))
	s.metrics.RecordTurn(s.ctx, reason)
	observe.EndTurnSpan(s.turnSpan, reason, len(t.followups))
	s.turnSpan = nil
	s.log.Info("turn closed", "turn_id", t.id, "reason", reason, "followups", len(t.followups))

	if s.store == nil && s.analyzer == nil {
		return
	}
	s.handoffs.Add(1)
	go s.handoff(context.WithoutCancel(s.ctx), a)
}

// discardTurn drops the current turn without hand-off.
func (s *Session) discardTurn() {
	if s.turn == nil {
		return
	}
	s.log.Debug("discarding unfinished turn", "turn_id", s.turn.id)
	observe.EndTurnSpan(s.turnSpan, "discarded", len(s.turn.followups))
	s.turn = nil
	s.turnSpan = nil
}

// handoff runs outside the loop. It only touches immutable session fields
// and reports back through the event queue.
func (s *Session) handoff(ctx context.Context, a store.Answer) {
	defer s.handoffs.Done()
	log := s.log.With("turn_id", a.TurnID)

	if s.store != nil {
		if err := s.store.SaveAnswer(ctx, a); err != nil {
			log.Error("failed to save answer", "err", err)
		}
	}
	if s.analyzer == nil || strings.TrimSpace(a.Transcript) == "" {
		return
	}

	start := time.Now()
	fb, err := s.analyzer.Analyze(ctx, analysis.Request{
		Question:   a.Question,
		Transcript: a.Transcript,
		Followups:  a.Followups,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.AnalysisDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("status", status)))
	if err != nil {
		log.Warn("answer analysis failed", "err", err)
		return
	}

	if s.store != nil {
		if err := s.store.SaveFeedback(ctx, a.TurnID, fb); err != nil {
			log.Error("failed to save feedback", "err", err)
		}
	}
	s.post(feedbackEvent{turnID: a.TurnID, fb: fb})
}
