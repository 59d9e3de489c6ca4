package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/intervox/internal/config"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/relay"
	"github.com/MrWong99/intervox/internal/store"
	"github.com/MrWong99/intervox/pkg/protocol"
	"github.com/MrWong99/intervox/pkg/realtime"
)

// clientReadLimit caps one inbound client frame. A 100 ms batch at 48 kHz is
// under 10 KiB; control messages are far smaller.
const clientReadLimit = 1 << 20

// Handler returns the HTTP surface wrapped in the observability middleware:
//
//	GET /ws                          relay WebSocket
//	GET /healthz, /readyz            probes
//	GET /metrics                     Prometheus scrape (when configured)
//	GET /api/sessions                active relay sessions
//	GET /api/sessions/{id}/answers   stored answers of one session
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", a.serveWS)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}/answers", a.listAnswers)
	return observe.Middleware(a.metrics)(mux)
}

// serveWS upgrades the request, dials the Realtime API and runs one relay
// session until either side goes away.
func (a *App) serveWS(w http.ResponseWriter, r *http.Request) {
	cfg, filter := a.snapshot()
	id := uuid.NewString()
	log := observe.SessionLogger(r.Context(), id)

	ctx, done, err := a.sessions.Start(r.Context(), SessionInfo{
		SessionID:  id,
		RemoteAddr: r.RemoteAddr,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Warn("rejecting relay session", "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer done()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		// Accept already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	down := relay.NewWSConn(c, clientReadLimit)

	up, err := a.dial(ctx, cfg.Realtime)
	if err != nil {
		log.Error("realtime dial failed", "err", err)
		a.metrics.RecordUpstreamError(ctx, "dial")
		msg := "upstream unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "upstream connection timed out"
		}
		_ = down.WriteMessage(ctx, protocol.Error(msg))
		_ = c.Close(websocket.StatusTryAgainLater, msg)
		return
	}

	sess := relay.New(id, up, down, relay.ConfigFrom(cfg.Turn),
		relay.WithFilter(filter),
		relay.WithStore(a.store),
		relay.WithAnalyzer(a.analyzer),
		relay.WithMetrics(a.metrics),
		relay.WithLogger(log),
	)
	if err := sess.Run(ctx); err != nil {
		log.Warn("relay session ended with error", "err", err)
	}
}

// dial opens the upstream connection through the Realtime circuit breaker.
func (a *App) dial(ctx context.Context, rc config.RealtimeConfig) (relay.Upstream, error) {
	if rc.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.DialTimeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "realtime.dial")
	defer span.End()

	var up relay.Upstream
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		conn, err := a.dialer.Dial(ctx, sessionConfig(rc))
		if err != nil {
			return err
		}
		up = conn
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return up, nil
}

// dialRealtime is the default [Dialer]. It reads the Realtime section at
// dial time so reloaded credentials and models apply to the next session.
func (a *App) dialRealtime(ctx context.Context, sc realtime.SessionConfig) (relay.Upstream, error) {
	rc := a.Config().Realtime
	opts := []realtime.Option{
		realtime.WithModel(rc.Model),
		realtime.WithBaseURL(rc.BaseURL),
	}
	if a.httpClient != nil {
		opts = append(opts, realtime.WithHTTPClient(a.httpClient))
	}
	conn, err := realtime.New(rc.APIKey, opts...).Dial(ctx, sc)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func sessionConfig(rc config.RealtimeConfig) realtime.SessionConfig {
	return realtime.SessionConfig{
		Voice:              rc.Voice,
		Instructions:       rc.Instructions,
		TranscriptionModel: rc.TranscriptionModel,
		Temperature:        rc.Temperature,
		MaxOutputTokens:    rc.MaxOutputTokens,
		VAD: realtime.VAD{
			Threshold:         rc.VAD.Threshold,
			PrefixPaddingMs:   rc.VAD.PrefixPaddingMs,
			SilenceDurationMs: rc.VAD.SilenceDurationMs,
		},
	}
}

// ─── REST ────────────────────────────────────────────────────────────────────

// answerView is the JSON form of a stored answer.
type answerView struct {
	TurnID      string             `json:"turn_id"`
	SessionID   string             `json:"session_id"`
	Question    string             `json:"question"`
	Transcript  string             `json:"transcript"`
	Followups   []string           `json:"followups"`
	CloseReason string             `json:"close_reason"`
	StartedAt   time.Time          `json:"started_at"`
	ClosedAt    time.Time          `json:"closed_at"`
	Feedback    *protocol.Feedback `json:"feedback,omitempty"`
}

func newAnswerView(a store.Answer) answerView {
	followups := a.Followups
	if followups == nil {
		followups = []string{}
	}
	return answerView{
		TurnID:      a.TurnID,
		SessionID:   a.SessionID,
		Question:    a.Question,
		Transcript:  a.Transcript,
		Followups:   followups,
		CloseReason: a.CloseReason,
		StartedAt:   a.StartedAt,
		ClosedAt:    a.ClosedAt,
		Feedback:    a.Feedback,
	}
}

func (a *App) listAnswers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	answers, err := a.store.ListAnswers(r.Context(), id)
	if err != nil {
		observe.Logger(r.Context()).Error("list answers failed", "session_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load answers"})
		return
	}
	out := make([]answerView, 0, len(answers))
	for _, ans := range answers {
		out = append(out, newAnswerView(ans))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json response", "err", err)
	}
}
