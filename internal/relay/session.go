// Package relay implements the real-time audio relay and turn-taking bridge
// between one interview client and one OpenAI Realtime session.
//
// A [Session] is a single logical actor. Read pumps for both connections,
// timers and background hand-offs only post typed events onto the session's
// queue; one loop goroutine consumes the queue and is the only code that
// touches session state. Outbound traffic goes through two bounded outboxes,
// each drained by its own write pump, so a slow peer never blocks the loop.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/intervox/internal/analysis"
	"github.com/MrWong99/intervox/internal/config"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/store"
	"github.com/MrWong99/intervox/internal/transcript"
	"github.com/MrWong99/intervox/pkg/audio"
	"github.com/MrWong99/intervox/pkg/protocol"
	"github.com/MrWong99/intervox/pkg/realtime"
)

// terminalWriteTimeout bounds the final error notification sent to the
// client when the upstream connection is lost.
const terminalWriteTimeout = 2 * time.Second

// eventQueueSize is the depth of the session event queue.
const eventQueueSize = 64

// Upstream is the Realtime side of a session. [*realtime.Conn] and
// [mock.Conn] implement it.
type Upstream interface {
	WriteEvent(ctx context.Context, ev realtime.ClientEvent) error
	ReadEvent(ctx context.Context) (*realtime.ServerEvent, error)
	Close() error
}

// Frame is one inbound client WebSocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Downstream is the client side of a session. WriteMessage must be safe to
// call concurrently with itself. ReadFrame returns [io.EOF] when the client
// closed the connection normally.
type Downstream interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteMessage(ctx context.Context, msg protocol.ServerMessage) error
	Close() error
}

// Config is the per-session turn policy.
type Config struct {
	MaxFollowups      int
	CommitDebounce    time.Duration
	AutoAdvanceDelay  time.Duration
	TranscriptWait    time.Duration
	BatchTargetMs     int
	SampleRate        int
	MaxBufferedMs     int
	ClosingUtterance  string
	QuestionPrompt    string
	QuestionMaxTokens int
	ReplyMaxTokens    int
	OutboxSize        int
}

// ConfigFrom derives a session Config from the loaded turn section.
func ConfigFrom(t config.TurnConfig) Config {
	return Config{
		MaxFollowups:      t.Followups(),
		CommitDebounce:    t.CommitDebounce,
		AutoAdvanceDelay:  t.AutoAdvanceDelay,
		TranscriptWait:    t.TranscriptWait,
		BatchTargetMs:     t.BatchTargetMs,
		SampleRate:        t.DefaultSampleRate,
		MaxBufferedMs:     t.MaxBufferedMs,
		ClosingUtterance:  t.ClosingUtterance,
		QuestionPrompt:    t.QuestionPrompt,
		QuestionMaxTokens: t.QuestionMaxTokens,
		ReplyMaxTokens:    t.ReplyMaxTokens,
		OutboxSize:        t.OutboxSize,
	}
}

// Option configures a [Session].
type Option func(*Session)

// WithFilter sets the transcript filter. The default is [transcript.Default].
func WithFilter(f *transcript.Filter) Option {
	return func(s *Session) { s.filter = f }
}

// WithStore sets where finished turns are handed off.
func WithStore(st store.Store) Option {
	return func(s *Session) { s.store = st }
}

// WithAnalyzer enables answer analysis after each turn.
func WithAnalyzer(a analysis.Analyzer) Option {
	return func(s *Session) { s.analyzer = a }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides the wall clock used for timers.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session relays one client connection to one Realtime connection.
type Session struct {
	id   string
	cfg  Config
	up   Upstream
	down Downstream

	filter   *transcript.Filter
	store    store.Store
	analyzer analysis.Analyzer
	metrics  *observe.Metrics
	clock    Clock
	log      *slog.Logger

	events  chan event
	upOut   chan realtime.ClientEvent
	downOut chan protocol.ServerMessage
	done    <-chan struct{}
	ctx     context.Context

	handoffs     sync.WaitGroup
	terminalOnce sync.Once

	// Everything below is owned by the loop goroutine.

	state      State
	sampleRate int
	resampler  *audio.Resampler
	batcher    *Batcher
	ready      bool
	pendingQ   string

	turn      *turn
	turnSpan  trace.Span
	followups int

	userSpeaking bool
	aiSpeaking   bool

	// uncommitted counts bytes (at the client's rate) appended upstream
	// since the last commit or clear.
	uncommitted     int
	pendingAcks     int
	serverCommitted bool
	lastCommitBytes int
	commitAt        time.Time

	// transcriptsDue counts commits whose input transcription has not
	// arrived; heard holds its deltas until the transcript passes the filter.
	transcriptsDue     int
	heard              []string
	awaitingTranscript bool

	// reply is the response currently streaming, requested holds replies
	// asked for but not yet created, and retired holds ids whose remaining
	// events are ignored (finished or cancelled).
	reply     *reply
	requested []pendingReply
	retired   map[string]bool

	closingSent bool

	debounceGen  uint64
	debounceStop func() bool
	advanceGen   uint64
	advanceStop  func() bool

	transcriptGen  uint64
	transcriptStop func() bool
}

// New creates a Session. Call [Session.Run] to start relaying.
func New(id string, up Upstream, down Downstream, cfg Config, opts ...Option) *Session {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = config.DefaultOutboxSize
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = realtime.SampleRate
	}
	if cfg.BatchTargetMs <= 0 {
		cfg.BatchTargetMs = config.DefaultBatchTargetMs
	}
	s := &Session{
		id:         id,
		cfg:        cfg,
		up:         up,
		down:       down,
		clock:      realClock{},
		events:     make(chan event, eventQueueSize),
		upOut:      make(chan realtime.ClientEvent, cfg.OutboxSize),
		downOut:    make(chan protocol.ServerMessage, cfg.OutboxSize),
		ctx:        context.Background(),
		sampleRate: cfg.SampleRate,
		retired:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.filter == nil {
		s.filter = transcript.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default().With(slog.String("session_id", id))
	}
	s.resampler = audio.NewResampler(s.sampleRate, realtime.SampleRate)
	s.batcher = NewBatcher(s.sampleRate, cfg.BatchTargetMs, cfg.MaxBufferedMs)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// errClientGone ends a session whose client disconnected normally.
var errClientGone = errors.New("relay: client disconnected")

// Run relays until either connection ends or ctx is cancelled. Both
// connections are closed on return. A normal client disconnect returns nil;
// an upstream loss returns the transport error after the client has been
// told.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.ctx = ctx
	s.done = ctx.Done()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	s.log.Info("relay session started")

	g.Go(func() error { return s.loop(ctx) })
	g.Go(func() error { return s.readUpstream(ctx) })
	g.Go(func() error { return s.readDownstream(ctx) })
	g.Go(func() error { return s.writeUpstream(ctx) })
	g.Go(func() error { return s.writeDownstream(ctx) })

	err := g.Wait()

	s.stopTimers()
	if s.awaitingTranscript {
		s.finishSubmit()
	}
	s.discardTurn()
	_ = s.up.Close()
	_ = s.down.Close()
	s.handoffs.Wait()

	if errors.Is(err, errClientGone) {
		err = nil
	}
	s.log.Info("relay session ended", "err", err)
	return err
}

// ── Event loop ────────────────────────────────────────────────────────────────

func (s *Session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// post queues ev for the loop. It gives up once the session is ending.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// ── Pumps ─────────────────────────────────────────────────────────────────────

func (s *Session) readUpstream(ctx context.Context) error {
	for {
		ev, err := s.up.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, realtime.ErrMalformedEvent) {
				s.log.Warn("ignoring malformed upstream event", "err", err)
				continue
			}
			s.upstreamLost(err)
			return fmt.Errorf("relay: upstream read: %w", err)
		}
		s.post(upstreamEvent{ev: ev})
	}
}

func (s *Session) readDownstream(ctx context.Context) error {
	for {
		f, err := s.down.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errClientGone
			}
			return fmt.Errorf("relay: client read: %w", err)
		}
		if f.Binary {
			s.post(audioEvent{pcm: f.Data})
			continue
		}
		msg, err := protocol.DecodeClient(f.Data)
		if err != nil {
			s.log.Warn("ignoring malformed client message", "err", err)
			s.send(protocol.Error(err.Error()))
			continue
		}
		s.post(clientEvent{msg: msg})
	}
}

func (s *Session) writeUpstream(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.upOut:
			if err := s.up.WriteEvent(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.upstreamLost(err)
				return fmt.Errorf("relay: upstream write: %w", err)
			}
		}
	}
}

func (s *Session) writeDownstream(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.downOut:
			if err := s.down.WriteMessage(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("relay: client write: %w", err)
			}
		}
	}
}

// upstreamLost tells the client, once, that the session is over. It writes
// past the outbox because the loop is about to stop draining it.
func (s *Session) upstreamLost(err error) {
	s.terminalOnce.Do(func() {
		s.metrics.RecordUpstreamError(context.WithoutCancel(s.ctx), "transport")
		s.log.Error("upstream connection lost", "err", err)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), terminalWriteTimeout)
		defer cancel()
		if werr := s.down.WriteMessage(ctx, protocol.Error("upstream connection lost")); werr != nil {
			s.log.Debug("terminal error not delivered", "err", werr)
		}
	})
}

// ── Outboxes ──────────────────────────────────────────────────────────────────

// sendUp queues ev for the Realtime API. A full outbox drops it.
func (s *Session) sendUp(ev realtime.ClientEvent) {
	select {
	case s.upOut <- ev:
	default:
		s.metrics.RecordDrop(s.ctx, observe.DirectionUpstream)
		s.log.Warn("upstream outbox full, dropping event", "type", ev.EventType())
	}
}

// send queues msg for the client. A full outbox drops it.
func (s *Session) send(msg protocol.ServerMessage) {
	select {
	case s.downOut <- msg:
	default:
		s.metrics.RecordDrop(s.ctx, observe.DirectionDownstream)
		s.log.Warn("client outbox full, dropping message", "type", msg.Type)
	}
}

// ── Timers ────────────────────────────────────────────────────────────────────

func (s *Session) scheduleCommit() {
	s.cancelCommit()
	s.debounceGen++
	gen := s.debounceGen
	s.debounceStop = s.clock.AfterFunc(s.cfg.CommitDebounce, func() {
		s.post(timerEvent{kind: timerCommit, gen: gen})
	})
}

func (s *Session) cancelCommit() {
	if s.debounceStop != nil {
		s.debounceStop()
		s.debounceStop = nil
	}
	s.debounceGen++
}

func (s *Session) scheduleAdvance() {
	s.cancelAdvance()
	s.advanceGen++
	gen := s.advanceGen
	s.advanceStop = s.clock.AfterFunc(s.cfg.AutoAdvanceDelay, func() {
		s.post(timerEvent{kind: timerAdvance, gen: gen})
	})
}

func (s *Session) cancelAdvance() {
	if s.advanceStop != nil {
		s.advanceStop()
		s.advanceStop = nil
	}
	s.advanceGen++
}

// awaitTranscript holds a submitted turn open for at most TranscriptWait.
func (s *Session) awaitTranscript() {
	s.cancelTranscriptWait()
	s.awaitingTranscript = true
	gen := s.transcriptGen
	s.transcriptStop = s.clock.AfterFunc(s.cfg.TranscriptWait, func() {
		s.post(timerEvent{kind: timerTranscript, gen: gen})
	})
}

func (s *Session) cancelTranscriptWait() {
	if s.transcriptStop != nil {
		s.transcriptStop()
		s.transcriptStop = nil
	}
	s.transcriptGen++
	s.awaitingTranscript = false
}

func (s *Session) stopTimers() {
	s.cancelCommit()
	s.cancelAdvance()
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.log.Debug("turn state", "from", s.state, "to", next)
	s.state = next
}

// questionPrompt renders the configured template for q.
func (s *Session) questionPrompt(q string) string {
	tmpl := s.cfg.QuestionPrompt
	if tmpl == "" {
		tmpl = config.DefaultQuestionPrompt
	}
	return strings.ReplaceAll(tmpl, "{question}", q)
}
