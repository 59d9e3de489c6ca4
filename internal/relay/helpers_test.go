package relay

import (
	"context"
	"encoding/base64"
	"io"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/pkg/protocol"
	"github.com/MrWong99/intervox/pkg/realtime"
	"github.com/MrWong99/intervox/pkg/realtime/mock"
)

// ── fakeClock ─────────────────────────────────────────────────────────────────

type fakeTimer struct {
	at      time.Time
	f       func()
	fired   bool
	stopped bool
}

// fakeClock fires timers only when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves the clock forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// ── harness ───────────────────────────────────────────────────────────────────

// harness drives a Session's handlers directly, without the pumps, so every
// step is deterministic.
type harness struct {
	t      *testing.T
	s      *Session
	clock  *fakeClock
	reader *sdkmetric.ManualReader
}

func testConfig() Config {
	return Config{
		MaxFollowups:      1,
		CommitDebounce:    300 * time.Millisecond,
		AutoAdvanceDelay:  1500 * time.Millisecond,
		TranscriptWait:    2 * time.Second,
		BatchTargetMs:     100,
		SampleRate:        24000,
		MaxBufferedMs:     5000,
		ClosingUtterance:  "Thank you for your detailed answers.",
		QuestionPrompt:    "Ask: {question}",
		QuestionMaxTokens: 100,
		ReplyMaxTokens:    150,
		OutboxSize:        256,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	clock := newFakeClock()
	opts = append([]Option{WithMetrics(m), WithClock(clock)}, opts...)
	s := New("sess-1", mock.NewConn(), nil, cfg, opts...)
	return &harness{t: t, s: s, clock: clock, reader: reader}
}

// do applies ev and then everything it queued.
func (h *harness) do(ev event) {
	h.t.Helper()
	h.s.handle(ev)
	h.pump()
}

// pump applies queued events (timers, feedback) until the queue is empty.
func (h *harness) pump() {
	for {
		select {
		case ev := <-h.s.events:
			h.s.handle(ev)
		default:
			return
		}
	}
}

func (h *harness) server(ev *realtime.ServerEvent) { h.do(upstreamEvent{ev: ev}) }

func (h *harness) client(msg protocol.ClientMessage) { h.do(clientEvent{msg: msg}) }

func (h *harness) audio(n int) { h.do(audioEvent{pcm: make([]byte, n)}) }

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.pump()
}

// upstream drains and returns everything queued for the Realtime API.
func (h *harness) upstream() []realtime.ClientEvent {
	var out []realtime.ClientEvent
	for {
		select {
		case ev := <-h.s.upOut:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) upstreamTypes() []string {
	var out []string
	for _, ev := range h.upstream() {
		out = append(out, ev.EventType())
	}
	return out
}

// sent drains and returns everything queued for the client.
func (h *harness) sent() []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for {
		select {
		case msg := <-h.s.downOut:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (h *harness) sentTypes() []string {
	var out []string
	for _, msg := range h.sent() {
		out = append(out, msg.Type)
	}
	return out
}

// ready completes the upstream handshake and discards the resulting traffic.
func (h *harness) ready() {
	h.server(&realtime.ServerEvent{Type: realtime.EventSessionUpdated})
	h.upstream()
	h.sent()
}

// question starts q on a ready session and plays the question reply to the
// end, leaving the session LISTENING.
func (h *harness) question(q string) {
	h.t.Helper()
	h.client(protocol.StartQuestion(q))
	h.playReply("q-"+q, "So, "+q)
	h.upstream()
	h.sent()
	if h.s.state != StateListening {
		h.t.Fatalf("after question state = %s, want LISTENING", h.s.state)
	}
}

// utterance plays one candidate utterance of n bytes through the debounce.
func (h *harness) utterance(n int) {
	h.server(&realtime.ServerEvent{Type: realtime.EventSpeechStarted})
	h.audio(n)
	h.server(&realtime.ServerEvent{Type: realtime.EventSpeechStopped})
	h.advance(h.s.cfg.CommitDebounce)
}

// playReply streams a complete audio reply with transcript text.
func (h *harness) playReply(id, text string) {
	h.server(responseCreated(id))
	h.server(&realtime.ServerEvent{Type: realtime.EventAudioTranscriptDelta, ResponseID: id, Delta: text})
	h.server(audioDelta(id, make([]byte, 960)))
	h.server(&realtime.ServerEvent{Type: realtime.EventAudioDone, ResponseID: id})
	h.server(&realtime.ServerEvent{Type: realtime.EventAudioTranscriptDone, ResponseID: id, Transcript: text})
	h.server(responseDone(id, "completed"))
}

func responseCreated(id string) *realtime.ServerEvent {
	return &realtime.ServerEvent{Type: realtime.EventResponseCreated, Response: &realtime.ResponseInfo{ID: id}}
}

func responseDone(id, status string) *realtime.ServerEvent {
	return &realtime.ServerEvent{Type: realtime.EventResponseDone, Response: &realtime.ResponseInfo{ID: id, Status: status}}
}

func audioDelta(id string, pcm []byte) *realtime.ServerEvent {
	return &realtime.ServerEvent{
		Type:       realtime.EventAudioDelta,
		ResponseID: id,
		Delta:      base64.StdEncoding.EncodeToString(pcm),
	}
}

func upstreamError(code, message string) *realtime.ServerEvent {
	return &realtime.ServerEvent{
		Type:  realtime.EventError,
		Error: &realtime.ErrorDetail{Type: "invalid_request_error", Code: code, Message: message},
	}
}

// counter returns the int64 sum data point of name whose attribute key
// equals value, or 0 when absent. An empty key sums every data point.
func (h *harness) counter(name, key, value string) int64 {
	h.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		h.t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				h.t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func count(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}

// ── fakeDown ──────────────────────────────────────────────────────────────────

// fakeDown is an in-memory client connection. Closing frames simulates a
// normal client disconnect.
type fakeDown struct {
	frames chan Frame

	mu   sync.Mutex
	msgs []protocol.ServerMessage

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeDown() *fakeDown {
	return &fakeDown{frames: make(chan Frame, 16), closed: make(chan struct{})}
}

func (d *fakeDown) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-d.frames:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (d *fakeDown) WriteMessage(_ context.Context, msg protocol.ServerMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *fakeDown) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDown) messages() []protocol.ServerMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.ServerMessage, len(d.msgs))
	copy(out, d.msgs)
	return out
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
