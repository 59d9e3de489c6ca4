package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/intervox/internal/config"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/relay"
	"github.com/MrWong99/intervox/internal/store"
	"github.com/MrWong99/intervox/pkg/protocol"
	"github.com/MrWong99/intervox/pkg/realtime"
	"github.com/MrWong99/intervox/pkg/realtime/mock"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Realtime.Voice = "verse"
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// recordingDialer hands out mock connections and remembers what it was
// asked for.
type recordingDialer struct {
	mu    sync.Mutex
	cfgs  []realtime.SessionConfig
	conns []*mock.Conn
	err   error
}

func (d *recordingDialer) Dial(_ context.Context, cfg realtime.SessionConfig) (relay.Upstream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfgs = append(d.cfgs, cfg)
	if d.err != nil {
		return nil, d.err
	}
	c := mock.NewConn()
	c.Push(&realtime.ServerEvent{Type: realtime.EventSessionUpdated})
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *recordingDialer) conn(i int) *mock.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) (*App, *httptest.Server) {
	t.Helper()
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	a, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, typ string) protocol.ServerMessage {
	t.Helper()
	for {
		var msg protocol.ServerMessage
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func TestApp_RelaysOverWebSocket(t *testing.T) {
	t.Parallel()
	d := &recordingDialer{}
	a, srv := newTestApp(t, testConfig(), WithDialer(d))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	readUntil(t, ctx, c, protocol.TypeAIReady)
	if err := wsjson.Write(ctx, c, protocol.StartQuestion("Design a cache")); err != nil {
		t.Fatalf("write start_question: %v", err)
	}
	up := d.conn(0)
	waitFor(t, "response.create", func() bool {
		return slices.Contains(up.SentTypes(), realtime.TypeResponseNew)
	})

	if got := a.sessions.Count(); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	if d.cfgs[0].Voice != "verse" || d.cfgs[0].VAD.Threshold != 0.6 {
		t.Errorf("session config = %+v, want configured voice and VAD", d.cfgs[0])
	}

	c.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "session end", func() bool { return a.sessions.Count() == 0 })
	if !up.Closed() {
		t.Error("upstream not closed after client left")
	}
}

func TestApp_DialFailureTellsClient(t *testing.T) {
	t.Parallel()
	d := &recordingDialer{err: errors.New("connection refused")}
	a, srv := newTestApp(t, testConfig(), WithDialer(d))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	msg := readUntil(t, ctx, c, protocol.TypeError)
	if msg.Message != "upstream unavailable" {
		t.Errorf("error message = %q", msg.Message)
	}
	var out protocol.ServerMessage
	err = wsjson.Read(ctx, c, &out)
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want StatusTryAgainLater (err %v)", got, err)
	}
	waitFor(t, "session release", func() bool { return a.sessions.Count() == 0 })
}

func TestApp_SessionLimit(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.MaxSessions = 1
	_, srv := newTestApp(t, cfg, WithDialer(&recordingDialer{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	defer first.CloseNow()
	readUntil(t, ctx, first, protocol.TypeAIReady)

	_, resp, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err == nil {
		t.Fatal("second session accepted, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %+v, want 503", resp)
	}
}

func TestApp_ListAnswers(t *testing.T) {
	t.Parallel()
	mem := store.NewMemStore()
	ctx := context.Background()
	if err := mem.SaveAnswer(ctx, store.Answer{
		TurnID:      "t1",
		SessionID:   "s1",
		Question:    "Design a cache",
		Transcript:  "Use an LRU.",
		CloseReason: protocol.ReasonSubmitted,
	}); err != nil {
		t.Fatal(err)
	}
	if err := mem.SaveFeedback(ctx, "t1", protocol.Feedback{Score: 6, Summary: "Brief."}); err != nil {
		t.Fatal(err)
	}
	_, srv := newTestApp(t, testConfig(), WithStore(mem))

	tests := []struct {
		session string
		want    int
	}{
		{"s1", 1},
		{"unknown", 0},
	}
	for _, tc := range tests {
		resp, err := http.Get(srv.URL + "/api/sessions/" + tc.session + "/answers")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var got []answerView
		err = json.NewDecoder(resp.Body).Decode(&got)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.StatusCode != http.StatusOK || len(got) != tc.want {
			t.Errorf("%s: status %d, %d answers, want 200 and %d", tc.session, resp.StatusCode, len(got), tc.want)
		}
		if tc.want == 1 && (got[0].Feedback == nil || got[0].Feedback.Score != 6 || got[0].Followups == nil) {
			t.Errorf("answer = %+v", got[0])
		}
	}
}

func TestApp_ReadyzDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	a, srv := newTestApp(t, testConfig())

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d, want 200", resp.StatusCode)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz while draining = %d, want 503", resp.StatusCode)
	}
}

func TestApp_MetricsRoute(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("intervox_turns_total 0\n"))
	})
	_, srv := newTestApp(t, testConfig(), WithMetricsHandler(h))

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d, want 200", resp.StatusCode)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())
	oldFilter := a.filter

	next := testConfig()
	two := 2
	next.Turn.MaxFollowups = &two
	next.Filter.Patterns = []string{`^pass$`}
	d, err := a.Reload(next)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !d.TurnChanged || !d.FilterChanged || d.RestartRequired {
		t.Errorf("diff = %+v", d)
	}
	if a.Config().Turn.Followups() != 2 {
		t.Errorf("followups = %d, want 2", a.Config().Turn.Followups())
	}
	if a.filter == oldFilter || a.filter.Allow("pass") {
		t.Error("filter not rebuilt from the new patterns")
	}

	broken := testConfig()
	broken.Turn.MaxFollowups = &two
	broken.Filter.Patterns = []string{`(`}
	if _, err := a.Reload(broken); err == nil {
		t.Error("Reload with a bad pattern succeeded")
	}
	if len(a.Config().Filter.Patterns) != 1 {
		t.Error("failed reload replaced the config")
	}
}

func TestApp_ReloadKeepsRestartSections(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())

	next := testConfig()
	next.Server.ListenAddr = ":9999"
	next.Server.LogLevel = config.LogDebug
	d, err := a.Reload(next)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !d.RestartRequired || !d.LogLevelChanged {
		t.Errorf("diff = %+v", d)
	}
	if got := a.Config().Server.ListenAddr; got != config.DefaultListenAddr {
		t.Errorf("listen addr = %q, want the running one", got)
	}
	if got := a.Config().Server.LogLevel; got != config.LogDebug {
		t.Errorf("log level = %q, want debug", got)
	}
}
