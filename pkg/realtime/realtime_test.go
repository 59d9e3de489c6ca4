package realtime_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/intervox/pkg/realtime"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeRaw sends data as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_HeadersAndModel(t *testing.T) {
	t.Parallel()

	type handshake struct {
		auth, beta, model string
	}
	got := make(chan handshake, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- handshake{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("sk-test", realtime.WithModel("gpt-realtime-mini"), realtime.WithBaseURL(wsURL(srv)))
	conn, err := c.Dial(testCtx(t), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case h := <-got:
		if h.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", h.auth)
		}
		if h.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", h.beta)
		}
		if h.model != "gpt-realtime-mini" {
			t.Errorf("model = %q; want gpt-realtime-mini", h.model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	if m := realtime.New("k").Model(); m != "gpt-realtime" {
		t.Errorf("Model = %q; want gpt-realtime", m)
	}
	if m := realtime.New("k", realtime.WithModel("")).Model(); m != "gpt-realtime" {
		t.Errorf("empty WithModel overrode default: %q", m)
	}
}

func TestDial_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		received <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	conn, err := c.Dial(testCtx(t), realtime.SessionConfig{
		Voice:              "alloy",
		Instructions:       "You are an interviewer.",
		TranscriptionModel: "whisper-1",
		VAD:                realtime.VAD{Threshold: 0.6, PrefixPaddingMs: 300, SilenceDurationMs: 700},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var msg map[string]any
	select {
	case msg = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}

	if msg["type"] != "session.update" {
		t.Fatalf("type = %v; want session.update", msg["type"])
	}
	sess := msg["session"].(map[string]any)
	if sess["voice"] != "alloy" {
		t.Errorf("voice = %v", sess["voice"])
	}
	if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v/%v", sess["input_audio_format"], sess["output_audio_format"])
	}
	td := sess["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection.type = %v", td["type"])
	}
	if td["create_response"] != false || td["interrupt_response"] != false {
		t.Errorf("server must not auto-respond: %v", td)
	}
	if td["silence_duration_ms"] != float64(700) {
		t.Errorf("silence_duration_ms = %v", td["silence_duration_ms"])
	}
	tr := sess["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" {
		t.Errorf("transcription model = %v", tr["model"])
	}
}

func TestDial_Unreachable(t *testing.T) {
	t.Parallel()
	c := realtime.New("key", realtime.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := c.Dial(testCtx(t), realtime.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestWriteEvent_Shapes(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 5 {
			var raw map[string]any
			readJSON(t, conn, &raw)
			frames <- raw
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	ctx := testCtx(t)
	conn, err := c.Dial(ctx, realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	events := []realtime.ClientEvent{
		realtime.AppendAudio(pcm),
		realtime.Commit(),
		realtime.CreateUserText("Ask: why Go?"),
		realtime.CreateResponse(realtime.ResponseOptions{MaxOutputTokens: 150}),
	}
	for _, ev := range events {
		if err := conn.WriteEvent(ctx, ev); err != nil {
			t.Fatalf("WriteEvent(%s): %v", ev.EventType(), err)
		}
	}

	next := func() map[string]any {
		select {
		case f := <-frames:
			return f
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for frame")
			return nil
		}
	}
	next() // session.update

	appendMsg := next()
	if appendMsg["type"] != "input_audio_buffer.append" {
		t.Fatalf("type = %v", appendMsg["type"])
	}
	decoded, _ := base64.StdEncoding.DecodeString(appendMsg["audio"].(string))
	if string(decoded) != string(pcm) {
		t.Errorf("audio = %v; want %v", decoded, pcm)
	}

	if m := next(); m["type"] != "input_audio_buffer.commit" {
		t.Errorf("type = %v; want commit", m["type"])
	}

	item := next()
	content := item["item"].(map[string]any)["content"].([]any)[0].(map[string]any)
	if content["type"] != "input_text" || content["text"] != "Ask: why Go?" {
		t.Errorf("item content = %v", content)
	}

	resp := next()["response"].(map[string]any)
	if resp["max_output_tokens"] != float64(150) {
		t.Errorf("max_output_tokens = %v", resp["max_output_tokens"])
	}
	if mods := resp["modalities"].([]any); len(mods) != 2 {
		t.Errorf("modalities = %v; want text+audio", mods)
	}
}

func TestReadEvent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeRaw(t, conn, `not json`)
		writeRaw(t, conn, `{"type":"response.audio.delta","response_id":"resp_1","delta":"AQID"}`)
		writeRaw(t, conn, `{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`)
		writeRaw(t, conn, `{"type":"error","error":{"type":"invalid_request_error","code":"input_audio_buffer_commit_empty","message":"buffer too small"}}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	ctx := testCtx(t)
	conn, err := c.Dial(ctx, realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.ReadEvent(ctx); !errors.Is(err, realtime.ErrMalformedEvent) {
		t.Fatalf("malformed frame err = %v; want ErrMalformedEvent", err)
	}

	ev, err := conn.ReadEvent(ctx)
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.ResponseRef() != "resp_1" {
		t.Errorf("ResponseRef = %q", ev.ResponseRef())
	}
	pcm, err := ev.Audio()
	if err != nil || string(pcm) != "\x01\x02\x03" {
		t.Errorf("Audio = %v, %v", pcm, err)
	}

	done, err := conn.ReadEvent(ctx)
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if done.ResponseRef() != "resp_1" || done.Response.Status != "completed" {
		t.Errorf("response.done = %+v", done.Response)
	}

	errEv, err := conn.ReadEvent(ctx)
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if !errEv.IsCommitRejection() {
		t.Error("expected commit rejection")
	}
}

func TestReadEvent_ConnectionLost(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	ctx := testCtx(t)
	conn, err := c.Dial(ctx, realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.ReadEvent(ctx)
	if err == nil || errors.Is(err, realtime.ErrMalformedEvent) {
		t.Fatalf("err = %v; want transport error", err)
	}
}

func TestIsCommitRejection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   realtime.ServerEvent
		want bool
	}{
		{"code", realtime.ServerEvent{Type: "error", Error: &realtime.ErrorDetail{Code: "input_audio_buffer_commit_empty"}}, true},
		{"message", realtime.ServerEvent{Type: "error", Error: &realtime.ErrorDetail{Message: "Error committing input audio buffer: Buffer too small."}}, true},
		{"other error", realtime.ServerEvent{Type: "error", Error: &realtime.ErrorDetail{Message: "rate limited"}}, false},
		{"not an error", realtime.ServerEvent{Type: "response.done"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.ev.IsCommitRejection(); got != tc.want {
				t.Errorf("IsCommitRejection = %v; want %v", got, tc.want)
			}
		})
	}
}

func TestIsCancelNotActive(t *testing.T) {
	t.Parallel()
	ev := realtime.ServerEvent{Type: "error", Error: &realtime.ErrorDetail{Code: realtime.CodeCancelNotActive, Message: "no active response"}}
	if !ev.IsCancelNotActive() {
		t.Error("IsCancelNotActive = false; want true")
	}
	if ev.IsCommitRejection() {
		t.Error("a cancel rejection is not a commit rejection")
	}
}
