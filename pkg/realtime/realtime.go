// Package realtime is a minimal client for the OpenAI Realtime WebSocket API.
//
// It dials the Realtime endpoint, negotiates the session with a
// session.update event and then exposes a blocking read of [ServerEvent]s
// and a write of [ClientEvent]s. Turn-taking policy lives in the caller;
// this package only speaks the wire protocol. Audio is exchanged as
// base64-encoded PCM16 at 24 kHz mono.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

const (
	defaultModel     = "gpt-realtime"
	defaultBaseURL   = "wss://api.openai.com/v1/realtime"
	defaultReadLimit = 4 << 20

	// SampleRate is the PCM16 rate of audio in both directions.
	SampleRate = 24000
)

// ErrMalformedEvent wraps a frame that could not be decoded. Callers log and
// skip it; the connection stays usable.
var ErrMalformedEvent = errors.New("realtime: malformed event")

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Realtime model requested on dial.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// ── Client ────────────────────────────────────────────────────────────────────

// Client dials Realtime sessions. It holds no connection state and is safe
// for concurrent use.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the model requested on dial.
func (c *Client) Model() string { return c.model }

// Dial opens a new Realtime session and sends the initial session.update
// built from cfg. The returned Conn is ready for audio once the server
// acknowledges with session.updated.
func (c *Client) Dial(ctx context.Context, cfg SessionConfig) (*Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, url.QueryEscape(c.model))

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	ws.SetReadLimit(defaultReadLimit)

	conn := &Conn{ws: ws}
	if err := conn.WriteEvent(ctx, SessionUpdate(cfg)); err != nil {
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}
	return conn, nil
}

// ── Conn ──────────────────────────────────────────────────────────────────────

// Conn is one live Realtime session. ReadEvent must be called from a single
// goroutine; WriteEvent and Close are safe for concurrent use.
type Conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

// WriteEvent marshals ev and writes it as a text frame.
func (c *Conn) WriteEvent(ctx context.Context, ev ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %w", ev.EventType(), err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write %s: %w", ev.EventType(), err)
	}
	return nil
}

// ReadEvent blocks until the next event arrives. Undecodable frames return
// an error wrapping [ErrMalformedEvent]; any other error means the
// connection is gone.
func (c *Conn) ReadEvent(ctx context.Context) (*ServerEvent, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime: read: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: unexpected binary frame", ErrMalformedEvent)
	}
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return &ev, nil
}

// Close terminates the session. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
