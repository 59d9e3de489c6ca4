// Package client is the candidate-side library for talking to an intervox
// relay. It sends microphone audio and control messages, decodes relay
// events into [Handler] callbacks and drives a [playback.Queue] for the
// interviewer's voice.
//
// Microphone audio is held back locally while the interviewer is speaking so
// the speaker output is not fed back into the transcription.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/intervox/pkg/audio"
	"github.com/MrWong99/intervox/pkg/audio/playback"
	"github.com/MrWong99/intervox/pkg/protocol"
)

// Handler receives relay events. Nil fields are skipped. Callbacks run on the
// goroutine that called [Client.Run] and must not block for long.
type Handler struct {
	Ready          func()
	UserSpeaking   func(speaking bool)
	UserTranscript func(text string, final bool)
	AIResponse     func(delta string)
	AIResponseDone func(text string, followups int)
	AITurnComplete func()
	AIInterrupted  func()
	AutoAdvance    func(reason string)
	TurnClosed     func(turnID, reason string)
	AnswerFeedback func(turnID string, fb protocol.Feedback)
	Error          func(message string)
}

// Option configures a [Client].
type Option func(*Client)

// WithHandler sets the event callbacks.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithPlayback plays ai_audio fragments through q and flushes it when the
// relay reports an interruption.
func WithPlayback(q *playback.Queue) Option {
	return func(c *Client) { c.playback = q }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDialOptions passes options through to [websocket.Dial].
func WithDialOptions(o *websocket.DialOptions) Option {
	return func(c *Client) { c.dialOpts = o }
}

// Client is a connected relay session.
type Client struct {
	conn     *websocket.Conn
	rate     int
	handler  Handler
	playback *playback.Queue
	log      *slog.Logger
	dialOpts *websocket.DialOptions

	ready      atomic.Bool
	aiSpeaking atomic.Bool
	dropped    atomic.Int64
}

// Dial connects to the relay at url and announces the capture sample rate.
func Dial(ctx context.Context, url string, sampleRate int, opts ...Option) (*Client, error) {
	c := &Client{rate: sampleRate, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}

	conn, _, err := websocket.Dial(ctx, url, c.dialOpts)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	// ai_audio messages carry base64 PCM and can exceed the 32 KiB default.
	conn.SetReadLimit(4 << 20)
	c.conn = conn

	if err := c.send(ctx, protocol.Config(sampleRate)); err != nil {
		conn.CloseNow()
		return nil, err
	}
	return c, nil
}

// SampleRate reports the announced capture rate.
func (c *Client) SampleRate() int { return c.rate }

// Ready reports whether the relay has signalled ai_ready.
func (c *Client) Ready() bool { return c.ready.Load() }

// AISpeaking reports whether interviewer audio is currently streaming.
func (c *Client) AISpeaking() bool { return c.aiSpeaking.Load() }

// Dropped reports how many audio chunks were held back while the
// interviewer was speaking.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// StartQuestion asks the relay to pose question.
func (c *Client) StartQuestion(ctx context.Context, question string) error {
	return c.send(ctx, protocol.StartQuestion(question))
}

// StopAI interrupts the interviewer and silences local playback at once.
func (c *Client) StopAI(ctx context.Context) error {
	c.interrupt()
	return c.send(ctx, protocol.StopAI())
}

// SubmitAnswer finishes the current answer. transcript may be empty, in which
// case the relay uses its own transcription.
func (c *Client) SubmitAnswer(ctx context.Context, transcript string) error {
	return c.send(ctx, protocol.SubmitAnswer(transcript))
}

// SendAudio forwards one PCM16 chunk. It reports false without error when
// the chunk was held back because the interviewer is speaking.
func (c *Client) SendAudio(ctx context.Context, pcm []byte) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	if c.aiSpeaking.Load() {
		c.dropped.Add(1)
		return false, nil
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return false, fmt.Errorf("client: send audio: %w", err)
	}
	return true, nil
}

// Forward sends frames until the channel closes or ctx is done.
func (c *Client) Forward(ctx context.Context, frames <-chan audio.AudioFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if _, err := c.SendAudio(ctx, f.Data); err != nil {
				return err
			}
		}
	}
}

// Run reads relay events until the connection closes or ctx is done. A
// normal close by the relay returns nil.
func (c *Client) Run(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.log.Warn("client: malformed relay message", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

// Close closes the connection with a normal status.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client done")
}

func (c *Client) send(ctx context.Context, msg protocol.ClientMessage) error {
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("client: send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) interrupt() {
	c.aiSpeaking.Store(false)
	if c.playback != nil {
		c.playback.Flush()
	}
}

func (c *Client) dispatch(msg protocol.ServerMessage) {
	h := c.handler
	switch msg.Type {
	case protocol.TypeAIReady:
		c.ready.Store(true)
		if h.Ready != nil {
			h.Ready()
		}
	case protocol.TypeUserSpeakingStarted, protocol.TypeUserSpeakingStopped:
		if h.UserSpeaking != nil {
			h.UserSpeaking(msg.Type == protocol.TypeUserSpeakingStarted)
		}
	case protocol.TypeUserTranscriptDelta, protocol.TypeUserTranscriptComplete:
		if h.UserTranscript != nil {
			h.UserTranscript(msg.Text, msg.Type == protocol.TypeUserTranscriptComplete)
		}
	case protocol.TypeAIResponseDelta:
		if h.AIResponse != nil {
			h.AIResponse(msg.Text)
		}
	case protocol.TypeAIResponseComplete:
		if h.AIResponseDone != nil {
			n := 0
			if msg.FollowupCount != nil {
				n = *msg.FollowupCount
			}
			h.AIResponseDone(msg.Text, n)
		}
	case protocol.TypeAIAudio:
		pcm, err := msg.PCM()
		if err != nil {
			c.log.Warn("client: bad ai_audio payload", "err", err)
			return
		}
		c.aiSpeaking.Store(true)
		if c.playback != nil {
			if err := c.playback.Enqueue(pcm); err != nil {
				c.log.Debug("client: playback rejected fragment", "err", err)
			}
		}
	case protocol.TypeAIAudioDone:
		c.aiSpeaking.Store(false)
	case protocol.TypeAITurnComplete:
		c.aiSpeaking.Store(false)
		if h.AITurnComplete != nil {
			h.AITurnComplete()
		}
	case protocol.TypeAIInterrupted:
		c.interrupt()
		if h.AIInterrupted != nil {
			h.AIInterrupted()
		}
	case protocol.TypeAutoAdvance:
		if h.AutoAdvance != nil {
			h.AutoAdvance(msg.Reason)
		}
	case protocol.TypeTurnClosed:
		if h.TurnClosed != nil {
			h.TurnClosed(msg.TurnID, msg.Reason)
		}
	case protocol.TypeAnswerFeedback:
		if h.AnswerFeedback != nil && msg.Feedback != nil {
			h.AnswerFeedback(msg.TurnID, *msg.Feedback)
		}
	case protocol.TypeError:
		if h.Error != nil {
			h.Error(msg.Message)
		}
	default:
		c.log.Debug("client: ignoring relay message", "type", msg.Type)
	}
}
