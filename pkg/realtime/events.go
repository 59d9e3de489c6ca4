package realtime

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ── Client events (outgoing) ──────────────────────────────────────────────────

// ClientEvent is a message the relay sends to the Realtime API. Concrete
// values are created with the constructors in this file and marshalled to
// JSON as-is.
type ClientEvent interface {
	EventType() string
}

// Client event types.
const (
	TypeSessionUpdate = "session.update"
	TypeAppendAudio   = "input_audio_buffer.append"
	TypeCommit        = "input_audio_buffer.commit"
	TypeClear         = "input_audio_buffer.clear"
	TypeItemCreate    = "conversation.item.create"
	TypeResponseNew   = "response.create"
	TypeCancel        = "response.cancel"
)

// VAD configures server-side voice activity detection.
type VAD struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// SessionConfig is the negotiated configuration sent in session.update.
type SessionConfig struct {
	Voice              string
	Instructions       string
	TranscriptionModel string
	Temperature        float64
	MaxOutputTokens    int
	VAD                VAD
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

func (sessionUpdate) EventType() string { return TypeSessionUpdate }

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection        `json:"turn_detection"`
	Temperature             float64              `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

// turnDetection keeps server VAD for speech_started/speech_stopped but leaves
// committing, replying and interrupting to the relay.
type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

// SessionUpdate builds the session.update event for cfg. Audio is always
// PCM16 in both directions.
func SessionUpdate(cfg SessionConfig) ClientEvent {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VAD.Threshold,
			PrefixPaddingMs:   cfg.VAD.PrefixPaddingMs,
			SilenceDurationMs: cfg.VAD.SilenceDurationMs,
		},
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxOutputTokens,
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	return sessionUpdate{Type: TypeSessionUpdate, Session: params}
}

// AppendEvent carries one batch of PCM16 audio.
type AppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

func (AppendEvent) EventType() string { return TypeAppendAudio }

// AppendAudio builds an input_audio_buffer.append event for pcm.
func AppendAudio(pcm []byte) AppendEvent {
	return AppendEvent{Type: TypeAppendAudio, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

// PCM returns the decoded audio payload.
func (e AppendEvent) PCM() []byte {
	pcm, _ := base64.StdEncoding.DecodeString(e.Audio)
	return pcm
}

type bareEvent struct {
	Type string `json:"type"`
}

func (e bareEvent) EventType() string { return e.Type }

// Commit builds input_audio_buffer.commit.
func Commit() ClientEvent { return bareEvent{Type: TypeCommit} }

// Clear builds input_audio_buffer.clear.
func Clear() ClientEvent { return bareEvent{Type: TypeClear} }

// CancelResponse builds response.cancel.
func CancelResponse() ClientEvent { return bareEvent{Type: TypeCancel} }

// ItemEvent injects a conversation item.
type ItemEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

func (ItemEvent) EventType() string { return TypeItemCreate }

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CreateUserText builds a conversation.item.create event carrying a user text
// message.
func CreateUserText(text string) ItemEvent {
	return ItemEvent{
		Type: TypeItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
}

// Text returns the text of the first content part.
func (e ItemEvent) Text() string {
	if len(e.Item.Content) == 0 {
		return ""
	}
	return e.Item.Content[0].Text
}

// ResponseOptions tunes a single response.create request.
type ResponseOptions struct {
	Modalities      []string `json:"modalities,omitempty"`
	Instructions    string   `json:"instructions,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}

// ResponseEvent requests a reply.
type ResponseEvent struct {
	Type     string          `json:"type"`
	Response ResponseOptions `json:"response"`
}

func (ResponseEvent) EventType() string { return TypeResponseNew }

// CreateResponse builds response.create. Empty modalities default to text and
// audio.
func CreateResponse(opts ResponseOptions) ResponseEvent {
	if len(opts.Modalities) == 0 {
		opts.Modalities = []string{"text", "audio"}
	}
	return ResponseEvent{Type: TypeResponseNew, Response: opts}
}

// ── Server events (incoming) ──────────────────────────────────────────────────

// Server event types consumed by the relay.
const (
	EventSessionCreated        = "session.created"
	EventSessionUpdated        = "session.updated"
	EventSpeechStarted         = "input_audio_buffer.speech_started"
	EventSpeechStopped         = "input_audio_buffer.speech_stopped"
	EventCommitted             = "input_audio_buffer.committed"
	EventTranscriptionDelta    = "conversation.item.input_audio_transcription.delta"
	EventTranscriptionComplete = "conversation.item.input_audio_transcription.completed"
	EventTranscriptionFailed   = "conversation.item.input_audio_transcription.failed"
	EventResponseCreated       = "response.created"
	EventTextDelta             = "response.text.delta"
	EventTextDone              = "response.text.done"
	EventAudioTranscriptDelta  = "response.audio_transcript.delta"
	EventAudioTranscriptDone   = "response.audio_transcript.done"
	EventAudioDelta            = "response.audio.delta"
	EventAudioDone             = "response.audio.done"
	EventResponseDone          = "response.done"
	EventError                 = "error"
)

// Error codes the relay treats as recoverable.
const (
	CodeCommitEmpty     = "input_audio_buffer_commit_empty"
	CodeCancelNotActive = "response_cancel_not_active"
)

// ResponseInfo is the nested response object of response.created and
// response.done.
type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// ErrorDetail represents the nested error object in an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s (%s)", e.Message, e.Code)
	}
	return "realtime: " + e.Message
}

// ServerEvent is a decoded event from the Realtime API. Only the fields
// relevant to Type are populated.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.* deltas and dones
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// response.audio.delta (base64), response.text.delta,
	// response.audio_transcript.delta, input transcription delta
	Delta string `json:"delta,omitempty"`

	// input transcription completed, response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// response.created, response.done
	Response *ResponseInfo `json:"response,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`
}

// ResponseRef returns the id of the response this event belongs to, or "".
func (e *ServerEvent) ResponseRef() string {
	if e.ResponseID != "" {
		return e.ResponseID
	}
	if e.Response != nil {
		return e.Response.ID
	}
	return ""
}

// Audio decodes the base64 delta of a response.audio.delta event.
func (e *ServerEvent) Audio() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(e.Delta)
	if err != nil {
		return nil, fmt.Errorf("realtime: audio delta: %w", err)
	}
	return pcm, nil
}

// IsCommitRejection reports whether e is an error event rejecting a commit
// of an empty or undersized input buffer.
func (e *ServerEvent) IsCommitRejection() bool {
	if e.Type != EventError || e.Error == nil {
		return false
	}
	if e.Error.Code == CodeCommitEmpty {
		return true
	}
	return strings.Contains(strings.ToLower(e.Error.Message), "buffer too small")
}

// IsCancelNotActive reports whether e rejects a response.cancel because no
// response was active. A cancel racing the natural end of a reply produces it.
func (e *ServerEvent) IsCancelNotActive() bool {
	return e.Type == EventError && e.Error != nil && e.Error.Code == CodeCancelNotActive
}
