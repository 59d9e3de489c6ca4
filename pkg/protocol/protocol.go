// Package protocol defines the JSON control messages exchanged between the
// relay server and its downstream clients.
//
// Audio from the client travels as raw little-endian PCM16 in binary
// WebSocket frames and is never wrapped in a control envelope. Every text
// frame is a JSON object carrying a "type" discriminator. Synthesised reply
// audio travels back as base64 inside an [TypeAIAudio] message.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by [DecodeClient] for a well-formed message whose
// type is not part of the client catalogue.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ── Client → server ───────────────────────────────────────────────────────────

// Client message types.
const (
	TypeConfig        = "config"
	TypeStartQuestion = "start_question"
	TypeStopAI        = "stop_ai"
	TypeSubmitAnswer  = "submit_answer"
)

// ClientMessage is a decoded control message sent by the client. Only the
// fields relevant to Type are populated.
type ClientMessage struct {
	Type string `json:"type"`

	// config
	SampleRate int `json:"sampleRate,omitempty"`

	// start_question
	Question string `json:"question,omitempty"`

	// submit_answer; optional client-side transcript that overrides the
	// accumulated upstream transcription when non-empty.
	Transcript string `json:"transcript,omitempty"`
}

// DecodeClient parses a text frame into a ClientMessage and checks the
// fields each type requires.
func DecodeClient(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: decode: %w", err)
	}
	switch msg.Type {
	case TypeConfig:
		if msg.SampleRate <= 0 {
			return msg, fmt.Errorf("protocol: config: invalid sampleRate %d", msg.SampleRate)
		}
	case TypeStartQuestion:
		if msg.Question == "" {
			return msg, errors.New("protocol: start_question: question is required")
		}
	case TypeStopAI, TypeSubmitAnswer:
	default:
		return msg, fmt.Errorf("%w %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// Config builds a config message announcing the client's capture rate.
func Config(sampleRate int) ClientMessage {
	return ClientMessage{Type: TypeConfig, SampleRate: sampleRate}
}

// StartQuestion builds a start_question message.
func StartQuestion(question string) ClientMessage {
	return ClientMessage{Type: TypeStartQuestion, Question: question}
}

// StopAI builds a stop_ai message.
func StopAI() ClientMessage { return ClientMessage{Type: TypeStopAI} }

// SubmitAnswer builds a submit_answer message. transcript may be empty.
func SubmitAnswer(transcript string) ClientMessage {
	return ClientMessage{Type: TypeSubmitAnswer, Transcript: transcript}
}

// ── Server → client ───────────────────────────────────────────────────────────

// Server message types.
const (
	TypeAIReady                = "ai_ready"
	TypeUserTranscriptDelta    = "user_transcript_delta"
	TypeUserTranscriptComplete = "user_transcript_complete"
	TypeAIResponseDelta        = "ai_response_delta"
	TypeAIResponseComplete     = "ai_response_complete"
	TypeAIAudio                = "ai_audio"
	TypeAIAudioDone            = "ai_audio_done"
	TypeAITurnComplete         = "ai_turn_complete"
	TypeAutoAdvance            = "auto_advance"
	TypeError                  = "error"
	TypeUserSpeakingStarted    = "user_speaking_started"
	TypeUserSpeakingStopped    = "user_speaking_stopped"
	TypeAIInterrupted          = "ai_interrupted"
	TypeTurnClosed             = "turn_closed"
	TypeAnswerFeedback         = "answer_feedback"
)

// Reasons carried by auto_advance and turn_closed.
const (
	ReasonMaxFollowups = "max_followups"
	ReasonSubmitted    = "submitted"
)

// Feedback is the analysis result for one answered question.
type Feedback struct {
	Score        int      `json:"score"`
	Summary      string   `json:"summary"`
	Strengths    []string `json:"strengths,omitempty"`
	Improvements []string `json:"improvements,omitempty"`
}

// ServerMessage is a control message sent to the client.
type ServerMessage struct {
	Type string `json:"type"`

	// ai_response_complete
	FollowupCount *int `json:"followup_count,omitempty"`

	// user_transcript_*, ai_response_*
	Text string `json:"text,omitempty"`

	// ai_audio, base64 PCM16 at the upstream output rate
	Audio string `json:"audio,omitempty"`

	// auto_advance, turn_closed
	Reason string `json:"reason,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// turn_closed, answer_feedback
	TurnID string `json:"turn_id,omitempty"`

	// answer_feedback
	Feedback *Feedback `json:"feedback,omitempty"`
}

// DecodeServer parses a text frame sent by the relay.
func DecodeServer(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if msg.Type == "" {
		return msg, errors.New("protocol: missing type")
	}
	return msg, nil
}

// PCM returns the decoded audio payload of an ai_audio message.
func (m ServerMessage) PCM() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, fmt.Errorf("protocol: ai_audio: %w", err)
	}
	return pcm, nil
}

// Simple builds a message that carries only a type.
func Simple(typ string) ServerMessage { return ServerMessage{Type: typ} }

// TextMessage builds a transcript or response text message.
func TextMessage(typ, text string) ServerMessage {
	return ServerMessage{Type: typ, Text: text}
}

// AIAudio wraps a PCM16 fragment.
func AIAudio(pcm []byte) ServerMessage {
	return ServerMessage{Type: TypeAIAudio, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

// AIResponseComplete reports the finished reply text together with the
// follow-up count after it was evaluated.
func AIResponseComplete(text string, followupCount int) ServerMessage {
	return ServerMessage{Type: TypeAIResponseComplete, Text: text, FollowupCount: &followupCount}
}

// AutoAdvance tells the client to move to the next question.
func AutoAdvance(reason string) ServerMessage {
	return ServerMessage{Type: TypeAutoAdvance, Reason: reason}
}

// Error builds an error notification.
func Error(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}

// TurnClosed reports that a turn was handed off.
func TurnClosed(turnID, reason string) ServerMessage {
	return ServerMessage{Type: TypeTurnClosed, TurnID: turnID, Reason: reason}
}

// AnswerFeedback carries the analysis for a closed turn.
func AnswerFeedback(turnID string, fb Feedback) ServerMessage {
	return ServerMessage{Type: TypeAnswerFeedback, TurnID: turnID, Feedback: &fb}
}
