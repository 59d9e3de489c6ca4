// Package config provides the configuration schema, loader and hot-reload
// watcher for the intervox relay server.
package config

import "time"

// LogLevel controls log verbosity for the relay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Turn      TurnConfig      `yaml:"turn"`
	Filter    FilterConfig    `yaml:"filter"`
	Store     StoreConfig     `yaml:"store"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns accepted on the WebSocket upgrade in
	// addition to the request's own host. "*" disables the origin check.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxSessions caps concurrent relay sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RealtimeConfig configures the upstream OpenAI Realtime session. Changes
// apply to sessions opened after a reload.
type RealtimeConfig struct {
	// APIKey authenticates against the Realtime API. Falls back to the
	// OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the Realtime WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the Realtime model. Default: gpt-realtime.
	Model string `yaml:"model"`

	// Voice is the synthesised interviewer voice. Default: alloy.
	Voice string `yaml:"voice"`

	// Instructions is the session-level system prompt.
	Instructions string `yaml:"instructions"`

	// TranscriptionModel enables input transcription. Default: whisper-1.
	TranscriptionModel string `yaml:"transcription_model"`

	// Temperature is the sampling temperature. Zero leaves the server default.
	Temperature float64 `yaml:"temperature"`

	// MaxOutputTokens caps every reply. Zero leaves the server default.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// VAD tunes server-side voice activity detection.
	VAD VADConfig `yaml:"vad"`

	// DialTimeout bounds the upstream handshake. Default: 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// VADConfig tunes server VAD.
type VADConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// TurnConfig is the turn-taking policy. Hot-reloadable for new sessions.
type TurnConfig struct {
	// MaxFollowups is the follow-up quota per question. Default: 1.
	MaxFollowups *int `yaml:"max_followups"`

	// CommitDebounce delays the commit after speech stops. Default: 300ms.
	CommitDebounce time.Duration `yaml:"commit_debounce"`

	// AutoAdvanceDelay is the pause between the closing utterance and the
	// auto_advance notification. Default: 1500ms.
	AutoAdvanceDelay time.Duration `yaml:"auto_advance_delay"`

	// TranscriptWait bounds how long submit_answer waits for the
	// transcription of its final commit before closing the turn. Default: 3s.
	TranscriptWait time.Duration `yaml:"transcript_wait"`

	// BatchTargetMs is the audio duration per upstream append. Default: 100.
	BatchTargetMs int `yaml:"batch_target_ms"`

	// DefaultSampleRate is assumed until the client sends config. Default: 24000.
	DefaultSampleRate int `yaml:"default_sample_rate"`

	// MaxBufferedMs bounds audio held while upstream is not ready. Default: 5000.
	MaxBufferedMs int `yaml:"max_buffered_ms"`

	// ClosingUtterance is spoken when the quota is exhausted.
	ClosingUtterance string `yaml:"closing_utterance"`

	// QuestionPrompt wraps the question text; "{question}" is replaced.
	QuestionPrompt string `yaml:"question_prompt"`

	// QuestionMaxTokens caps the reply that reads the question. Default: 100.
	QuestionMaxTokens int `yaml:"question_max_tokens"`

	// ReplyMaxTokens caps follow-up replies. Default: 150.
	ReplyMaxTokens int `yaml:"reply_max_tokens"`

	// OutboxSize bounds each per-session write queue. Default: 256.
	OutboxSize int `yaml:"outbox_size"`
}

// Followups returns the effective follow-up quota.
func (t TurnConfig) Followups() int {
	if t.MaxFollowups == nil {
		return DefaultMaxFollowups
	}
	return *t.MaxFollowups
}

// FilterConfig configures the transcript blocklist. Hot-reloadable.
type FilterConfig struct {
	// MinLength rejects shorter transcripts. Default: 5.
	MinLength *int `yaml:"min_length"`

	// Patterns are case-insensitive regular expressions evaluated in order.
	// When empty, the built-in list is used.
	Patterns []string `yaml:"patterns"`
}

// StoreConfig selects the answer store.
type StoreConfig struct {
	// PostgresDSN enables the PostgreSQL store. Empty keeps answers in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// AnalysisConfig configures answer analysis.
type AnalysisConfig struct {
	// Enabled turns analysis on.
	Enabled bool `yaml:"enabled"`

	// APIKey defaults to the Realtime API key.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the OpenAI REST endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the primary grading model. Default: gpt-4o-mini.
	Model string `yaml:"model"`

	// FallbackModels are tried in order when the primary keeps failing.
	FallbackModels []string `yaml:"fallback_models"`

	// Timeout bounds one analysis. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: intervox.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio samples traces. Default: 1.0.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}
