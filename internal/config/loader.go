package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultModel              = "gpt-realtime"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"
	DefaultAnalysisModel      = "gpt-4o-mini"
	DefaultMaxFollowups       = 1
	DefaultCommitDebounce     = 300 * time.Millisecond
	DefaultAutoAdvanceDelay   = 1500 * time.Millisecond
	DefaultTranscriptWait     = 3 * time.Second
	DefaultBatchTargetMs      = 100
	DefaultSampleRate         = 24000
	DefaultMaxBufferedMs      = 5000
	DefaultClosingUtterance   = "Thank you for your detailed answers."
	DefaultQuestionPrompt     = `Please ask the candidate this interview question exactly as written, then stop and wait: "{question}"`
	DefaultQuestionMaxTokens  = 100
	DefaultReplyMaxTokens     = 150
	DefaultOutboxSize         = 256
	DefaultMinLength          = 5
	DefaultInstructions       = "You are a professional job interviewer. Ask exactly the question you are given. " +
		"After the candidate answers, either ask one short, relevant follow-up question or briefly acknowledge the answer. " +
		"Never answer the question yourself and never move on to a new topic."
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	rt := &cfg.Realtime
	if rt.Model == "" {
		rt.Model = DefaultModel
	}
	if rt.Voice == "" {
		rt.Voice = DefaultVoice
	}
	if rt.TranscriptionModel == "" {
		rt.TranscriptionModel = DefaultTranscriptionModel
	}
	if rt.Instructions == "" {
		rt.Instructions = DefaultInstructions
	}
	if rt.VAD.Threshold == 0 {
		rt.VAD.Threshold = 0.6
	}
	if rt.VAD.PrefixPaddingMs == 0 {
		rt.VAD.PrefixPaddingMs = 300
	}
	if rt.VAD.SilenceDurationMs == 0 {
		rt.VAD.SilenceDurationMs = 700
	}
	if rt.DialTimeout == 0 {
		rt.DialTimeout = 10 * time.Second
	}

	t := &cfg.Turn
	if t.MaxFollowups == nil {
		n := DefaultMaxFollowups
		t.MaxFollowups = &n
	}
	if t.CommitDebounce == 0 {
		t.CommitDebounce = DefaultCommitDebounce
	}
	if t.AutoAdvanceDelay == 0 {
		t.AutoAdvanceDelay = DefaultAutoAdvanceDelay
	}
	if t.TranscriptWait == 0 {
		t.TranscriptWait = DefaultTranscriptWait
	}
	if t.BatchTargetMs == 0 {
		t.BatchTargetMs = DefaultBatchTargetMs
	}
	if t.DefaultSampleRate == 0 {
		t.DefaultSampleRate = DefaultSampleRate
	}
	if t.MaxBufferedMs == 0 {
		t.MaxBufferedMs = DefaultMaxBufferedMs
	}
	if t.ClosingUtterance == "" {
		t.ClosingUtterance = DefaultClosingUtterance
	}
	if t.QuestionPrompt == "" {
		t.QuestionPrompt = DefaultQuestionPrompt
	}
	if t.QuestionMaxTokens == 0 {
		t.QuestionMaxTokens = DefaultQuestionMaxTokens
	}
	if t.ReplyMaxTokens == 0 {
		t.ReplyMaxTokens = DefaultReplyMaxTokens
	}
	if t.OutboxSize == 0 {
		t.OutboxSize = DefaultOutboxSize
	}

	if cfg.Filter.MinLength == nil {
		n := DefaultMinLength
		cfg.Filter.MinLength = &n
	}

	if cfg.Analysis.Model == "" {
		cfg.Analysis.Model = DefaultAnalysisModel
	}
	if cfg.Analysis.Timeout == 0 {
		cfg.Analysis.Timeout = 30 * time.Second
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "intervox"
	}
	if cfg.Telemetry.TraceSampleRatio == nil {
		r := 1.0
		cfg.Telemetry.TraceSampleRatio = &r
	}
}

// ApplyEnv fills secrets from the environment: OPENAI_API_KEY for the
// Realtime key when unset, and the Realtime key for the analysis key when
// unset. getenv is usually [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = getenv("OPENAI_API_KEY")
	}
	if cfg.Analysis.APIKey == "" {
		cfg.Analysis.APIKey = cfg.Realtime.APIKey
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	// Realtime
	if v := cfg.Realtime.VAD.Threshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("realtime.vad.threshold %.2f is out of range [0, 1]", v))
	}
	if cfg.Realtime.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("realtime.max_output_tokens %d must not be negative", cfg.Realtime.MaxOutputTokens))
	}
	if u := cfg.Realtime.BaseURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Errorf("realtime.base_url %q must use ws:// or wss://", u))
	}

	// Turn
	t := cfg.Turn
	if t.MaxFollowups != nil && *t.MaxFollowups < 0 {
		errs = append(errs, fmt.Errorf("turn.max_followups %d must not be negative", *t.MaxFollowups))
	}
	if t.CommitDebounce < 0 || t.AutoAdvanceDelay < 0 || t.TranscriptWait < 0 {
		errs = append(errs, errors.New("turn.commit_debounce, turn.auto_advance_delay and turn.transcript_wait must not be negative"))
	}
	if t.BatchTargetMs < 0 || t.BatchTargetMs > 1000 {
		errs = append(errs, fmt.Errorf("turn.batch_target_ms %d is out of range [1, 1000]", t.BatchTargetMs))
	}
	if t.DefaultSampleRate < 0 || t.DefaultSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("turn.default_sample_rate %d is out of range", t.DefaultSampleRate))
	}
	if t.MaxBufferedMs < 0 {
		errs = append(errs, fmt.Errorf("turn.max_buffered_ms %d must not be negative", t.MaxBufferedMs))
	}
	if t.BatchTargetMs > 0 && t.MaxBufferedMs > 0 && t.MaxBufferedMs < t.BatchTargetMs {
		errs = append(errs, fmt.Errorf("turn.max_buffered_ms %d is smaller than turn.batch_target_ms %d", t.MaxBufferedMs, t.BatchTargetMs))
	}
	if t.QuestionPrompt != "" && !strings.Contains(t.QuestionPrompt, "{question}") {
		errs = append(errs, errors.New("turn.question_prompt must contain the {question} placeholder"))
	}
	if t.OutboxSize < 0 {
		errs = append(errs, fmt.Errorf("turn.outbox_size %d must not be negative", t.OutboxSize))
	}

	// Filter
	if cfg.Filter.MinLength != nil && *cfg.Filter.MinLength < 0 {
		errs = append(errs, fmt.Errorf("filter.min_length %d must not be negative", *cfg.Filter.MinLength))
	}
	for i, p := range cfg.Filter.Patterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			errs = append(errs, fmt.Errorf("filter.patterns[%d] %q: %w", i, p, err))
		}
	}

	// Analysis
	if cfg.Analysis.Enabled && cfg.Analysis.Model == "" {
		errs = append(errs, errors.New("analysis.model is required when analysis is enabled"))
	}
	if cfg.Analysis.Timeout < 0 {
		errs = append(errs, errors.New("analysis.timeout must not be negative"))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", *r))
	}

	return errors.Join(errs...)
}
