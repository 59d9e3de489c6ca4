// Package analysis turns a finished answer into interview feedback.
//
// The relay calls an [Analyzer] asynchronously after a turn closes. [OpenAI]
// asks a chat-completion model to grade the answer and reply with a JSON
// object; [Guarded] adds a timeout, circuit breakers and optional fallback
// models on top of any set of analyzers.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/intervox/internal/resilience"
	"github.com/MrWong99/intervox/pkg/protocol"
)

// ErrNoFeedback is returned when the model reply holds no usable JSON.
var ErrNoFeedback = errors.New("analysis: no feedback in model reply")

// ErrUnavailable is reported by [Guarded.Check] while every backend's
// breaker is open.
var ErrUnavailable = errors.New("analysis: every model is unavailable")

// Request is the input to an analysis.
type Request struct {
	Question   string
	Transcript string
	Followups  []string
}

// Analyzer grades one answer. Implementations must be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (protocol.Feedback, error)
}

const systemPrompt = `You are an experienced technical interviewer reviewing a candidate's spoken answer.
Grade the answer from 0 to 10 and reply with a single JSON object and nothing else:
{"score": <int>, "summary": "<two sentences>", "strengths": ["..."], "improvements": ["..."]}
If the answer is empty or off-topic, give a score of 0 and say so in the summary.`

// ── OpenAI ────────────────────────────────────────────────────────────────────

type config struct {
	baseURL    string
	timeout    time.Duration
	maxTokens  int
	httpClient *http.Client
}

// Option is a functional option for [OpenAI].
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient sets the HTTP client used for API calls, for example one
// with an instrumented transport. A [WithTimeout] value is applied on top.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithMaxTokens caps the completion length. Default: 400.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

// OpenAI is an [Analyzer] backed by the Chat Completions API.
type OpenAI struct {
	client    oai.Client
	model     string
	maxTokens int
}

var _ Analyzer = (*OpenAI)(nil)

// NewOpenAI constructs an OpenAI analyzer.
func NewOpenAI(apiKey, model string, opts ...Option) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("analysis: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("analysis: model must not be empty")
	}

	cfg := &config{maxTokens: 400}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil || cfg.timeout > 0 {
		hc := &http.Client{}
		if cfg.httpClient != nil {
			*hc = *cfg.httpClient
		}
		if cfg.timeout > 0 {
			hc.Timeout = cfg.timeout
		}
		reqOpts = append(reqOpts, option.WithHTTPClient(hc))
	}

	return &OpenAI{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		maxTokens: cfg.maxTokens,
	}, nil
}

// Analyze implements [Analyzer].
func (a *OpenAI) Analyze(ctx context.Context, req Request) (protocol.Feedback, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(userPrompt(req)),
		},
	}
	if a.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(a.maxTokens))
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return protocol.Feedback{}, fmt.Errorf("analysis: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return protocol.Feedback{}, fmt.Errorf("analysis: completion: no choices returned")
	}
	return ParseFeedback(resp.Choices[0].Message.Content)
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", req.Question)
	for _, f := range req.Followups {
		fmt.Fprintf(&b, "Follow-up asked: %s\n", f)
	}
	transcript := strings.TrimSpace(req.Transcript)
	if transcript == "" {
		transcript = "(no answer given)"
	}
	fmt.Fprintf(&b, "Candidate answer: %s\n", transcript)
	return b.String()
}

// ParseFeedback extracts the first JSON object from content. Models sometimes
// wrap the object in prose or code fences, so everything outside the outermost
// braces is ignored. The score is clamped to 0..10.
func ParseFeedback(content string) (protocol.Feedback, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return protocol.Feedback{}, ErrNoFeedback
	}
	var fb protocol.Feedback
	if err := json.Unmarshal([]byte(content[start:end+1]), &fb); err != nil {
		return protocol.Feedback{}, fmt.Errorf("%w: %v", ErrNoFeedback, err)
	}
	fb.Score = min(max(fb.Score, 0), 10)
	fb.Summary = strings.TrimSpace(fb.Summary)
	return fb, nil
}

// ── Guarded ───────────────────────────────────────────────────────────────────

// Guarded wraps one or more analyzers with a per-call timeout and a circuit
// breaker per analyzer. Analyzers are tried in the order given.
type Guarded struct {
	backends *resilience.Failover[Analyzer]
	timeout  time.Duration
}

var _ Analyzer = (*Guarded)(nil)

// Backend names one analyzer in a [Guarded] chain.
type Backend struct {
	Name     string
	Analyzer Analyzer
}

// NewGuarded builds a Guarded analyzer. backends must not be empty. A zero
// timeout disables the per-call deadline.
func NewGuarded(timeout time.Duration, breaker resilience.CircuitBreakerConfig, backends ...Backend) (*Guarded, error) {
	if len(backends) == 0 {
		return nil, errors.New("analysis: no backends")
	}
	f := resilience.NewFailover(backends[0].Name, backends[0].Analyzer, breaker)
	for _, b := range backends[1:] {
		f.Add(b.Name, b.Analyzer)
	}
	return &Guarded{backends: f, timeout: timeout}, nil
}

// Analyze implements [Analyzer].
func (g *Guarded) Analyze(ctx context.Context, req Request) (protocol.Feedback, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return resilience.Do(ctx, g.backends, func(ctx context.Context, a Analyzer) (protocol.Feedback, error) {
		return a.Analyze(ctx, req)
	})
}

// Check reports [ErrUnavailable] when no backend would currently be tried.
func (g *Guarded) Check(context.Context) error {
	if g.backends.Available() == 0 {
		return ErrUnavailable
	}
	return nil
}
