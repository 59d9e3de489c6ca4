// Package app wires the intervox relay server together.
//
// The App struct owns the full lifecycle: New creates the answer store, the
// analyzer and the Realtime dialer from the config, Run serves HTTP until the
// context ends, and Shutdown drains relay sessions and tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithStore, WithDialer,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/intervox/internal/analysis"
	"github.com/MrWong99/intervox/internal/config"
	"github.com/MrWong99/intervox/internal/health"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/relay"
	"github.com/MrWong99/intervox/internal/resilience"
	"github.com/MrWong99/intervox/internal/store"
	"github.com/MrWong99/intervox/internal/store/postgres"
	"github.com/MrWong99/intervox/internal/transcript"
	"github.com/MrWong99/intervox/pkg/realtime"
)

// readHeaderTimeout bounds reading request headers, including the WebSocket
// upgrade request.
const readHeaderTimeout = 10 * time.Second

// Dialer opens one upstream Realtime connection per relay session.
type Dialer interface {
	Dial(ctx context.Context, cfg realtime.SessionConfig) (relay.Upstream, error)
}

// DialFunc adapts a function to [Dialer].
type DialFunc func(ctx context.Context, cfg realtime.SessionConfig) (relay.Upstream, error)

// Dial implements [Dialer].
func (f DialFunc) Dial(ctx context.Context, cfg realtime.SessionConfig) (relay.Upstream, error) {
	return f(ctx, cfg)
}

// App owns all subsystem lifetimes of the relay server.
type App struct {
	mu     sync.RWMutex
	cfg    *config.Config
	filter *transcript.Filter

	store          store.Store
	analyzer       analysis.Analyzer
	dialer         Dialer
	httpClient     *http.Client
	breaker        *resilience.CircuitBreaker
	metrics        *observe.Metrics
	metricsHandler http.Handler
	sessions       *SessionManager
	health         *health.Handler
	server         *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects an answer store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAnalyzer injects an analyzer instead of creating one from config.
func WithAnalyzer(an analysis.Analyzer) Option {
	return func(a *App) { a.analyzer = an }
}

// WithDialer replaces the OpenAI Realtime dialer.
func WithDialer(d Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics. Without it the
// route is not registered.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithHTTPClient sets the HTTP client used for outbound calls (Realtime
// handshake, analysis API).
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from a validated config. New performs all
// initialisation synchronously: store connection and migration, analyzer
// construction and filter compilation.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Answer store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Analyzer ──────────────────────────────────────────────────────
	if err := a.initAnalyzer(); err != nil {
		return nil, fmt.Errorf("app: init analyzer: %w", err)
	}

	// ── 3. Transcript filter ─────────────────────────────────────────────
	f, err := buildFilter(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("app: init filter: %w", err)
	}
	a.filter = f

	// ── 4. Realtime dialer ───────────────────────────────────────────────
	if a.dialer == nil {
		a.dialer = DialFunc(a.dialRealtime)
	}
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "realtime",
		OnStateChange: a.onBreakerChange,
	})

	// ── 5. Sessions + health ─────────────────────────────────────────────
	a.sessions = NewSessionManager(cfg.Server.MaxSessions)
	a.health = health.New(a.checkers()...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the PostgreSQL store when a DSN is configured and falls
// back to memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Info("no postgres_dsn configured, keeping answers in memory")
		a.store = store.NewMemStore()
		return nil
	}

	pg, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initAnalyzer builds the primary model and its fallbacks behind a
// [analysis.Guarded] chain.
func (a *App) initAnalyzer() error {
	if a.analyzer != nil || !a.cfg.Analysis.Enabled {
		return nil
	}
	ac := a.cfg.Analysis

	var opts []analysis.Option
	if ac.BaseURL != "" {
		opts = append(opts, analysis.WithBaseURL(ac.BaseURL))
	}
	if a.httpClient != nil {
		opts = append(opts, analysis.WithHTTPClient(a.httpClient))
	}

	models := append([]string{ac.Model}, ac.FallbackModels...)
	backends := make([]analysis.Backend, 0, len(models))
	for _, model := range models {
		an, err := analysis.NewOpenAI(ac.APIKey, model, opts...)
		if err != nil {
			return fmt.Errorf("model %q: %w", model, err)
		}
		backends = append(backends, analysis.Backend{Name: "analysis/" + model, Analyzer: an})
	}

	g, err := analysis.NewGuarded(ac.Timeout, resilience.CircuitBreakerConfig{
		OnStateChange: a.onBreakerChange,
	}, backends...)
	if err != nil {
		return err
	}
	a.analyzer = g
	slog.Info("answer analysis enabled", "model", ac.Model, "fallbacks", len(ac.FallbackModels))
	return nil
}

// checkers returns the readiness probes for the configured dependencies.
func (a *App) checkers() []health.Checker {
	checks := []health.Checker{{
		Name: "realtime",
		Check: func(context.Context) error {
			if a.breaker.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	}}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "store", Check: p.Ping})
	}
	if c, ok := a.analyzer.(interface{ Check(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "analysis", Check: c.Check, Optional: true})
	}
	return checks
}

func (a *App) onBreakerChange(name string, from, to resilience.State) {
	slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

func buildFilter(fc config.FilterConfig) (*transcript.Filter, error) {
	patterns := fc.Patterns
	if len(patterns) == 0 {
		patterns = transcript.DefaultPatterns()
	}
	minLength := transcript.DefaultMinLength
	if fc.MinLength != nil {
		minLength = *fc.MinLength
	}
	return transcript.New(patterns, minLength)
}

// ─── Configuration ───────────────────────────────────────────────────────────

// Config returns the configuration new sessions are created with.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *App) snapshot() (*config.Config, *transcript.Filter) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg, a.filter
}

// Reload swaps in a new configuration for sessions opened from now on.
// Running sessions keep the settings they started with. Sections that need
// a restart are logged and otherwise ignored until then.
func (a *App) Reload(next *config.Config) (config.ConfigDiff, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.Empty() {
		return d, nil
	}

	filter := a.filter
	if d.FilterChanged {
		f, err := buildFilter(next.Filter)
		if err != nil {
			return d, fmt.Errorf("app: reload filter: %w", err)
		}
		filter = f
	}

	if d.RestartRequired {
		slog.Warn("config change needs a restart to take effect")
		merged := *next
		merged.Server = a.cfg.Server
		merged.Server.LogLevel = next.Server.LogLevel
		merged.Store = a.cfg.Store
		merged.Analysis = a.cfg.Analysis
		merged.Telemetry = a.cfg.Telemetry
		next = &merged
	}

	a.cfg = next
	a.filter = filter
	slog.Info("configuration reloaded",
		"turn", d.TurnChanged,
		"filter", d.FilterChanged,
		"realtime", d.RealtimeChanged,
	)
	return d, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the listener fails. When ctx is done, Run returns
// context.Canceled (or the underlying cause); call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	sc := a.Config().Server
	a.server = &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		if sc.TLS != nil {
			errc <- a.server.ListenAndServeTLS(sc.TLS.CertFile, sc.TLS.KeyFile)
			return
		}
		errc <- a.server.ListenAndServe()
	}()
	slog.Info("relay server listening", "addr", sc.ListenAddr, "tls", sc.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, waits for relay sessions to finish
// and closes the store. It respects the context deadline: sessions still
// running when ctx expires are cancelled, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))
		a.health.SetDraining(true)

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		if err := a.sessions.Shutdown(ctx); err != nil {
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
