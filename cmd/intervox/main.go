// Command intervox is the relay server that bridges interview clients to the
// OpenAI Realtime API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/intervox/internal/app"
	"github.com/MrWong99/intervox/internal/config"
	"github.com/MrWong99/intervox/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "intervox: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "intervox: %v\n", err)
		}
		return 1
	}
	config.ApplyEnv(cfg, os.Getenv)
	if cfg.Realtime.APIKey == "" {
		fmt.Fprintln(os.Stderr, "intervox: no Realtime API key; set realtime.api_key or OPENAI_API_KEY")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("intervox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    *cfg.Telemetry.TraceSampleRatio,
		Registerer:     reg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		app.WithHTTPClient(httpClient),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		diff, err := application.Reload(next)
		if err != nil {
			slog.Error("config reload rejected", "err", err)
			return
		}
		if diff.LogLevelChanged {
			level.Set(slogLevel(next.Server.LogLevel))
		}
		slog.Info("config reloaded",
			"turn", diff.TurnChanged,
			"filter", diff.FilterChanged,
			"realtime", diff.RealtimeChanged,
			"restart_required", diff.RestartRequired,
		)
	}, config.WithEnv(os.Getenv))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, draining sessions")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        intervox: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Model", cfg.Realtime.Model)
	printRow("Voice", cfg.Realtime.Voice)
	printRow("Transcription", cfg.Realtime.TranscriptionModel)
	printRow("Follow-ups", fmt.Sprintf("%d per question", cfg.Turn.Followups()))
	if cfg.Store.PostgresDSN != "" {
		printRow("Answer store", "postgres")
	} else {
		printRow("Answer store", "memory")
	}
	if cfg.Analysis.Enabled {
		printRow("Analysis", cfg.Analysis.Model)
	} else {
		printRow("Analysis", "(disabled)")
	}
	if cfg.Server.MaxSessions > 0 {
		printRow("Max sessions", fmt.Sprintf("%d", cfg.Server.MaxSessions))
	} else {
		printRow("Max sessions", "(unlimited)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
