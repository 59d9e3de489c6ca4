package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls the relay's config file and hands every revision that
// changes an effective setting to a callback. Invalid revisions are logged
// and ignored so the last valid config stays live. Edits that only touch
// comments or formatting are absorbed without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	getenv   func(string) string
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithEnv runs [ApplyEnv] with getenv on every loaded revision.
func WithEnv(getenv func(string) string) WatcherOption {
	return func(w *Watcher) { w.getenv = getenv }
}

// NewWatcher loads path once and starts polling it in the background.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.sum, w.mtime = cfg, sum, mtime

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, sum, mtime, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if sum == w.sum {
		// Touched, same content.
		w.mtime = mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum, w.mtime = cfg, sum, mtime
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config watcher: file changed without effect", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration changed",
		"path", w.path,
		"turn", d.TurnChanged,
		"filter", d.FilterChanged,
		"realtime", d.RealtimeChanged,
		"log_level", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	if w.getenv != nil {
		ApplyEnv(cfg, w.getenv)
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
