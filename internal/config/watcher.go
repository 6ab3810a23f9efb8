package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Watcher reloads a config file when it changes on disk or when [Watcher.Reload]
// is called, and hands every effective change to a callback. It polls the
// file's modification time and size, which works on bind mounts and
// network volumes where file events are unreliable.
//
// The environment overlay is re-applied on every reload, so a variable
// keeps overriding the file. Invalid files are logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	lookuper envconfig.Lookuper
	log      *slog.Logger
	onChange func(old, new *Config)
	reload   chan struct{}

	mu      sync.Mutex
	current *Config
	modTime time.Time
	size    int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookuper sets where environment overrides come from. Default: the
// process environment.
func WithLookuper(l envconfig.Lookuper) WatcherOption {
	return func(w *Watcher) { w.lookuper = l }
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path once and returns a Watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		lookuper: envconfig.OsLookuper(),
		log:      slog.Default(),
		onChange: onChange,
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, info, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.modTime, w.size = cfg, info.ModTime(), info.Size()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running watcher to re-read the file even if it looks
// unchanged, e.g. after SIGHUP or a change to the environment file. It
// does not block.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. The callback runs on Run's goroutine.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx, false)
		case <-w.reload:
			w.check(ctx, true)
		}
	}
}

func (w *Watcher) check(ctx context.Context, force bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modTime) && info.Size() == w.size
	w.mu.Unlock()
	if unchanged && !force {
		return
	}

	cfg, info, err := w.load()
	if err != nil {
		w.log.Warn("config: reload failed, keeping previous configuration", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.modTime, w.size = info.ModTime(), info.Size()
	diff := Diff(old, cfg)
	if diff.Changed() {
		w.current = cfg
	}
	w.mu.Unlock()

	if !diff.Changed() {
		return
	}
	w.log.InfoContext(ctx, "config: configuration reloaded", "path", w.path, "restart_required", diff.Restart)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// load reads the file and runs it through the same pipeline as [Load] with
// the watcher's lookuper.
func (w *Watcher) load() (*Config, os.FileInfo, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := Decode(f)
	if err != nil {
		return nil, nil, err
	}
	if err := ApplyEnv(context.Background(), cfg, w.lookuper); err != nil {
		return nil, nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, info, nil
}
