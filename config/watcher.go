package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the configuration file when it changes and keeps the last
// valid configuration. Only generation settings are meant to be read from
// Current at runtime; listener and storage settings need a restart.
type Watcher struct {
	path    string
	load    func() (*Config, error)
	current atomic.Pointer[Config]

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	onReload func(*Config)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for path. load rebuilds the full configuration
// (file and environment) on every change.
func NewWatcher(path string, initial *Config, load func() (*Config, error)) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:   filepath.Clean(path),
		load:   load,
		ctx:    ctx,
		cancel: cancel,
	}
	w.current.Store(initial)
	return w
}

// Current returns the most recent valid configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnReload registers a callback invoked after a successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	w.onReload = fn
	w.mu.Unlock()
}

// Start begins watching. The parent directory is watched because editors
// often replace files by rename.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.watcher = fsw

	go w.eventLoop()
	slog.Info("config watcher started", "path", w.path)
	return nil
}

func (w *Watcher) Stop() {
	w.cancel()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if w.watcher != nil {
		w.watcher.Close()
	}
	slog.Info("config watcher stopped")
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}

	cfg, err := w.load()
	if err != nil {
		slog.Warn("config reload failed, keeping previous configuration", "path", w.path, "error", err)
		return
	}
	w.current.Store(cfg)

	slog.Info("config reloaded",
		"model", cfg.Upstream.Model,
		"temperature", cfg.Upstream.Temperature,
		"maxTokens", cfg.Upstream.MaxTokens)

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(cfg)
	}
}
