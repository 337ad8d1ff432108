package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval used when none is given.
const DefaultWatchInterval = 5 * time.Second

// ErrWatcherStopped is returned by [Watcher.Reload] after [Watcher.Stop].
var ErrWatcherStopped = errors.New("config: watcher stopped")

// Watcher keeps a config file loaded. It re-reads the file on every tick and
// whenever [Watcher.Reload] is called; when the content changed and still
// validates, the new config becomes current and the change callback runs.
// Broken edits are reported and the last good config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	// reloadMu serialises reloads so callbacks never overlap.
	reloadMu sync.Mutex

	// lastErr belongs to the polling goroutine.
	lastErr string

	mu      sync.Mutex
	current *Config
	digest  [sha256.Size]byte
	stopped bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep the
// default.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for reload messages.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. The initial load must succeed.
// onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, digest, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.digest = cfg, digest

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now. It reports whether a changed config was
// applied; an unchanged file yields false and a nil error. It must not be
// called from the change callback.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return false, ErrWatcherStopped
	}

	cfg, digest, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if digest == w.digest {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.digest = cfg, digest
	w.mu.Unlock()

	w.log.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// Stop ends polling and waits for a running reload. Further calls are
// no-ops. It must not be called from the change callback.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.quit)
	w.mu.Unlock()
	w.wg.Wait()

	// Wait out a Reload started by another goroutine.
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-t.C:
			w.tick()
		}
	}
}

// tick reloads and logs a failure once per distinct error.
func (w *Watcher) tick() {
	_, err := w.Reload()
	switch {
	case errors.Is(err, ErrWatcherStopped):
	case err != nil:
		if msg := err.Error(); msg != w.lastErr {
			w.lastErr = msg
			w.log.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
		}
	default:
		w.lastErr = ""
	}
}

// read loads and validates the file and returns it with its content digest.
func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
