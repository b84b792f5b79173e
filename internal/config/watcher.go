package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors a config file, and the rules overlay it names, for
// changes and calls a callback when either is modified. It uses polling
// (not fsnotify) to keep dependencies minimal.
//
// A change to the rules file alone still produces a callback; old and new
// then compare equal field by field and the callback should reload the
// overlay.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	// last known state of the watched files for change detection
	lastStamp string
	lastHash  [sha256.Size]byte
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

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine.
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

	cfg, hash, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastStamp = w.stamp(cfg)

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the files periodically.
func (w *Watcher) poll() {
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

// check reloads the config if a watched file changed. An invalid config is
// logged and ignored; the previous one stays current.
func (w *Watcher) check() {
	w.mu.Lock()
	prev := w.current
	stamp := w.lastStamp
	w.mu.Unlock()

	// Quick mtime check first to avoid hashing unchanged files.
	if w.stamp(prev) == stamp {
		return
	}

	cfg, hash, err := w.load()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}
	newStamp := w.stamp(cfg)

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched but identical.
		w.lastStamp = newStamp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastStamp = newStamp
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// stamp summarises the modification times of the config file and the rules
// file cfg names. Missing files yield a distinct marker so that deleting
// the rules file counts as a change.
func (w *Watcher) stamp(cfg *Config) string {
	paths := []string{w.path}
	if cfg != nil && cfg.Pipeline.RulesFile != "" {
		paths = append(paths, cfg.Pipeline.RulesFile)
	}
	var b bytes.Buffer
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			b.WriteString("missing;")
			continue
		}
		fmt.Fprintf(&b, "%d:%d;", info.ModTime().UnixNano(), info.Size())
	}
	return b.String()
}

// load reads and validates the config file and hashes it together with the
// rules file it names. If the config is invalid it returns an error and the
// caller keeps the old one.
func (w *Watcher) load() (*Config, [sha256.Size]byte, error) {
	var zeroHash [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, err
	}

	h := sha256.New()
	h.Write(data)
	if cfg.Pipeline.RulesFile != "" {
		rules, err := os.ReadFile(cfg.Pipeline.RulesFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Reported by whoever parses the overlay.
		case err != nil:
			return nil, zeroHash, fmt.Errorf("read rules file: %w", err)
		default:
			h.Write([]byte{0})
			h.Write(rules)
		}
	}

	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return cfg, sum, nil
}
