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

// defaultPollInterval is how often the watcher re-checks the file.
const defaultPollInterval = 5 * time.Second

// fingerprint identifies one observed state of the config file. The
// mtime is a cheap first-pass check; the hash decides whether content
// actually changed.
type fingerprint struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls the config file and hands every effective change to an
// apply callback as a [ConfigDiff], so the caller only deals with what
// can be hot-applied. Edits that do not change any setting, such as a
// reformat or a touched mtime, never reach the callback. Polling keeps
// the dependency surface flat compared to inotify wrappers.
type Watcher struct {
	path  string
	every time.Duration
	apply func(ConfigDiff)

	mu   sync.Mutex
	cfg  *Config
	seen fingerprint

	stop chan struct{}
	once sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.every = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it. apply runs
// on the watcher's goroutine for each effective change; it may be nil.
func NewWatcher(path string, apply func(ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:  path,
		every: defaultPollInterval,
		apply: apply,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.snapshot()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.cfg = cfg
	w.seen = fp

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Stop halts polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.refresh()
		}
	}
}

// refresh re-reads the file when it looks changed and applies the diff
// against the current config. An invalid file keeps the old config; the
// broken content is remembered so it warns once, not once per poll.
func (w *Watcher) refresh() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.seen.mtime
	w.mu.Unlock()
	if info.ModTime().Equal(mtime) {
		return
	}

	cfg, fp, err := w.snapshot()
	if err != nil {
		w.mu.Lock()
		alreadyWarned := fp.sum == w.seen.sum
		w.seen = fp
		w.mu.Unlock()
		if !alreadyWarned {
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		}
		return
	}

	w.mu.Lock()
	if fp.sum == w.seen.sum {
		w.seen.mtime = fp.mtime
		w.mu.Unlock()
		return
	}
	old := w.cfg
	w.cfg = cfg
	w.seen = fp
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d == (ConfigDiff{}) {
		slog.Debug("config watcher: file changed but settings did not", "path", w.path)
		return
	}

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.apply != nil {
		w.apply(d)
	}
}

// snapshot reads, hashes, and parses the config file in one pass. The
// fingerprint is valid even when parsing fails, so broken content can be
// remembered without adopting it.
func (w *Watcher) snapshot() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}

	fp := fingerprint{mtime: info.ModTime(), sum: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fp, err
	}
	return cfg, fp, nil
}
