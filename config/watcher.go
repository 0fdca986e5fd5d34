package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher calls a reload function whenever a file changes. Bursts of events
// are debounced into a single reload.
//
// The parent directory is watched rather than the file itself so that
// editors which save by renaming a temporary file keep triggering reloads.
type Watcher struct {
	path     string
	reload   func() error
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
	once sync.Once
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets the quiet period before a reload. Default 500ms.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the watcher logger.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watch starts watching path. reload runs on the watcher's goroutine; an
// error from it is logged and the previous state stays in effect.
func Watch(path string, reload func() error, opts ...WatchOption) (*Watcher, error) {
	if reload == nil {
		return nil, errors.New("config: reload func is nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &Watcher{
		path:     abs,
		reload:   reload,
		logger:   slog.Default(),
		debounce: 500 * time.Millisecond,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	select {
	case <-w.done:
		return
	default:
	}
	w.logger.Info("file changed, reloading", "path", w.path)
	if err := w.reload(); err != nil {
		w.logger.Error("reload failed; keeping previous state", "path", w.path, "error", err)
		return
	}
	w.logger.Info("reload complete", "path", w.path)
}

// Close stops watching. Pending reloads are dropped.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

// WatchConfig reloads the configuration at path on change and hands every
// valid new configuration to fn. Invalid edits are logged and ignored.
func WatchConfig(path string, fn func(*Config), opts ...WatchOption) (*Watcher, error) {
	return Watch(path, func() error {
		cfg, err := Load(path)
		if err != nil {
			return err
		}
		fn(cfg)
		return nil
	}, opts...)
}
