// Package watcher observes the model cache root and reports model
// directories appearing or disappearing behind a running process.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Watcher watches the cache root non-recursively: events on its direct
// children are model directory changes. It is purely observational;
// sessions are never reloaded from here.
type Watcher struct {
	root        string
	onCreate    func(name string)
	onRemove    func(name string)
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger // optional; when set, logs debug events
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a watcher over the cache root. onCreate fires, debounced,
// when a model directory appears or changes; onRemove fires when one is
// removed. Callbacks receive the model directory's base name.
func New(root string, onCreate, onRemove func(name string), opts ...Option) *Watcher {
	w := &Watcher{
		root:        filepath.Clean(root),
		onCreate:    onCreate,
		onRemove:    onRemove,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher, creating the root if missing. It runs until
// ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if _, err := os.Stat(w.root); os.IsNotExist(err) {
		if err := os.MkdirAll(w.root, 0755); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(w.root); err != nil {
		_ = watcher.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	if w.logger != nil {
		w.logger.Debug("cache watcher starting", zap.String("root", w.root))
	}
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("cache watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if name == "." || strings.HasPrefix(name, ".") {
		return
	}
	if filepath.Dir(filepath.Clean(ev.Name)) != w.root {
		return
	}
	if w.logger != nil {
		w.logger.Debug("cache watcher event", zap.String("op", ev.Op.String()), zap.String("name", name))
	}
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.debounceCreate(name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.cancelDebounce(name)
		if w.onRemove != nil {
			w.onRemove(name)
		}
	}
}

// debounceCreate coalesces the burst of events a download produces into a
// single callback per model directory.
func (w *Watcher) debounceCreate(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[name]; ok {
		t.Stop()
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, name)
		logger := w.logger
		w.mu.Unlock()
		if logger != nil {
			logger.Debug("cache watcher model dir changed (debounced)", zap.String("name", name))
		}
		if w.onCreate != nil {
			w.onCreate(name)
		}
	})
	w.debounceMap[name] = t
}

func (w *Watcher) cancelDebounce(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[name]; ok {
		t.Stop()
		delete(w.debounceMap, name)
	}
}

// Root returns the watched cache root.
func (w *Watcher) Root() string {
	return w.root
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for name, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, name)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
