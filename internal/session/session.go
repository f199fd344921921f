// Package session tracks which models are loaded and keeps them alive for
// the lifetime of the process.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akidb/akidb-embed/internal/cache"
	"github.com/akidb/akidb-embed/internal/engine"
	"github.com/akidb/akidb-embed/internal/registry"
)

// ErrModelNotLoaded is returned when a request names a model that has not
// completed a successful load in this process.
var ErrModelNotLoaded = errors.New("model not loaded")

// State describes one model's lifecycle position.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateFailed   State = "failed"
)

// Session is one loaded model: the engine plus identity carried in logs.
type Session struct {
	ID       string
	Model    string
	Engine   *engine.Engine
	LoadedAt time.Time
}

// Config carries the settings every load uses.
type Config struct {
	// AutoDownload permits fetching missing snapshots during load.
	AutoDownload bool
	// Engine is handed to every engine construction.
	Engine engine.Config
}

type modelState struct {
	state   State
	session *Session
	err     error
}

// Registry owns the process's sessions. Loaded sessions are never evicted;
// a failed load stays failed until the next explicit load attempt, which
// starts over from scratch.
type Registry struct {
	cache  *cache.Manager
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*modelState
}

// NewRegistry creates an empty session registry over the given cache.
func NewRegistry(cacheMgr *cache.Manager, cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cache:  cacheMgr,
		cfg:    cfg,
		logger: logger,
		states: make(map[string]*modelState),
	}
}

// Load makes the named model servable. Loading an already loaded model is a
// no-op returning the existing session with alreadyLoaded true. cacheDir,
// when non-empty, overrides the cache root for this load only.
func (r *Registry) Load(ctx context.Context, name, cacheDir string) (sess *Session, alreadyLoaded bool, err error) {
	desc, err := registry.Lookup(name)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	st := r.states[name]
	if st == nil {
		st = &modelState{state: StateUnloaded}
		r.states[name] = st
	}
	if st.state == StateLoaded {
		r.mu.Unlock()
		return st.session, true, nil
	}
	st.state = StateLoading
	st.err = nil
	r.mu.Unlock()

	sess, err = r.load(ctx, desc, cacheDir)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		st.state = StateFailed
		st.err = err
		r.logger.Warn("model load failed", zap.String("model", name), zap.Error(err))
		return nil, false, err
	}
	st.state = StateLoaded
	st.session = sess
	return sess, false, nil
}

func (r *Registry) load(ctx context.Context, desc registry.Descriptor, cacheDir string) (*Session, error) {
	mgr := r.cache
	if cacheDir != "" {
		root, err := cache.ResolveRoot(cacheDir)
		if err != nil {
			return nil, err
		}
		mgr = mgr.WithRoot(root)
	}

	cached, err := mgr.IsCached(desc.Name)
	if err != nil {
		return nil, err
	}
	if !cached && !r.cfg.AutoDownload {
		return nil, fmt.Errorf("%w: %s is not cached and auto_download is disabled",
			cache.ErrFetchFailed, desc.Name)
	}
	dir, err := mgr.EnsureLocal(ctx, desc.Name, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	eng, err := engine.New(dir, desc, r.cfg.Engine, r.logger)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:       uuid.NewString(),
		Model:    desc.Name,
		Engine:   eng,
		LoadedAt: time.Now(),
	}
	r.logger.Info("model loaded",
		zap.String("model", desc.Name),
		zap.String("session_id", sess.ID),
		zap.String("backend", string(eng.BackendKind())),
		zap.Strings("providers", eng.Providers()),
		zap.Int("dimension", eng.Dimension()),
		zap.Duration("elapsed", time.Since(start)))
	return sess, nil
}

// Get returns the session for a loaded model. Anything else, including
// names that failed to load or were never requested, is ErrModelNotLoaded.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[name]
	if st == nil || st.state != StateLoaded {
		return nil, fmt.Errorf("%w: %s (call load_model first)", ErrModelNotLoaded, name)
	}
	return st.session, nil
}

// StateOf reports a model's lifecycle state.
func (r *Registry) StateOf(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.states[name]; st != nil {
		return st.state
	}
	return StateUnloaded
}

// LoadedModels returns the names of loaded models, sorted.
func (r *Registry) LoadedModels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, st := range r.states {
		if st.state == StateLoaded {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LoadedCount returns how many models are currently loaded.
func (r *Registry) LoadedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st.state == StateLoaded {
			n++
		}
	}
	return n
}

// CloseAll releases every loaded engine. The registry is not reusable
// afterwards.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, st := range r.states {
		if st.state != StateLoaded || st.session == nil {
			continue
		}
		if err := st.session.Engine.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", name, err)
		}
		st.state = StateUnloaded
		st.session = nil
	}
	return firstErr
}
