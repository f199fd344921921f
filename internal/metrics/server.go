package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SessionSource reports which models are currently loaded.
type SessionSource interface {
	LoadedModels() []string
}

// CacheSource reports which models are present in the local cache.
type CacheSource interface {
	ListCached() []string
}

// Server exposes /metrics and /healthz on a localhost listener. It is
// optional; the sidecar runs without it unless an address is configured.
type Server struct {
	sessions SessionSource
	cache    CacheSource
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates an observability server with the given dependencies.
func NewServer(sessions SessionSource, cache CacheSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions: sessions,
		cache:    cache,
		logger:   logger,
	}
}

// Handler builds the router serving the metrics and health endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start starts the listener on addr and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("starting metrics listener", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
	}
	if s.sessions != nil {
		resp["loaded_models"] = s.sessions.LoadedModels()
	}
	if s.cache != nil {
		resp["cached_models"] = s.cache.ListCached()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
