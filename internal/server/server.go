// Package server implements the line-delimited JSON protocol the sidecar
// speaks over stdin and stdout.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/akidb/akidb-embed/internal/cache"
	"github.com/akidb/akidb-embed/internal/engine"
	"github.com/akidb/akidb-embed/internal/metrics"
	"github.com/akidb/akidb-embed/internal/registry"
	"github.com/akidb/akidb-embed/internal/session"
	"github.com/akidb/akidb-embed/internal/tokenize"
	"github.com/akidb/akidb-embed/pkg/utils"
)

// maxLineBytes bounds a single request line. Large embed batches arrive as
// one line, so the limit is generous.
const maxLineBytes = 16 * 1024 * 1024

// Config carries request handling settings.
type Config struct {
	// BatchSize caps embed_batch input counts; zero means unlimited.
	BatchSize int
	// NormalizeDefault applies when a request omits the normalize flag.
	NormalizeDefault bool
}

// Server reads requests one line at a time and answers each before reading
// the next. The backing runtimes are not reentrant, so there is no
// concurrency here on purpose.
type Server struct {
	sessions *session.Registry
	cfg      Config
	logger   *zap.Logger
}

// New creates a protocol server over the given session registry.
func New(sessions *session.Registry, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run serves requests from in until EOF, writing one response line per
// request line to out. Blank lines are skipped. Request errors never stop
// the loop; only a read or write failure does.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	w := bufio.NewWriter(out)

	s.logger.Info("protocol server started")
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := s.handleLine(ctx, line)
		if err := writeResponse(w, resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	s.logger.Info("protocol server stopped")
	return nil
}

func writeResponse(w *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Response{
			Status:  statusError,
			Message: "internal error: response encoding failed",
		})
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) handleLine(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		metrics.RequestsTotal.WithLabelValues("invalid", statusError).Inc()
		return Response{Status: statusError, Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return s.dispatch(ctx, req)
}

// dispatch routes one request and converts any panic into an error
// response. A misbehaving backend must never kill the loop or leave a
// request unanswered.
func (s *Server) dispatch(ctx context.Context, req Request) (resp Response) {
	label := req.Method
	switch label {
	case "ping", "load_model", "embed_batch":
	default:
		label = "unknown"
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request panicked",
				zap.String("method", req.Method), zap.Any("panic", r))
			resp = Response{Status: statusError, Message: fmt.Sprintf("internal error: %v", r)}
		}
		metrics.RequestsTotal.WithLabelValues(label, resp.Status).Inc()
		metrics.RequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	switch req.Method {
	case "ping":
		return Response{Status: statusOK, Message: "pong"}
	case "load_model":
		return s.handleLoadModel(ctx, req.Params)
	case "embed_batch":
		return s.handleEmbedBatch(ctx, req.Params)
	default:
		return Response{Status: statusError, Message: fmt.Sprintf("unknown method: %q", req.Method)}
	}
}

func (s *Server) handleLoadModel(ctx context.Context, p Params) Response {
	if p.Model == "" {
		return Response{Status: statusError, Message: "missing required param: model"}
	}
	s.logger.Debug("load_model request", zap.String("model", p.Model))
	sess, alreadyLoaded, err := s.sessions.Load(ctx, p.Model, p.CacheDir)
	if err != nil {
		return s.errorResponse(err)
	}
	metrics.LoadedSessions.Set(float64(s.sessions.LoadedCount()))
	msg := "model loaded"
	if alreadyLoaded {
		msg = "model already loaded"
	}
	return Response{
		Status:    statusOK,
		Message:   msg,
		Dimension: sess.Engine.Dimension(),
		Providers: sess.Engine.Providers(),
	}
}

func (s *Server) handleEmbedBatch(ctx context.Context, p Params) Response {
	if p.Model == "" {
		return Response{Status: statusError, Message: "missing required param: model"}
	}
	sess, err := s.sessions.Get(p.Model)
	if err != nil {
		return s.errorResponse(err)
	}
	if s.cfg.BatchSize > 0 && len(p.Inputs) > s.cfg.BatchSize {
		return Response{
			Status:  statusError,
			Message: fmt.Sprintf("batch too large: %d inputs exceeds limit of %d", len(p.Inputs), s.cfg.BatchSize),
		}
	}
	normalize := s.cfg.NormalizeDefault
	if p.Normalize != nil {
		normalize = *p.Normalize
	}
	if len(p.Inputs) > 0 {
		s.logger.Debug("embed_batch request",
			zap.String("model", p.Model),
			zap.Int("inputs", len(p.Inputs)),
			zap.String("first", utils.Truncate(p.Inputs[0], 80)))
	}

	vecs, err := sess.Engine.Embed(ctx, p.Inputs, engine.Strategy(p.Pooling), normalize)
	if err != nil {
		return s.errorResponse(err)
	}
	metrics.EmbeddedTexts.Add(float64(len(vecs)))
	return Response{
		Status:     statusOK,
		Embeddings: vecs,
		Count:      len(vecs),
	}
}

// errorResponse turns err into a protocol error line. Expected request
// failures pass through verbatim; anything else is logged and reported as
// internal.
func (s *Server) errorResponse(err error) Response {
	if isRequestError(err) {
		return Response{Status: statusError, Message: err.Error()}
	}
	s.logger.Error("request failed", zap.Error(err))
	return Response{Status: statusError, Message: fmt.Sprintf("internal error: %v", err)}
}

func isRequestError(err error) bool {
	for _, known := range []error{
		registry.ErrUnknownModel,
		cache.ErrFetchFailed,
		tokenize.ErrEmptyBatch,
		engine.ErrDimensionMismatch,
		engine.ErrInvalidPooling,
		session.ErrModelNotLoaded,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
