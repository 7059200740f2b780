package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/cluster"
	"github.com/JakeFAU/leadflow/internal/metrics"
	"github.com/JakeFAU/leadflow/internal/workflow"
)

const maxPayloadBytes = 1 << 20

// Runners resolves locally bound workflows.
type Runners interface {
	Runner(name string) (workflow.Runner, bool)
}

// Executions reads durable executions.
type Executions interface {
	Get(ctx context.Context, key string) (workflow.Execution, error)
}

// Check reports whether a dependency is ready.
type Check func(ctx context.Context) error

// Options configure a Server.
type Options struct {
	// APIKey, when set, is required on every request.
	APIKey string
	// ExecuteTimeout bounds /v1 requests. It should exceed the stage's item timeout.
	ExecuteTimeout time.Duration
	Gatherer       prometheus.Gatherer
	Checks         map[string]Check
}

// Server exposes the coordination API of one stage runner.
type Server struct {
	router     chi.Router
	runners    Runners
	executions Executions
	opts       Options
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runners Runners, executions Executions, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = 6 * time.Minute
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		runners:    runners,
		executions: executions,
		opts:       opts,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if opts.APIKey != "" {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.ExecuteTimeout))
		r.Post("/workflows/{name}/execute", s.execute)
		r.Get("/executions/{key}", s.getExecution)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := make(map[string]string)
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(s.logger, w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	runner, ok := s.runners.Runner(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, cluster.ErrorResponse{Error: fmt.Sprintf("workflow %q not served here", name)})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil || !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, cluster.ErrorResponse{Error: "invalid JSON"})
		return
	}
	out, err := runner.ExecuteJSON(r.Context(), body)
	switch {
	case err == nil:
		writeJSON(s.logger, w, http.StatusOK, out)
	case errors.Is(err, workflow.ErrExecutionInProgress):
		s.writeError(w, http.StatusConflict, cluster.ErrorResponse{Error: err.Error()})
	case workflow.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, cluster.ErrorResponse{Error: err.Error(), Timeout: true})
	default:
		s.writeError(w, http.StatusUnprocessableEntity, cluster.ErrorResponse{Error: err.Error()})
	}
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	exec, err := s.executions.Get(r.Context(), key)
	if errors.Is(err, workflow.ErrExecutionNotFound) {
		s.writeError(w, http.StatusNotFound, cluster.ErrorResponse{Error: "execution not found"})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, cluster.ErrorResponse{Error: "failed to load execution"})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, exec)
}

func (s *Server) writeError(w http.ResponseWriter, status int, body cluster.ErrorResponse) {
	writeJSON(s.logger, w, status, body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeJSON(logger, w, http.StatusInternalServerError, cluster.ErrorResponse{Error: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, cluster.ErrorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
