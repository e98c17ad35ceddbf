// Package server provides the HTTP API for agent runs: lifecycle routes for end
// users, the live progress stream, and the callbacks executors report through.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/config"
	"github.com/hirepilot/agentruns/internal/events"
	"github.com/hirepilot/agentruns/internal/runs"
	"github.com/hirepilot/agentruns/internal/server/middleware"
	"github.com/hirepilot/agentruns/internal/server/ratelimit"
)

// maxBodyBytes bounds request bodies. Plans are the largest payload.
const maxBodyBytes = 1 << 20

// Subscriber is the read side of the event bus.
type Subscriber interface {
	Subscribe(runID uuid.UUID, handler events.Handler) *events.Subscription
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker func(ctx context.Context) error

// Options holds the server's collaborators and settings.
type Options struct {
	Runs      *runs.Service
	Events    Subscriber
	JWT       *JWTService
	Worker    *config.WorkerAuth // nil rejects every executor callback
	Health    HealthChecker
	Logger    *slog.Logger
	Server    config.ServerConfig
	Stream    config.StreamConfig
	RateLimit config.RateLimitConfig
}

// Server represents the HTTP server
type Server struct {
	runs    *runs.Service
	events  Subscriber
	jwt     *JWTService
	worker  *config.WorkerAuth
	health  HealthChecker
	logger  *slog.Logger
	cfg     config.ServerConfig
	stream  config.StreamConfig
	limiter *ratelimit.Limiter
	handler http.Handler

	// closing is closed when shutdown begins so open streams return.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a server and its routes.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Runs == nil:
		return nil, fmt.Errorf("server requires a run service")
	case opts.Events == nil:
		return nil, fmt.Errorf("server requires an event subscriber")
	case opts.JWT == nil:
		return nil, fmt.Errorf("server requires a JWT service")
	}

	defaults := config.Default()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Server.ShutdownTimeout <= 0 {
		opts.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if opts.Stream.Heartbeat <= 0 {
		opts.Stream.Heartbeat = defaults.Stream.Heartbeat
	}
	if opts.Stream.Retry <= 0 {
		opts.Stream.Retry = defaults.Stream.Retry
	}
	if opts.Stream.Buffer < 1 {
		opts.Stream.Buffer = defaults.Stream.Buffer
	}

	s := &Server{
		runs:    opts.Runs,
		events:  opts.Events,
		jwt:     opts.JWT,
		worker:  opts.Worker,
		health:  opts.Health,
		logger:  opts.Logger,
		cfg:     opts.Server,
		stream:  opts.Stream,
		closing: make(chan struct{}),
	}
	if opts.RateLimit.Enabled {
		s.limiter = ratelimit.NewLimiter(ratelimit.FromConfig(opts.RateLimit))
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	auth := middleware.AuthMiddleware(s.jwt.AsTokenValidator())
	mux.Handle("POST /api/rex2/runs", auth(http.HandlerFunc(s.handleCreateRun)))
	mux.Handle("GET /api/rex2/runs", auth(http.HandlerFunc(s.handleListRuns)))
	mux.Handle("GET /api/rex2/runs/{id}", auth(http.HandlerFunc(s.handleGetRun)))
	mux.Handle("POST /api/rex2/runs/{id}/start", auth(http.HandlerFunc(s.handleStartRun)))
	mux.Handle("POST /api/rex2/runs/{id}/cancel", auth(http.HandlerFunc(s.handleCancelRun)))
	// The stream authenticates itself so failures reach EventSource clients as an event.
	mux.HandleFunc("GET /api/rex2/runs/{id}/stream", s.handleStream)

	mux.Handle("GET /internal/rex2/runs/{id}", s.requireWorker(http.HandlerFunc(s.handleWorkerGetRun)))
	mux.Handle("POST /internal/rex2/runs/{id}/steps", s.requireWorker(http.HandlerFunc(s.handleWorkerStep)))
	mux.Handle("POST /internal/rex2/runs/{id}/toolcalls", s.requireWorker(http.HandlerFunc(s.handleWorkerToolCall)))
	mux.Handle("POST /internal/rex2/runs/{id}/artifacts", s.requireWorker(http.HandlerFunc(s.handleWorkerArtifact)))
	mux.Handle("POST /internal/rex2/runs/{id}/complete", s.requireWorker(http.HandlerFunc(s.handleWorkerComplete)))
	mux.Handle("POST /internal/rex2/runs/{id}/fail", s.requireWorker(http.HandlerFunc(s.handleWorkerFail)))

	return s.withRecover(s.withRateLimit(s.withLogging(s.withCORS(mux))))
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: a stream stays open as long as its client watches.
	}
	srv.RegisterOnShutdown(s.closeStreams)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.stopLimiter()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.stopLimiter()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) stopLimiter() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Last-Event-ID, "+WorkspaceHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := s.limiter.Allow(clientID(r), r.Method, r.URL.Path)
		setRateLimitHeaders(w, info)
		if !info.Allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging. It forwards Flush
// so streams keep working behind the logging middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", clientID(r))
	})
}

// withRecover turns a handler panic into a 500.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panicked",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()))
				s.jsonResponse(w, http.StatusInternalServerError, map[string]string{"error": CodeInternal})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError maps err to a status and JSON body. Server-side failures are
// logged; their detail never reaches the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.jsonResponse(w, status, errorBody(err))
}

// decodeJSON reads a JSON body into dst. An empty body is accepted only when
// allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if allowEmpty {
			return nil
		}
		return &runs.ErrValidation{Field: "body", Message: "request body is required"}
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &runs.ErrValidation{Field: "body", Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return &runs.ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
}

// pathRunID parses the {id} path value.
func pathRunID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &runs.ErrValidation{Field: "id", Message: "run id must be a UUID"}
	}
	return id, nil
}

// principal returns the authenticated caller set by AuthMiddleware.
func principal(r *http.Request) (runs.Principal, error) {
	id, err := middleware.GetIdentity(r)
	if err != nil {
		return runs.Principal{}, fmt.Errorf("%w: %v", middleware.ErrUnauthenticated, err)
	}
	return runs.Principal{UserID: id.UserID, WorkspaceIDs: id.WorkspaceIDs}, nil
}

// clientID identifies the caller for rate limiting by IP address.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":     CodeRateLimited,
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}
	if !info.ResetTime.IsZero() {
		response["reset_at"] = info.ResetTime.Format(time.RFC3339)
	}
	if info.RetryAfter > 0 {
		secs := max(int(info.RetryAfter.Seconds()), 1)
		response["retry_after"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	s.logger.Warn("rate limit exceeded", "client", clientID(r), "method", r.Method, "path", r.URL.Path, "limit", info.Limit)
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
