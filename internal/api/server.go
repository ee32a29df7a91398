package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch/internal/dispatcher"
	"github.com/JakeFAU/browser-fetch/internal/fetch"
	"github.com/JakeFAU/browser-fetch/internal/metrics"
)

// Response bodies shared with clients and tests.
const (
	NotFoundMessage     = "Use /fetch?url=... or /health or /shutdown"
	UnauthorizedMessage = "Invalid or missing token"
	ShutdownMessage     = "Shutting down..."
)

// Fetcher runs one fetch request and returns its content.
type Fetcher interface {
	Submit(ctx context.Context, req fetch.Request) (string, error)
}

// Options configures a Server.
type Options struct {
	// Token guards /fetch and /shutdown. Empty disables the check.
	Token string
	// DefaultWait applies when a request has no wait parameter.
	DefaultWait time.Duration
	// MetricsEnabled mounts the Prometheus handler on /metrics.
	MetricsEnabled bool
}

// Server wires HTTP handlers to the request serializer.
type Server struct {
	router      chi.Router
	fetcher     Fetcher
	token       string
	defaultWait time.Duration
	shutdown    chan struct{}
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(fetcher Fetcher, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	s := &Server{
		fetcher:     fetcher,
		token:       opts.Token,
		defaultWait: opts.DefaultWait,
		shutdown:    make(chan struct{}, 1),
		logger:      logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	if opts.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.token != "" {
			r.Use(tokenMiddleware(s.token, s.logger))
		}
		r.Get("/fetch", s.fetch)
		r.Get("/shutdown", s.requestShutdown)
		r.Post("/shutdown", s.requestShutdown)
	})

	r.NotFound(s.notFound)
	r.MethodNotAllowed(s.notFound)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ShutdownRequested fires once a client has called /shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, NotFoundMessage)
}

func (s *Server) requestShutdown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(ShutdownMessage)); err != nil {
		s.logger.Warn("write shutdown response failed", zap.Error(err))
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	select {
	case s.shutdown <- struct{}{}:
		s.logger.Info("shutdown requested", zap.String("request_id", RequestIDFromContext(r.Context())))
	default:
	}
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseFetchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	content, err := s.fetcher.Submit(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Info("client went away before fetch completed",
				zap.String("url", req.URL),
				zap.String("request_id", RequestIDFromContext(r.Context())),
			)
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(content)); err != nil {
		s.logger.Warn("write fetch response failed", zap.String("url", req.URL), zap.Error(err))
	}
}

func (s *Server) parseFetchRequest(r *http.Request) (fetch.Request, error) {
	query := r.URL.Query()
	req := fetch.Request{
		URL:      query.Get("url"),
		TextOnly: strings.EqualFold(query.Get("text"), "true"),
		Selector: query.Get("selector"),
		Wait:     s.defaultWait,
	}
	if raw := query.Get("wait"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fetch.Request{}, &fetch.ValidationError{
				Field:  "wait",
				Reason: fmt.Sprintf("Invalid 'wait' parameter: %q is not a whole number of seconds", raw),
			}
		}
		if req.Wait, err = fetch.WaitSeconds(seconds); err != nil {
			return fetch.Request{}, err
		}
	}
	if err := req.Validate(); err != nil {
		return fetch.Request{}, err
	}
	return req, nil
}

func statusFor(err error) int {
	switch {
	case fetch.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrSelectorNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrStopped), errors.Is(err, fetch.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(msg)); err != nil {
		zap.L().Error("write error response failed", zap.Error(err))
	}
}

// RequestIDFromContext returns the ID assigned by the request ID middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type requestIDKey struct{}

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
