package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/calendar"
	"github.com/JakeFAU/keyword-trend-crawler/internal/metrics"
	"github.com/JakeFAU/keyword-trend-crawler/internal/run"
)

// Runner is the subset of run.Runner the server drives.
type Runner interface {
	Crawl(ctx context.Context, p run.Params) (run.Summary, error)
	RollUp(ctx context.Context, start, end time.Time, intervals ...calendar.Interval) (run.Summary, error)
	Last() (run.Summary, bool)
}

// Defaults fill in crawl requests that omit them.
type Defaults struct {
	ListingRoot string
	Interval    calendar.Interval
}

// ReadyCheck reports whether a downstream is usable.
type ReadyCheck func(ctx context.Context) error

// Server wires HTTP handlers to the runner.
type Server struct {
	router   chi.Router
	runner   Runner
	defaults Defaults
	checks   map[string]ReadyCheck
	logger   *zap.Logger

	// base outlives requests so accepted runs continue after the response.
	base   context.Context
	busy   atomic.Bool
	active sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithReadyCheck adds a named check to /readyz.
func WithReadyCheck(name string, check ReadyCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer constructs a Server with middleware and routes. Runs accepted over
// HTTP are bound to base.
func NewServer(base context.Context, runner Runner, defaults Defaults, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:   runner,
		defaults: defaults,
		checks:   map[string]ReadyCheck{},
		logger:   logger.Named("api"),
		base:     base,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/runs/last", s.lastRun)
		r.Post("/crawls", s.submitCrawl)
		r.Post("/rollups", s.submitRollUp)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until runs started over HTTP have finished.
func (s *Server) Wait() {
	s.active.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	sum, ok := s.runner.Last()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run has finished yet")
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

type crawlRequest struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Interval    string `json:"interval"`
	ListingRoot string `json:"listing_root"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	start, end, err := run.ParseRange(req.Start, req.End)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	interval := s.defaults.Interval
	if req.Interval != "" {
		if interval, err = calendar.ParseInterval(req.Interval); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	root := s.defaults.ListingRoot
	if req.ListingRoot != "" {
		root = req.ListingRoot
	}
	p := run.Params{ListingRoot: root, Start: start, End: end, Interval: interval}
	s.launch(w, "crawl", func(ctx context.Context) (run.Summary, error) {
		return s.runner.Crawl(ctx, p)
	})
}

type rollUpRequest struct {
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Intervals []string `json:"intervals"`
}

func (s *Server) submitRollUp(w http.ResponseWriter, r *http.Request) {
	var req rollUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	start, end, err := run.ParseRange(req.Start, req.End)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	intervals := make([]calendar.Interval, 0, len(req.Intervals))
	for _, raw := range req.Intervals {
		iv, err := calendar.ParseInterval(raw)
		if err != nil || iv == calendar.Daily {
			s.writeError(w, http.StatusBadRequest, "intervals must be weekly, monthly or yearly")
			return
		}
		intervals = append(intervals, iv)
	}
	s.launch(w, "rollup", func(ctx context.Context) (run.Summary, error) {
		return s.runner.RollUp(ctx, start, end, intervals...)
	})
}

// launch starts fn in the background unless another run is in flight.
func (s *Server) launch(w http.ResponseWriter, kind string, fn func(context.Context) (run.Summary, error)) {
	if !s.busy.CompareAndSwap(false, true) {
		s.writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	s.active.Add(1)
	go func() {
		defer s.active.Done()
		defer s.busy.Store(false)
		sum, err := fn(s.base)
		if err != nil {
			s.logger.Error("run failed", zap.String("kind", kind), zap.String("run_id", sum.RunID), zap.Error(err))
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "kind": kind})
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

type requestIDKey struct{}

// RequestID returns the request ID stored by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.Stack("stack"))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
