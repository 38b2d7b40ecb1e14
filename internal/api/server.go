// Package api serves the producer and admin HTTP interface of a queue.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the queue surface the API exposes; *queue.Engine satisfies it.
type Engine interface {
	Enqueue(ctx context.Context, jobType string, payload []byte, maxAttempts int) (string, error)
	Get(ctx context.Context, jobID string) (*types.Job, error)
	DequeueWait(ctx context.Context, leaseDuration, wait time.Duration) (*types.Job, error)
	Ack(ctx context.Context, jobID, leaseID string) error
	Fail(ctx context.Context, jobID, leaseID, reason string) error
	Extend(ctx context.Context, jobID, leaseID string, d time.Duration) (time.Time, error)
	Release(ctx context.Context, jobID, leaseID string) error
	DeadLetters(ctx context.Context, page, pageSize int) (*types.PaginationResult[types.Job], error)
	Replay(ctx context.Context, jobID string) (string, error)
	Stats(ctx context.Context) (types.QueueStats, error)
	Healthy() bool
}

type Server struct {
	engine   Engine
	logger   *zap.Logger
	gatherer prometheus.Gatherer

	addr               string
	authToken          string
	defaultLease       time.Duration
	maxWait            time.Duration
	defaultMaxAttempts int

	router chi.Router
}

func NewServer(engine Engine, opts ...Option) (*Server, error) {
	validationErrs := &custom_errors.ValidationError{}
	if engine == nil {
		validationErrs.Add(errors.New("engine is required"))
	}

	s := &Server{
		engine:             engine,
		logger:             zap.NewNop(),
		gatherer:           prometheus.DefaultGatherer,
		addr:               DefaultAddr,
		defaultLease:       DefaultLease,
		maxWait:            DefaultMaxWait,
		defaultMaxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			validationErrs.Add(err)
		}
	}
	if validationErrs.HasError() {
		return nil, validationErrs
	}

	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/ack", s.handleAck)
		r.Post("/jobs/{id}/fail", s.handleFail)
		r.Post("/jobs/{id}/extend", s.handleExtend)
		r.Post("/jobs/{id}/release", s.handleRelease)
		r.Post("/lease", s.handleLease)
		r.Get("/dead-letters", s.handleDeadLetters)
		r.Post("/dead-letters/{id}/replay", s.handleReplay)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.authToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
