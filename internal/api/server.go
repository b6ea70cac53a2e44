package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/flextest/internal/host"
	"github.com/seantiz/flextest/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// Event streams clear their own deadline; every other response must
	// complete within writeTimeout.
	writeTimeout = 30 * time.Second
)

// Server exposes discovery, execution and result queries for the artifacts
// an Executor knows about.
type Server struct {
	router   *chi.Mux
	store    store.Store
	executor *host.Executor
	logger   *slog.Logger
	addr     string
}

// NewServer builds the router. Nothing listens until Run.
func NewServer(addr string, s store.Store, exec *host.Executor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		executor: exec,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		srv.instrument,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}),
	)
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/artifacts", func(r chi.Router) {
		r.Get("/", s.handleListArtifacts)
		r.Get("/{source}/units", s.handleListUnits)
	})

	s.router.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.handleSubmitRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Delete("/{id}", s.handleCancelRun)
		r.Get("/{id}/events", s.handleStreamEvents)
	})

	s.router.Route("/v1/benchmarks", func(r chi.Router) {
		r.Post("/", s.handleSubmitBenchmarks)
		r.Delete("/current", s.handleCancelBenchmark)
	})
}

// Router returns the chi router, for mounting in tests or another server.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then drains HTTP connections and
// cancels whatever runs are still executing so their records reach a
// terminal status.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)

	s.executor.CancelAll()
	s.executor.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// instrument logs each request and records its count and latency. Probe
// and scrape traffic logs at debug.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)
		observeRequest(r.Method, route, status, elapsed)

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case route == "/healthz" || route == "/metrics":
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
