package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/weather-star-etl/internal/domain"
	"github.com/couchcryptid/weather-star-etl/internal/pipeline"
)

// Runner triggers a single pipeline run and reports readiness.
type Runner interface {
	sharedobs.ReadinessChecker
	RunOnce(ctx context.Context) (pipeline.RunResult, error)
}

// DefaultWriteTimeout bounds a response, including a synchronous POST /runs,
// unless WithWriteTimeout raises it.
const DefaultWriteTimeout = 2 * time.Minute

// Option configures a Server.
type Option func(*Server)

// WithWriteTimeout sets the response deadline. It should cover the longest
// possible run, or a manual run can commit after its client has been cut off.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.httpServer.WriteTimeout = d
		}
	}
}

// RunWriteTimeout returns a response deadline long enough for a manual run
// whose fetch takes up to fetchBudget and whose load takes up to loadTimeout.
// It never drops below DefaultWriteTimeout.
func RunWriteTimeout(fetchBudget, loadTimeout time.Duration) time.Duration {
	const slack = 30 * time.Second
	return max(DefaultWriteTimeout, fetchBudget+loadTimeout+slack)
}

// Server exposes health, readiness, metrics and manual-run HTTP endpoints.
type Server struct {
	httpServer *http.Server
	runner     Runner
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and
// POST /runs routes.
func NewServer(addr string, runner Runner, logger *slog.Logger, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			// A manual run holds the response open until the load commits.
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		runner: runner,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(runner))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /runs", s.handleRun)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// WriteTimeout reports the response deadline in effect.
func (s *Server) WriteTimeout() time.Duration {
	return s.httpServer.WriteTimeout
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// handleRun runs the pipeline synchronously. The run is detached from the
// request context so a dropped client cannot cancel a load half way.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.RunOnce(context.WithoutCancel(r.Context()))
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}

	var fetchErr *domain.FetchError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrNoUsableRecords):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &fetchErr):
		status = http.StatusBadGateway
	}

	s.logger.Warn("manual run failed", "status", status, "error", err)
	writeJSON(w, status, runErrorResponse{Error: err.Error(), Result: res})
}

type runErrorResponse struct {
	Error  string             `json:"error"`
	Result pipeline.RunResult `json:"result"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
