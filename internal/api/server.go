// Package api serves the daemon's admin HTTP endpoints: health, Prometheus
// metrics, run history and manual run triggers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"git.home.luguber.info/inful/docpipe/internal/eventstore"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
)

// RunHistory is the read side of run history.
type RunHistory interface {
	History() []*eventstore.RunSummary
	Run(runID string) (*eventstore.RunSummary, bool)
	Active() []*eventstore.RunSummary
}

// RunTrigger starts a pipeline run for a ref and returns its run ID without
// waiting for it to finish.
type RunTrigger interface {
	Trigger(ctx context.Context, ref string) (string, error)
}

// Options wires the server's collaborators. Nil members disable their routes.
type Options struct {
	History RunHistory
	Events  eventstore.Store
	Trigger RunTrigger
	Metrics http.Handler
}

// Server represents the admin API server.
type Server struct {
	Addr    string
	router  *chi.Mux
	server  *http.Server
	opts    Options
	errors  *foundationerrors.HTTPErrorAdapter
	started time.Time
}

// NewServer creates a new admin server.
func NewServer(addr string, opts Options) *Server {
	s := &Server{
		Addr:    addr,
		router:  chi.NewRouter(),
		opts:    opts,
		errors:  foundationerrors.NewHTTPErrorAdapter(nil),
		started: time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	s.router.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleTriggerRun)
		r.Get("/active", s.handleActiveRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/events", s.handleRunEvents)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Response represents a standard API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Error writes a classified error response.
func (s *Server) Error(w http.ResponseWriter, r *http.Request, err error) {
	s.errors.WriteErrorResponse(w, r, err)
}

// Success writes a success response.
func (s *Server) Success(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.Success(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}
