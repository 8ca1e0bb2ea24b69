package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/state"
	"github.com/mattjoyce/stagehand/internal/updater"
	"github.com/mattjoyce/stagehand/internal/validation"
)

// Lifecycle is the part of *stage.Stager the API drives.
type Lifecycle interface {
	Begin(ctx context.Context, planned []manifest.Requirement) (*stage.Stage, []validation.Result, error)
	Claim(ctx context.Context, id, token string) (*stage.Stage, error)
	Current(ctx context.Context) (*stage.Record, error)
	Lock(ctx context.Context) (*lock.OwnershipLock, error)
	History(ctx context.Context, stageID string) ([]state.Transition, error)
	ForceDestroy(ctx context.Context, id string) (*stage.Record, []validation.Result, error)
	StatusCheck(ctx context.Context) (stage.StatusReport, error)
	LastStatusCheck(ctx context.Context) (*stage.StatusReport, error)
}

// UpdateRunner triggers one guarded unattended update.
type UpdateRunner interface {
	RunOnce(ctx context.Context) (updater.Outcome, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	stager    Lifecycle
	updates   UpdateRunner
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. updates may be nil, in which case
// the update trigger is not served.
func New(config Config, stager Lifecycle, updates UpdateRunner, hub *events.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		stager:    stager,
		updates:   updates,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Apply copies whole trees; SSE streams stay open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/status/last", s.handleLastStatus)

		r.Get("/stages/current", s.handleCurrentStage)
		r.Post("/stages", s.handleBegin)
		r.Route("/stages/{stageID}", func(r chi.Router) {
			r.Post("/require", s.handleRequire)
			r.Post("/apply", s.handleApply)
			r.Delete("/", s.handleDestroy)
			r.Get("/history", s.handleHistory)
		})

		r.Post("/updates/run", s.handleRunUpdate)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
