// Package server exposes the analysis pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pario-ai/persona/pkg/config"
	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/pipeline"
)

// Processor runs one analysis request.
type Processor interface {
	Process(ctx context.Context, rawText, clientID string) (pipeline.Outcome, error)
}

// CacheStats reports cache counters.
type CacheStats interface {
	Stats() (models.CacheStats, error)
}

// LimiterStats reports rate limiter counters.
type LimiterStats interface {
	Stats() models.LimiterStats
}

// History answers per-client questions for the admin routes.
type History interface {
	Summary(ctx context.Context, clientID string) ([]models.ClientSummary, error)
}

// AuditSearch answers audit log questions for the admin routes.
type AuditSearch interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error)
	Stats(ctx context.Context) ([]models.AuditStat, error)
}

// Deps are the components a Server routes to. Pipeline, Cache and Limiter
// are required; the rest switch their routes off when nil.
type Deps struct {
	Pipeline Processor
	Cache    CacheStats
	Limiter  LimiterStats
	Metrics  http.Handler
	History  History
	Audit    AuditSearch
	Logger   *zap.Logger
	Version  string
}

// Server is the Persona HTTP API.
type Server struct {
	cfg       config.ServerConfig
	admin     config.AdminConfig
	rateLimit int
	deps      Deps
	logger    *zap.Logger
	router    chi.Router
	started   time.Time
}

// New builds the router for cfg.
func New(cfg *config.Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg.Server,
		admin:     cfg.Admin,
		rateLimit: cfg.RateLimit.RequestsPerMinute,
		deps:      d,
		logger:    logger,
		started:   time.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.cfg.AllowedOrigins))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
	bodyLimit := s.cfg.MaxBodyBytes
	if bodyLimit <= 0 {
		bodyLimit = 1 << 20
	}
	r.With(middleware.RequestSize(bodyLimit)).Post("/api/analyze", s.handleAnalyze)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	if s.admin.Password != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.BasicAuth("persona admin", map[string]string{s.admin.Username: s.admin.Password}))
			r.Get("/clients", s.handleClients)
			r.Get("/audit", s.handleAudit)
			r.Get("/audit/stats", s.handleAuditStats)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "", "method not allowed")
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("persona listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.logger.Info("shutting down", zap.Duration("timeout", timeout))
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
