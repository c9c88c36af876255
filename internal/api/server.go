package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"

	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/orchestrator"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string
	CORSOrigins []string
}

// HealthFunc reports component health for the readiness endpoint.
type HealthFunc func() error

// Server is the HTTP surface of the engine. Implements
// lifecycle.Service.
type Server struct {
	cfg    ServerConfig
	log    *slog.Logger
	srv    *http.Server
	health HealthFunc
}

// NewServer wires the router and handlers.
func NewServer(cfg ServerConfig, repo edi.Repository, orch *orchestrator.Orchestrator,
	reg *edi.TypeRegistry, health HealthFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if health == nil {
		health = func() error { return nil }
	}
	s := &Server{cfg: cfg, log: log, health: health}

	records := NewRecordHandler(repo, orch, reg, log)
	backends := NewBackendHandler(reg, orch, log)
	endpoints := NewEndpointHandler(orch, reg, log)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(MetricsMiddleware)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleHealth)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Mount("/records", records.Routes())
		r.Mount("/backends", backends.Routes())
		r.Get("/types", func(w http.ResponseWriter, _ *http.Request) {
			WriteJSON(w, http.StatusOK, reg.ExchangeTypes())
		})
	})

	r.Mount("/endpoints", endpoints.Routes())

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Name implements lifecycle.Service.
func (s *Server) Name() string { return "api" }

// Start serves HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Health implements lifecycle.Service.
func (s *Server) Health() error { return nil }

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.health(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "DOWN",
			"reason": fmt.Sprintf("%v", err),
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}
