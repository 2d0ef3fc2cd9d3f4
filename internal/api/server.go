package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/fanrelay/internal/config"
	"github.com/shohag/fanrelay/internal/metrics"
	"github.com/shohag/fanrelay/internal/registrar"
	"github.com/shohag/fanrelay/internal/storage"
)

// EventPublisher hands an entity to the event queue without failing the caller.
type EventPublisher interface {
	Publish(ctx context.Context, entity any)
}

type Server struct {
	cfg       config.ServerConfig
	metrics   config.MetricsConfig
	registrar *registrar.Registrar
	events    EventPublisher
	store     storage.Storage
	router    *chi.Mux
	log       zerolog.Logger
	http      *http.Server
}

func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, reg *registrar.Registrar, events EventPublisher, store storage.Storage, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		metrics:   metricsCfg,
		registrar: reg,
		events:    events,
		store:     store,
		log:       log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	whHandler := NewWebhookHandler(s.registrar, s.log.With().Str("component", "api").Logger())
	evHandler := NewEventHandler(s.events)
	instHandler := NewInstanceHandler(s.store)
	statsHandler := NewStatsHandler(s.store)

	r.Get("/health", statsHandler.Health)
	if s.metrics.Enabled {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/subscribe", whHandler.Subscribe)
		r.Get("/webhooks", whHandler.List)
		r.Patch("/webhooks/{id}/deactivate", whHandler.Deactivate)
		r.Patch("/webhooks/{id}/activate", whHandler.Activate)

		r.Post("/events", evHandler.Publish)

		r.Get("/instances", instHandler.List)
		r.Get("/instances/{id}", instHandler.Get)

		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
