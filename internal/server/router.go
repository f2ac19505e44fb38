package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agentstation/ordersync/internal/server/handlers"
	"github.com/agentstation/ordersync/internal/server/middleware"
	"github.com/agentstation/ordersync/internal/server/response"
)

// setupRouter creates the HTTP handler with routes and middleware.
func (s *Server) setupRouter() http.Handler {
	r := chi.NewRouter()
	s.applyMiddleware(r)

	h := handlers.New(
		s.registry,
		s.directory,
		s.publisher,
		s.wsHub,
		s.sseBroadcaster,
		s.Ready,
		s.logger,
	)

	s.registerRoutes(r, h)
	return r
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes(r chi.Router, h *handlers.Handlers) {
	// favicon requests would only add 404 noise to the logs
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/health", h.HandleHealth)
	if s.config.MetricsEnabled {
		r.Get("/metrics", h.HandleMetrics)
	}

	api := func(r chi.Router) {
		if s.config.PathPrefix != "" {
			r.Get("/health", h.HandleHealth)
		}
		r.Get("/ready", h.HandleReady)
		r.With(s.auth()).Get("/stats", h.HandleStats)

		r.Route("/restaurants/{restaurant}", func(r chi.Router) {
			r.With(s.auth()).Post("/events", h.HandlePublish)
			r.Get("/rooms/{role}/ws", h.HandleWebSocket)
			r.Get("/rooms/{role}/stream", h.HandleSSE)
		})
	}
	if s.config.PathPrefix == "" {
		api(r)
	} else {
		r.Route(s.config.PathPrefix, api)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.NotFound(w, "Not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.MethodNotAllowed(w, r.Method)
	})
}

// applyMiddleware installs the middleware chain shared by every route.
func (s *Server) applyMiddleware(r chi.Router) {
	cfg := s.config

	r.Use(middleware.Recovery(s.logger))
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger(s.logger))

	if cfg.CORSEnabled {
		corsConfig := middleware.DefaultCORSConfig()
		corsConfig.AllowedHeaders = append(corsConfig.AllowedHeaders, cfg.AuthHeader)
		if len(cfg.CORSOrigins) > 0 {
			corsConfig.AllowedOrigins = cfg.CORSOrigins
		} else {
			corsConfig.AllowAll = true
		}
		r.Use(middleware.CORS(corsConfig))
	}

	if s.limiter != nil {
		r.Use(middleware.RateLimit(s.limiter))
	}
}

// auth guards publishing and stats when authentication is enabled.
func (s *Server) auth() func(http.Handler) http.Handler {
	authConfig := middleware.DefaultAuthConfig()
	authConfig.Enabled = s.config.AuthEnabled
	authConfig.APIKey = s.config.APIKey
	authConfig.HeaderName = s.config.AuthHeader
	return middleware.Auth(authConfig, s.logger)
}
