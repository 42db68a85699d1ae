// Package web serves the normalized record set of the current archive over
// HTTP. One archive is loaded at a time; uploading another replaces it.
package web

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/ipsdiag/internal/config"
	"github.com/JonMunkholm/ipsdiag/internal/core"
	webmw "github.com/JonMunkholm/ipsdiag/internal/web/middleware"
)

// Server is the HTTP server for archive uploads and queries.
type Server struct {
	service *core.Service
	limiter *core.UploadLimiter
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server

	queryRate  *ipRateLimiter
	uploadRate *ipRateLimiter
}

// NewServer creates a new Server instance.
func NewServer(service *core.Service, limiter *core.UploadLimiter, cfg *config.Config) *Server {
	s := &Server{
		service: service,
		limiter: limiter,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	if cfg.Rate.Enabled {
		s.queryRate = newIPRateLimiter(cfg.Rate.RequestsPerMinute)
		s.uploadRate = newIPRateLimiter(cfg.Rate.UploadLimit)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(webmw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(webmw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(webmw.APIKeyAuth(&s.cfg.Security))

		// Upload. No request timeout: processing is bounded by the
		// client connection and by the upload limiter.
		r.With(s.rateLimit(s.uploadRate)).Post("/archives", s.handleUpload)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(s.queryRate))
			if s.cfg.Server.RequestTimeout > 0 {
				r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
			}
			r.Use(middleware.Compress(5, "application/json", "text/plain"))

			r.Get("/registry", s.handleRegistry)

			r.Route("/archives/current", func(r chi.Router) {
				r.Get("/", s.handleCurrent)
				r.Delete("/", s.handleCancel)
				r.Get("/records", s.handleRecords)
				r.Get("/artifacts", s.handleArtifacts)
				r.Get("/diagnostics", s.handleDiagnostics)
				r.Get("/destinations", s.handleDestinations)
				r.Get("/destinations/{destination}", s.handleDestination)
				r.Get("/raw/*", s.handleRaw)
			})
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and the rate limiter sweepers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.queryRate.stop()
	s.uploadRate.stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
