package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and scrape endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Compliance evaluation and rule management
		r.Route("/compliance", func(r chi.Router) {
			r.Post("/evaluate", handler.EvaluateCompliance)
			r.Get("/results", handler.ListComplianceResults)

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", handler.ListComplianceRules)
				r.Post("/", handler.CreateComplianceRule)
				r.Post("/reload", handler.ReloadComplianceRules)
				r.Get("/{id}", handler.GetComplianceRule)
				r.Put("/{id}", handler.UpdateComplianceRule)
				r.Delete("/{id}", handler.DeleteComplianceRule)
			})
		})

		// Detection rule management
		r.Route("/detection", func(r chi.Router) {
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", handler.ListDetectionRules)
				r.Post("/", handler.CreateDetectionRule)
				r.Post("/reload", handler.ReloadDetectionRules)
				r.Get("/{id}", handler.GetDetectionRule)
				r.Put("/{id}", handler.UpdateDetectionRule)
				r.Delete("/{id}", handler.DeleteDetectionRule)
			})
		})

		// Activity ingestion
		r.Post("/activity", handler.IngestActivity)
		r.Get("/activity/{userId}/count", handler.CountActivity)

		// Alert triage
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", handler.QueryAlerts)
			r.Get("/stats", handler.AlertStats)
			r.Get("/{id}", handler.GetAlert)
			r.Patch("/{id}/status", handler.UpdateAlertStatus)
		})

		// Threat intelligence
		r.Post("/threat-intel", handler.IngestThreatIntel)
		r.Get("/threat-intel/{value}", handler.LookupThreatIntel)

		// Behavioral baselines
		r.Get("/baselines/{userId}", handler.GetBaseline)
		r.Post("/baselines/{userId}/recompute", handler.RecomputeBaseline)

		// Portfolio snapshots
		r.Post("/portfolios", handler.SavePortfolio)
		r.Get("/portfolios/{id}", handler.GetPortfolio)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
