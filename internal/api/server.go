package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/journal"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Deps are the services the API reads from. Store is required; the rest may be nil.
type Deps struct {
	Store      *dataset.Store
	Journal    *journal.Journal
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	ResultsDir string
	Version    string
}

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
	router.Use(CORSMiddleware)         // CORS for the dashboard
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(metrics.Middleware)     // Prometheus request metrics
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/stats", handler.Stats)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Route("/dataset", func(r chi.Router) {
		r.Get("/current", handler.CurrentDataset)
		r.Post("/reload", handler.ReloadDataset)
		r.Post("/{folder}", handler.SwitchDataset)
	})

	router.Route("/transactions", func(r chi.Router) {
		r.Get("/ids", handler.TransactionIDs)
		r.Post("/batch", handler.TransactionBatch)
		r.Get("/{id}", handler.GetTransaction)
	})

	router.Route("/fraud-tools", func(r chi.Router) {
		r.Post("/check-time-correlation", handler.CheckTimeCorrelation)
		r.Post("/check-new-merchant", handler.CheckNewMerchant)
		r.Post("/check-location-anomaly", handler.CheckLocationAnomaly)
		r.Post("/check-withdrawal-pattern", handler.CheckWithdrawalPattern)
		r.Post("/check-phishing-indicators", handler.CheckPhishingIndicators)
	})

	router.Route("/results", func(r chi.Router) {
		r.Get("/", handler.Results)
		r.Get("/confirmed", handler.ConfirmedFrauds)
		r.Get("/suspects", handler.Suspects)
	})

	router.Route("/runs", func(r chi.Router) {
		r.Get("/latest", handler.LatestRun)
		r.Get("/{id}", handler.GetRun)
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
