// Package server provides the HTTP front end of the query service.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/config"
	"github.com/devrev/qrs/internal/handler"
	"github.com/devrev/qrs/internal/health"
)

// Server represents the HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	search      *handler.SearchHandler
	healthCheck *health.HealthCheck
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, search *handler.SearchHandler, healthCheck *health.HealthCheck, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		search:      search,
		healthCheck: healthCheck,
		logger:      logger,
		cfg:         cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewares := []func(http.Handler) http.Handler{
		RequestID,
		Recovery(s.logger),
		Logging(s.logger),
		CORS([]string{"*"}),
	}
	if s.cfg.RateLimiter.Enabled {
		limiter := NewRateLimiter(s.cfg.RateLimiter.RequestsPerSecond, s.cfg.RateLimiter.Burst, s.logger)
		middlewares = append(middlewares, limiter.Limit)
	}
	s.router.Use(mux.MiddlewareFunc(Chain(middlewares...)))

	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/search", s.search.Search).Methods(http.MethodGet, http.MethodPost)
	v1.HandleFunc("/chains", s.search.Chains).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.WriteJSON(w, http.StatusNotFound, handler.ErrorBody{Code: "NOT_FOUND", Message: "endpoint not found"})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.WriteJSON(w, http.StatusMethodNotAllowed, handler.ErrorBody{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"})
	})
}

// Handler returns the routed handler, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// MetricsServer exposes the Prometheus registry on its own port
type MetricsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewMetricsServer creates a metrics endpoint for gatherer
func NewMetricsServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	router := mux.NewRouter()
	router.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return &MetricsServer{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: router,
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called
func (m *MetricsServer) Start() error {
	m.logger.Info("Starting metrics server", zap.String("address", m.httpServer.Addr))
	if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// Shutdown stops the metrics server
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.httpServer.Shutdown(ctx)
}
