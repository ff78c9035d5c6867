// Package api provides the HTTP REST API for portsweep. It exposes scan
// control, scan history, live event streams, health checks and Prometheus
// metrics.
//
// @title portsweep API
// @version 1.0
// @description Start, inspect and cancel TCP connect port scans.
// @contact.name portsweep
// @contact.url https://github.com/anstrom/portsweep
// @license.name MIT
// @BasePath /api/v1
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
//
//go:generate swag init -g server.go -d .,./handlers -o ../../docs/swagger --outputTypes go --parseInternal
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/anstrom/portsweep/docs/swagger" // registers the OpenAPI document

	apihandlers "github.com/anstrom/portsweep/internal/api/handlers"
	"github.com/anstrom/portsweep/internal/api/middleware"
	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/services"
)

const serverShutdownTimeout = 30 * time.Second

// Dependencies are the components the API serves.
type Dependencies struct {
	Scans *services.ScanService
	// Database is nil when persistence is disabled.
	Database   *db.DB
	Registry   metrics.MetricsRegistry
	Prometheus *metrics.PrometheusMetrics
	Logger     *logging.Logger
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	config     *config.Config
	logger     *slog.Logger
	websocket  *apihandlers.WebSocketHandler
	cancel     context.CancelFunc

	mu   sync.Mutex
	addr net.Addr
}

// New creates a new API server instance.
func New(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Scans == nil {
		return nil, fmt.Errorf("api server requires a scan service")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Registry == nil {
		deps.Registry = metrics.NewRegistry()
	}

	logger := deps.Logger.WithComponent("api").Logger
	ctx, cancel := context.WithCancel(context.Background())

	server := &Server{
		router: mux.NewRouter(),
		config: cfg,
		logger: logger,
		cancel: cancel,
	}

	server.setupRoutes(deps)
	server.setupMiddleware(ctx, deps)

	server.httpServer = &http.Server{
		Addr:              cfg.GetAPIAddress(),
		Handler:           server.handler,
		ReadTimeout:       cfg.API.ReadTimeout,
		ReadHeaderTimeout: cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	return server, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(deps Dependencies) {
	slogger := s.logger

	var pinger apihandlers.DatabasePinger
	if deps.Database != nil {
		pinger = deps.Database
	}

	health := apihandlers.NewHealthHandler(pinger, deps.Scans, slogger, deps.Registry)
	scans := apihandlers.NewScanHandler(deps.Scans, s.config.Scanning, slogger, deps.Registry,
		s.config.API.MaxRequestSize)
	s.websocket = apihandlers.NewWebSocketHandler(deps.Scans, deps.Scans.Events(), slogger, deps.Registry)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/status", health.Status).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	api.HandleFunc("/scans", scans.ListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans", scans.CreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}", scans.GetScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", scans.CancelScan).Methods(http.MethodDelete)
	api.HandleFunc("/scans/{id}/cancel", scans.CancelScan).Methods(http.MethodPost)

	api.HandleFunc("/scans/{id}/events", s.websocket.ScanEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", s.websocket.AllEvents).Methods(http.MethodGet)

	if deps.Prometheus != nil {
		s.router.Handle("/metrics", deps.Prometheus.Handler()).Methods(http.MethodGet)
	}

	s.router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	)).Methods(http.MethodGet)
}

// setupMiddleware configures middleware for the API server. CORS and proxy
// header handling wrap the router so preflight requests for any route are
// answered.
func (s *Server) setupMiddleware(ctx context.Context, deps Dependencies) {
	var recorder middleware.HTTPRecorder
	if deps.Prometheus != nil {
		recorder = deps.Prometheus
	}

	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(deps.Registry, recorder))
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.ContentType())
	s.router.Use(middleware.RequestTimeout(s.config.API.RequestTimeout))

	if s.config.API.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(s.config.API.RateLimit, s.config.API.RateLimitBurst)
		s.router.Use(middleware.RateLimit(ctx, limiter, s.logger))
	}
	s.router.Use(middleware.APIKeyAuth(s.config.API.APIKeyHashes, s.logger))

	var handler http.Handler = s.router
	if s.config.API.CORS.Enabled {
		handler = handlers.CORS(
			handlers.AllowedOrigins(s.config.API.CORS.AllowedOrigins),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
			handlers.ExposedHeaders([]string{"X-Request-ID", "Location", "Retry-After"}),
		)(handler)
	}
	if s.config.API.TrustProxyHeaders {
		handler = handlers.ProxyHeaders(handler)
	}
	s.handler = handler
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("Starting API server",
		"address", ln.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout,
		"auth_enabled", len(s.config.API.APIKeyHashes) > 0)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		s.cancel()
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	defer s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	_ = s.websocket.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// Addr returns the address the server listens on, or the configured
// address before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != nil {
		return s.addr.String()
	}
	return s.httpServer.Addr
}
