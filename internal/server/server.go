// Package server exposes the read-only HTTP API, the Prometheus scrape
// endpoint and the snapshot WebSocket relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/metrics"
	"github.com/alanyoungcy/karbit/internal/server/handler"
	"github.com/alanyoungcy/karbit/internal/server/middleware"
	"github.com/alanyoungcy/karbit/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // empty disables authentication
	RequestsPerMin  int
	ShutdownTimeout time.Duration
}

const defaultShutdownTimeout = 10 * time.Second

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Snapshots *handler.SnapshotHandler
	Positions *handler.PositionHandler
	Alerts    *handler.AlertHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain
// (metrics, CORS, logging, rate limit, auth). limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, handlers, wsHub, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
	}
}

// Routes builds the handler tree without binding a listener.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	if handlers.Snapshots != nil {
		mux.HandleFunc("GET /api/snapshots/latest", handlers.Snapshots.Latest)
	}
	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/users/{id}/positions", handlers.Positions.ListPositions)
		mux.HandleFunc("GET /api/users/{id}/lot/{asset}", handlers.Positions.GetLot)
	}
	if handlers.Alerts != nil {
		mux.HandleFunc("GET /api/alerts", handlers.Alerts.ListAlerts)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.RateLimit(limiter, cfg.RequestsPerMin, time.Minute)(h)
	h = middleware.Logging(logger, "/api/health", "/metrics")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = metrics.Middleware(h)
	return h
}

// Run binds the listener and serves until ctx is cancelled, then drains
// in-flight requests for up to the shutdown timeout. A bind failure is
// returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.InfoContext(ctx, "server listening", slog.String("addr", ln.Addr().String()))

	served := make(chan error, 1)
	go func() { served <- s.httpServer.Serve(ln) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("server draining", slog.Duration("timeout", s.shutdownTimeout))
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
