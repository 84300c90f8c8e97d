// Package server exposes the ops API: read-only views of prices,
// opportunities, bundles and positions, breaker control, Prometheus metrics
// and a websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/metrics"
	"github.com/alanyoungcy/arbguard/internal/server/handler"
	"github.com/alanyoungcy/arbguard/internal/server/middleware"
	"github.com/alanyoungcy/arbguard/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates the endpoints to register. Nil handlers are skipped,
// so detect mode can run without bundle, position or breaker routes.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Prices        *handler.PriceHandler
	Opportunities *handler.OpportunityHandler
	Bundles       *handler.BundleHandler
	Positions     *handler.PositionHandler
	Breaker       *handler.BreakerHandler
}

// Server is the headless HTTP and websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in CORS, logging, rate limiting
// and auth. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Prices != nil {
		mux.HandleFunc("GET /api/prices", handlers.Prices.ListPrices)
		mux.HandleFunc("GET /api/prices/{token}", handlers.Prices.GetPrice)
	}
	if handlers.Opportunities != nil {
		mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.ListOpportunities)
	}
	if handlers.Bundles != nil {
		mux.HandleFunc("GET /api/bundles", handlers.Bundles.ListBundles)
		mux.HandleFunc("GET /api/bundles/{id}", handlers.Bundles.GetBundle)
	}
	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	}
	if handlers.Breaker != nil {
		mux.HandleFunc("GET /api/breaker", handlers.Breaker.GetState)
		mux.HandleFunc("POST /api/breaker/trip", handlers.Breaker.Trip)
		mux.HandleFunc("POST /api/breaker/reset", handlers.Breaker.Reset)
	}
	mux.Handle("GET /metrics", metrics.Handler())
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down with a 10s grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
