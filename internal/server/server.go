package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/cipherperp/cipherperp/internal/server/handler"
	"github.com/cipherperp/cipherperp/internal/server/middleware"
	"github.com/cipherperp/cipherperp/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Rate limiting applies only when a limiter is wired in.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Trade     *handler.TradeHandler
	Price     *handler.PriceHandler
	Decrypt   *handler.DecryptHandler
	History   *handler.HistoryHandler
}

// Server is the headless HTTP + WebSocket API server for the trading client.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (auth, rate limiting, logging, CORS) and attaches
// the WebSocket hub. Nil handlers are skipped so partial deployments (for
// example monitor mode without trading) register only what they serve.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}

	// Position endpoints.
	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
		mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
		mux.HandleFunc("GET /api/risk", handlers.Positions.ListRisk)
	}

	// Owner decryption endpoint.
	if handlers.Decrypt != nil {
		mux.HandleFunc("GET /api/positions/{id}/decrypt", handlers.Decrypt.DecryptPosition)
	}

	// Trade lifecycle endpoints.
	if handlers.Trade != nil {
		mux.HandleFunc("POST /api/trade/open", handlers.Trade.OpenPosition)
		mux.HandleFunc("POST /api/trade/close/{id}", handlers.Trade.ClosePosition)
		mux.HandleFunc("GET /api/requests", handlers.Trade.ListRequests)
		mux.HandleFunc("GET /api/requests/{id}", handlers.Trade.GetRequest)
		mux.HandleFunc("POST /api/requests/{id}/abandon", handlers.Trade.AbandonRequest)
	}

	// Oracle price endpoint.
	if handlers.Price != nil {
		mux.HandleFunc("GET /api/price", handlers.Price.GetPrice)
	}

	// History and audit endpoints.
	if handlers.History != nil {
		mux.HandleFunc("GET /api/history", handlers.History.ListHistory)
		mux.HandleFunc("GET /api/audit", handlers.History.ListAudit)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey)(h)

	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	}

	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
