// Package server hosts the read-only query facade, the signed admin routes
// and the WebSocket event relay.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/riskgate/internal/crypto"
	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/metrics"
	"github.com/alanyoungcy/riskgate/internal/server/handler"
	"github.com/alanyoungcy/riskgate/internal/server/middleware"
	"github.com/alanyoungcy/riskgate/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Admin signs state-changing requests. Nil closes the admin routes.
	Admin *crypto.HMACAuth

	Limiter         domain.RateLimiter // nil disables rate limiting
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Transfers may
// be nil, which leaves the transfer routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Wallets   *handler.WalletHandler
	Trades    *handler.TradeHandler
	Positions *handler.PositionHandler
	Plans     *handler.PlanHandler
	Transfers *handler.TransferHandler
	TxGuard   *handler.TxGuardHandler
}

// Server is the headless HTTP and WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()
	admin := middleware.AdminHMAC(cfg.Admin)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/wallets", handlers.Wallets.ListWallets)
	mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/pnl", handlers.Positions.PnL)
	mux.HandleFunc("GET /api/plans", handlers.Plans.ListPlans)
	mux.HandleFunc("GET /api/txguard", handlers.TxGuard.Status)

	mux.Handle("POST /api/admin/kill-switch", admin(http.HandlerFunc(handlers.Wallets.KillSwitch)))
	if handlers.Transfers != nil {
		mux.HandleFunc("GET /api/transfers", handlers.Transfers.ListApplied)
		mux.Handle("POST /api/admin/plans/{id}/apply", admin(http.HandlerFunc(handlers.Transfers.Apply)))
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
