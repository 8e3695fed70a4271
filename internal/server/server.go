// Package server exposes the raffle engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/server/handler"
	"github.com/alanyoungcy/raffler/internal/server/middleware"
	"github.com/alanyoungcy/raffler/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards operator routes (audit, faucet). Empty closes them.
	APIKey        string
	FaucetEnabled bool
	RateLimit     int
	RateWindow    time.Duration
}

// Handlers aggregates the HTTP handlers. Raffles, Wallets, Derive and Health
// are required; the rest are optional and their routes are skipped when nil.
type Handlers struct {
	Health  *handler.HealthHandler
	Raffles *handler.RaffleHandler
	Wallets *handler.WalletHandler
	Derive  *handler.DeriveHandler
	Audit   *handler.AuditHandler
	Events  *handler.EventsHandler
	Archive *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// limiter and hub may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewHandler(cfg, h, hub, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	operator := middleware.RequireKey(cfg.APIKey)

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/derive", h.Derive.Derive)

	mux.HandleFunc("POST /api/raffles", h.Raffles.Create)
	mux.HandleFunc("GET /api/raffles", h.Raffles.List)
	mux.HandleFunc("GET /api/raffles/{address}", h.Raffles.Get)
	mux.HandleFunc("GET /api/raffles/{address}/entries", h.Raffles.Entries)
	mux.HandleFunc("GET /api/raffles/{address}/book", h.Raffles.Book)
	mux.HandleFunc("GET /api/raffles/{address}/verify", h.Raffles.Verify)
	mux.HandleFunc("POST /api/raffles/{address}/tickets", h.Raffles.BuyTickets)
	mux.HandleFunc("POST /api/raffles/{address}/draw", h.Raffles.Draw)
	mux.HandleFunc("POST /api/raffles/{address}/disburse", h.Raffles.Disburse)
	mux.HandleFunc("POST /api/raffles/{address}/close", h.Raffles.Close)

	mux.HandleFunc("GET /api/wallets/{owner}", h.Wallets.Balance)
	if cfg.FaucetEnabled {
		mux.Handle("POST /api/wallets/{owner}/fund", operator(http.HandlerFunc(h.Wallets.Fund)))
	}

	if h.Audit != nil {
		mux.Handle("GET /api/audit", operator(http.HandlerFunc(h.Audit.List)))
	}
	if h.Events != nil {
		mux.HandleFunc("GET /api/events", h.Events.List)
	}
	if h.Archive != nil {
		mux.HandleFunc("GET /api/archive", h.Archive.List)
		mux.HandleFunc("GET /api/archive/{address}", h.Archive.Get)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var out http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		out = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(out)
	}
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	out = middleware.RequestID(out)
	return out
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
