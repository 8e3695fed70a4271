package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/raffler/internal/raffle"
	"github.com/alanyoungcy/raffler/internal/server"
	"github.com/alanyoungcy/raffler/internal/server/handler"
	"github.com/alanyoungcy/raffler/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and WebSocket hub.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, engine *raffle.Engine) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, engine)
	return g.Wait()
}

// KeeperMode only draws and pays out due raffles.
func (a *App) KeeperMode(ctx context.Context, engine *raffle.Engine) error {
	a.logger.InfoContext(ctx, "starting keeper mode",
		slog.Duration("interval", a.cfg.Keeper.Interval.Duration),
	)
	return raffle.NewKeeper(engine, a.cfg.Keeper.Interval.Duration, a.logger).Run(ctx)
}

// FullMode runs the server and, when enabled, the keeper in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, engine *raffle.Engine) error {
	a.logger.InfoContext(ctx, "starting full mode", slog.Bool("keeper", a.cfg.Keeper.Enabled))
	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Keeper.Enabled {
		keeper := raffle.NewKeeper(engine, a.cfg.Keeper.Interval.Duration, a.logger)
		g.Go(func() error { return keeper.Run(ctx) })
	}
	a.startHTTPServer(ctx, g, deps, engine)
	return g.Wait()
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *raffle.Engine) {
	sc := a.cfg.Server
	verifier := handler.NewVerifier(sc.RequireSignatures, sc.SignatureTTL.Duration)
	if !sc.RequireSignatures {
		a.logger.WarnContext(ctx, "request signatures disabled; signers are trusted as stated")
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Raffles: handler.NewRaffleHandler(engine, verifier, a.logger),
		Wallets: handler.NewWalletHandler(engine, a.logger),
		Derive:  handler.NewDeriveHandler(engine.Factory(), a.logger),
		Audit:   handler.NewAuditHandler(deps.AuditStore, a.logger),
		Events:  handler.NewEventsHandler(deps.SignalBus, a.logger),
	}
	if deps.Archiver != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.Archiver, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, sc.CORSOrigins, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:          sc.Port,
		CORSOrigins:   sc.CORSOrigins,
		APIKey:        sc.APIKey,
		FaucetEnabled: a.cfg.Wallets.FaucetEnabled,
		RateLimit:     sc.RateLimit,
		RateWindow:    sc.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
