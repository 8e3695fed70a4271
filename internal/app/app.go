// Package app wires the raffler backends together and runs the configured
// mode until its context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/raffler/internal/config"
	"github.com/alanyoungcy/raffler/internal/crypto"
	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/raffle"
)

// App owns the configuration, logger and the cleanup functions run on
// shutdown in reverse order.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run wires dependencies, builds the engine and blocks in the selected mode.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting raffler",
		slog.String("mode", a.cfg.Mode),
		slog.String("store", a.cfg.Store.Driver),
		slog.String("entropy", a.cfg.Entropy.Source),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	engine := a.buildEngine(deps)

	switch strings.ToLower(a.cfg.Mode) {
	case "server":
		return a.ServerMode(ctx, deps, engine)
	case "keeper":
		return a.KeeperMode(ctx, engine)
	case "full":
		return a.FullMode(ctx, deps, engine)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

func (a *App) buildEngine(deps *Dependencies) *raffle.Engine {
	var archiver domain.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	events := raffle.NewPublisher(deps.SignalBus, deps.AuditStore, archiver, deps.RaffleCache, deps.Notifier, a.logger)
	return raffle.NewEngine(
		deps.RaffleStore,
		deps.Entropy,
		crypto.NewAccountFactory(a.cfg.ProgramAddress()),
		events,
		raffle.Options{
			Authority:             a.cfg.AuthorityAddress(),
			MaxTicketsPerPurchase: a.cfg.Engine.MaxTicketsPerPurchase,
			Locks:                 deps.LockManager,
			LockTTL:               a.cfg.Engine.LockTTL.Duration,
			LockWait:              a.cfg.Engine.LockWait.Duration,
		},
		a.logger,
	)
}

// Close runs the cleanup functions. Later calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down raffler")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
