package raffle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/raffler/internal/domain"
)

const keeperBatch = 100

// Keeper drives raffles whose sale has ended through draw and payout.
type Keeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewKeeper creates a Keeper polling every interval.
func NewKeeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Keeper{
		engine:   engine,
		interval: interval,
		logger:   logger.With(slog.String("component", "keeper")),
	}
}

// Run polls until ctx is cancelled. Call in a goroutine.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := k.RunOnce(ctx); err != nil {
				k.logger.ErrorContext(ctx, "keeper pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce settles every due raffle once and returns how many were paid out.
func (k *Keeper) RunOnce(ctx context.Context) (int, error) {
	due, err := k.engine.Due(ctx, keeperBatch)
	if err != nil {
		return 0, err
	}
	paid := 0
	for _, r := range due {
		log := k.logger.With(slog.String("raffle", r.Address.Hex()))
		if r.State != domain.RaffleWinnerSelected {
			if _, err := k.engine.SelectWinner(ctx, r.Address); err != nil {
				if errors.Is(err, domain.ErrNoEntries) {
					log.InfoContext(ctx, "no entries, awaiting close")
				} else {
					log.WarnContext(ctx, "draw failed", slog.String("error", err.Error()))
				}
				continue
			}
		}
		if _, err := k.engine.Disburse(ctx, r.Address); err != nil {
			level := slog.LevelWarn
			if domain.Fatal(err) {
				level = slog.LevelError
			}
			log.Log(ctx, level, "disburse failed", slog.String("error", err.Error()))
			continue
		}
		paid++
	}
	return paid, nil
}
