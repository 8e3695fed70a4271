package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/raffler/internal/blob/s3"
	"github.com/alanyoungcy/raffler/internal/cache/redis"
	"github.com/alanyoungcy/raffler/internal/config"
	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/entropy"
	"github.com/alanyoungcy/raffler/internal/notify"
	"github.com/alanyoungcy/raffler/internal/server/handler"
	"github.com/alanyoungcy/raffler/internal/store/memory"
	"github.com/alanyoungcy/raffler/internal/store/postgres"
	"github.com/alanyoungcy/raffler/internal/store/sqlite"
)

// Dependencies bundles the concrete backends the modes run on. Optional
// backends are nil when disabled.
type Dependencies struct {
	RaffleStore domain.RaffleStore
	AuditStore  domain.AuditStore

	// Redis-backed when enabled. SignalBus falls back to an in-process bus.
	RaffleCache domain.RaffleCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	Archiver *s3blob.Archiver

	Entropy  entropy.Source
	Notifier *notify.Notifier

	// Checks probes each external backend for the health endpoint.
	Checks map[string]handler.CheckFunc
}

// Wire constructs every backend named by cfg and returns a cleanup that
// releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.CheckFunc)}

	switch strings.ToLower(cfg.Store.Driver) {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.RaffleStore = postgres.NewRaffleStore(pg.Pool())
		deps.AuditStore = postgres.NewAuditStore(pg.Pool())
		deps.Checks["postgres"] = pg.Ping

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = sqlite.Close(db) })
		deps.RaffleStore = sqlite.NewRaffleStore(db)
		deps.AuditStore = sqlite.NewAuditStore(db)
		deps.Checks["sqlite"] = func(ctx context.Context) error {
			return db.WithContext(ctx).Exec("SELECT 1").Error
		}

	default:
		logger.WarnContext(ctx, "using in-memory store; state is lost on exit")
		deps.RaffleStore = memory.New()
		deps.AuditStore = memory.NewAuditLog()
	}

	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.RaffleCache = redis.NewRaffleCache(rc, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.Checks["redis"] = rc.Ping
	} else {
		deps.SignalBus = memory.NewBus()
	}

	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), s3blob.NewReader(sc))
		deps.Checks["s3"] = sc.Health
	}

	switch strings.ToLower(cfg.Entropy.Source) {
	case "chain":
		src, closeChain, err := entropy.DialChain(ctx, cfg.Entropy.RPCURL, cfg.Entropy.Confirmations)
		if err != nil {
			return fail("entropy", err)
		}
		closers = append(closers, closeChain)
		deps.Entropy = src
	default:
		deps.Entropy = entropy.SystemSource{}
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
