package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads .env if present and
// applies RAFFLER_* overrides. An empty path skips the file. The result is
// not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Engine.Authority, "RAFFLER_ENGINE_AUTHORITY")
	setStr(&cfg.Engine.ProgramID, "RAFFLER_ENGINE_PROGRAM_ID")
	setDuration(&cfg.Engine.LockTTL, "RAFFLER_ENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.LockWait, "RAFFLER_ENGINE_LOCK_WAIT")
	setUint64(&cfg.Engine.MaxTicketsPerPurchase, "RAFFLER_ENGINE_MAX_TICKETS_PER_PURCHASE")

	setStr(&cfg.Store.Driver, "RAFFLER_STORE_DRIVER")

	setStr(&cfg.Postgres.DSN, "RAFFLER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RAFFLER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RAFFLER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RAFFLER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RAFFLER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RAFFLER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RAFFLER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RAFFLER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RAFFLER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RAFFLER_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.SQLite.Path, "RAFFLER_SQLITE_PATH")

	setBool(&cfg.Redis.Enabled, "RAFFLER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "RAFFLER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RAFFLER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RAFFLER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "RAFFLER_REDIS_TLS_ENABLED")

	setBool(&cfg.S3.Enabled, "RAFFLER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "RAFFLER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RAFFLER_S3_REGION")
	setStr(&cfg.S3.Bucket, "RAFFLER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RAFFLER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RAFFLER_S3_SECRET_KEY")

	setStr(&cfg.Entropy.Source, "RAFFLER_ENTROPY_SOURCE")
	setStr(&cfg.Entropy.RPCURL, "RAFFLER_ENTROPY_RPC_URL")
	setUint64(&cfg.Entropy.Confirmations, "RAFFLER_ENTROPY_CONFIRMATIONS")

	setBool(&cfg.Keeper.Enabled, "RAFFLER_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.Interval, "RAFFLER_KEEPER_INTERVAL")

	setInt(&cfg.Server.Port, "RAFFLER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RAFFLER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RAFFLER_SERVER_API_KEY")
	setBool(&cfg.Server.RequireSignatures, "RAFFLER_SERVER_REQUIRE_SIGNATURES")
	setDuration(&cfg.Server.SignatureTTL, "RAFFLER_SERVER_SIGNATURE_TTL")
	setInt(&cfg.Server.RateLimit, "RAFFLER_SERVER_RATE_LIMIT")

	setBool(&cfg.Wallets.FaucetEnabled, "RAFFLER_WALLETS_FAUCET_ENABLED")

	setStr(&cfg.Notify.TelegramToken, "RAFFLER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RAFFLER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RAFFLER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RAFFLER_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "RAFFLER_MODE")
	setStr(&cfg.LogLevel, "RAFFLER_LOG_LEVEL")
}

// The setters below leave dst untouched when the variable is unset, empty or
// unparsable.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = n
	}
}

func setUint64(dst *uint64, key string) {
	if n, err := strconv.ParseUint(os.Getenv(key), 10, 64); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, key string) {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = b
	}
}

func setDuration(dst *duration, key string) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		dst.Duration = d
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
