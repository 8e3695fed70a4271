// Package config defines the raffler service configuration: a TOML file
// decoded over Defaults, then RAFFLER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Entropy  EntropyConfig  `toml:"entropy"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Server   ServerConfig   `toml:"server"`
	Wallets  WalletsConfig  `toml:"wallets"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig tunes the raffle engine.
type EngineConfig struct {
	// Authority may close any raffle. Empty disables the override.
	Authority             string   `toml:"authority"`
	ProgramID             string   `toml:"program_id"`
	LockTTL               duration `toml:"lock_ttl"`
	LockWait              duration `toml:"lock_wait"`
	MaxTicketsPerPurchase uint64   `toml:"max_tickets_per_purchase"`
}

// StoreConfig picks the persistence backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // postgres | sqlite | memory
}

type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"sslmode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig enables the distributed lock, event bus, rate limiter and
// raffle cache.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	CacheTTL   duration `toml:"cache_ttl"`
}

// S3Config enables archiving of closed raffles.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EntropyConfig selects where draw seeds come from.
type EntropyConfig struct {
	Source        string `toml:"source"` // chain | system
	RPCURL        string `toml:"rpc_url"`
	Confirmations uint64 `toml:"confirmations"`
}

type KeeperConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RequireSignatures bool     `toml:"require_signatures"`
	SignatureTTL      duration `toml:"signature_ttl"`
	// RateLimit is requests per RateWindow per client; 0 disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

type WalletsConfig struct {
	FaucetEnabled bool `toml:"faucet_enabled"`
}

type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration decodes TOML strings such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a single in-memory node.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			ProgramID:             "0x00000000000000000000000000000000000000f1",
			LockTTL:               duration{30 * time.Second},
			LockWait:              duration{2 * time.Second},
			MaxTicketsPerPurchase: 1000,
		},
		Store: StoreConfig{Driver: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "raffler",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "raffler.db"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			CacheTTL:   duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "raffler-archive",
			ForcePathStyle: true,
		},
		Entropy: EntropyConfig{Source: "system", Confirmations: 2},
		Keeper:  KeeperConfig{Enabled: true, Interval: duration{15 * time.Second}},
		Server: ServerConfig{
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000"},
			RequireSignatures: true,
			SignatureTTL:      duration{5 * time.Minute},
			RateLimit:         120,
			RateWindow:        duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"winner_selected", "prize_disbursed", "raffle_closed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var (
	validModes     = []string{"server", "keeper", "full"}
	validDrivers   = []string{"postgres", "sqlite", "memory"}
	validSources   = []string{"chain", "system"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !oneOf(c.Mode, validModes) {
		add("mode: unknown %q (valid: %s)", c.Mode, strings.Join(validModes, ", "))
	}
	if !oneOf(c.LogLevel, validLogLevels) {
		add("log_level: unknown %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Engine.Authority != "" && !common.IsHexAddress(c.Engine.Authority) {
		add("engine: authority %q is not an address", c.Engine.Authority)
	}
	if !common.IsHexAddress(c.Engine.ProgramID) {
		add("engine: program_id %q is not an address", c.Engine.ProgramID)
	}
	if c.Engine.LockTTL.Duration <= 0 || c.Engine.LockWait.Duration <= 0 {
		add("engine: lock_ttl and lock_wait must be positive")
	}
	if c.Engine.MaxTicketsPerPurchase == 0 {
		add("engine: max_tickets_per_purchase must be positive")
	}

	if !oneOf(c.Store.Driver, validDrivers) {
		add("store: unknown driver %q (valid: %s)", c.Store.Driver, strings.Join(validDrivers, ", "))
	}
	switch strings.ToLower(c.Store.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" || c.Postgres.Database == "" {
				add("postgres: host and database are required unless dsn is set")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
		}
		if c.Postgres.PoolMaxConns < 1 || c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: need 0 <= pool_min_conns <= pool_max_conns and pool_max_conns >= 1")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			add("sqlite: path must not be empty")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.S3.Enabled && (c.S3.Bucket == "" || c.S3.Region == "") {
		add("s3: bucket and region are required when enabled")
	}

	if !oneOf(c.Entropy.Source, validSources) {
		add("entropy: unknown source %q (valid: %s)", c.Entropy.Source, strings.Join(validSources, ", "))
	}
	if strings.EqualFold(c.Entropy.Source, "chain") && c.Entropy.RPCURL == "" {
		add("entropy: rpc_url is required for the chain source")
	}

	if c.Keeper.Enabled && c.Keeper.Interval.Duration <= 0 {
		add("keeper: interval must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.SignatureTTL.Duration <= 0 {
		add("server: signature_ttl must be positive")
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0) {
		add("server: rate_limit must be >= 0 with a positive rate_window")
	}
	if c.Wallets.FaucetEnabled && c.Server.APIKey == "" {
		add("wallets: faucet_enabled requires server.api_key")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// AuthorityAddress returns the configured authority or the zero address.
func (c *Config) AuthorityAddress() common.Address {
	if c.Engine.Authority == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Engine.Authority)
}

// ProgramAddress returns the program id raffle addresses are derived under.
func (c *Config) ProgramAddress() common.Address {
	return common.HexToAddress(c.Engine.ProgramID)
}
