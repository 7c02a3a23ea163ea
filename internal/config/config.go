// Package config holds the server configuration and its command line
// flags. Every flag can also be set through its KEYSERVICE_* variable.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/service/prekey"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/session"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

type (
	Config struct {
		ListenAddr string

		RedisAddr     string
		RedisPassword string
		RedisDB       int

		MongoURI      string
		MongoDatabase string

		LogJSON    bool
		LogDebug   bool
		LogService string

		Session   session.Config
		Directory prekey.Config

		SenderKeyRotationInterval time.Duration
		AnnouncementDebounce      time.Duration
		RelayTimeout              time.Duration
		MailboxTTL                time.Duration
		// MailboxKey seals parked handshakes when set. It is 32 bytes.
		MailboxKey []byte

		DrainDuration            time.Duration
		GracefulShutdownDuration time.Duration
	}
)

func Default() *Config {
	return &Config{
		ListenAddr:                "127.0.0.1:9090",
		RedisAddr:                 "localhost:6379",
		MongoURI:                  "mongodb://localhost:27017",
		MongoDatabase:             "chat",
		LogService:                "keyservice",
		Session:                   session.DefaultConfig(),
		Directory:                 prekey.DefaultConfig(),
		SenderKeyRotationInterval: 7 * 24 * time.Hour,
		AnnouncementDebounce:      2 * time.Second,
		RelayTimeout:              5 * time.Second,
		MailboxTTL:                7 * 24 * time.Hour,
		DrainDuration:             5 * time.Second,
		GracefulShutdownDuration:  30 * time.Second,
	}
}

func env(name string) []string {
	return []string{"KEYSERVICE_" + name}
}

// Flags returns the cli flags, with Default() values.
func Flags() []cli.Flag {
	d := Default()
	return []cli.Flag{
		&cli.StringFlag{Name: "listen-addr", Value: d.ListenAddr, Usage: "address to serve websocket and control API on", EnvVars: env("LISTEN_ADDR")},
		&cli.StringFlag{Name: "redis-addr", Value: d.RedisAddr, Usage: "redis address", EnvVars: env("REDIS_ADDR")},
		&cli.StringFlag{Name: "redis-password", Usage: "redis password", EnvVars: env("REDIS_PASSWORD")},
		&cli.IntFlag{Name: "redis-db", Value: d.RedisDB, Usage: "redis database number", EnvVars: env("REDIS_DB")},
		&cli.StringFlag{Name: "mongo-uri", Value: d.MongoURI, Usage: "mongodb connection string of the membership store", EnvVars: env("MONGO_URI")},
		&cli.StringFlag{Name: "mongo-database", Value: d.MongoDatabase, Usage: "mongodb database holding conversation_participants", EnvVars: env("MONGO_DATABASE")},
		&cli.StringFlag{Name: "directory-url", Usage: "base URL of the pre-key directory service", Required: true, EnvVars: env("DIRECTORY_URL")},

		&cli.BoolFlag{Name: "log-json", Value: d.LogJSON, Usage: "log in JSON format", EnvVars: env("LOG_JSON")},
		&cli.BoolFlag{Name: "log-debug", Value: d.LogDebug, Usage: "log debug messages", EnvVars: env("LOG_DEBUG")},
		&cli.StringFlag{Name: "log-service", Value: d.LogService, Usage: "add 'service' tag to logs", EnvVars: env("LOG_SERVICE")},

		&cli.DurationFlag{Name: "session-lifetime", Value: d.Session.SessionLifetime, Usage: "age after which a pairwise session is due for rotation", EnvVars: env("SESSION_LIFETIME")},
		&cli.Uint64Flag{Name: "rotation-threshold", Value: d.Session.RotationThreshold, Usage: "messages after which a pairwise session is due for rotation", EnvVars: env("ROTATION_THRESHOLD")},
		&cli.IntFlag{Name: "ratchet-cache-size", Value: d.Session.CacheSize, Usage: "live ratchets kept in memory", EnvVars: env("RATCHET_CACHE_SIZE")},
		&cli.DurationFlag{Name: "ratchet-cache-ttl", Value: d.Session.CacheTTL, Usage: "idle time before a cached ratchet is dropped", EnvVars: env("RATCHET_CACHE_TTL")},

		&cli.DurationFlag{Name: "prekey-cache-ttl", Value: d.Directory.CacheTTL, Usage: "how long fetched bundles are cached", EnvVars: env("PREKEY_CACHE_TTL")},
		&cli.DurationFlag{Name: "prekey-negative-ttl", Value: d.Directory.NegativeCacheTTL, Usage: "how long a missing bundle is remembered", EnvVars: env("PREKEY_NEGATIVE_TTL")},
		&cli.Int64Flag{Name: "prekey-rate-limit", Value: d.Directory.RateLimitPerMinute, Usage: "bundle requests per requester per minute", EnvVars: env("PREKEY_RATE_LIMIT")},
		&cli.DurationFlag{Name: "directory-timeout", Value: d.Directory.Timeout, Usage: "per-attempt directory request timeout", EnvVars: env("DIRECTORY_TIMEOUT")},
		&cli.IntFlag{Name: "directory-retries", Value: d.Directory.RetryMax, Usage: "retries of a failed directory request", EnvVars: env("DIRECTORY_RETRIES")},

		&cli.DurationFlag{Name: "sender-key-rotation", Value: d.SenderKeyRotationInterval, Usage: "age after which a group sender key is due for rotation", EnvVars: env("SENDER_KEY_ROTATION")},
		&cli.DurationFlag{Name: "announcement-debounce", Value: d.AnnouncementDebounce, Usage: "window collapsing repeated key announcements", EnvVars: env("ANNOUNCEMENT_DEBOUNCE")},
		&cli.DurationFlag{Name: "relay-timeout", Value: d.RelayTimeout, Usage: "timeout of a single handshake relay", EnvVars: env("RELAY_TIMEOUT")},
		&cli.StringFlag{Name: "mailbox-key", Usage: "hex AES-256 key sealing parked handshakes", EnvVars: env("MAILBOX_KEY")},
		&cli.DurationFlag{Name: "mailbox-ttl", Value: d.MailboxTTL, Usage: "how long handshakes for offline users are kept", EnvVars: env("MAILBOX_TTL")},

		&cli.DurationFlag{Name: "drain-duration", Value: d.DrainDuration, Usage: "time between failing readiness and stopping on shutdown", EnvVars: env("DRAIN_DURATION")},
	}
}

// FromCLI reads the flags returned by Flags.
func FromCLI(cCtx *cli.Context) (*Config, error) {
	cfg := Default()

	cfg.ListenAddr = cCtx.String("listen-addr")
	cfg.RedisAddr = cCtx.String("redis-addr")
	cfg.RedisPassword = cCtx.String("redis-password")
	cfg.RedisDB = cCtx.Int("redis-db")
	cfg.MongoURI = cCtx.String("mongo-uri")
	cfg.MongoDatabase = cCtx.String("mongo-database")
	cfg.Directory.BaseURL = cCtx.String("directory-url")

	cfg.LogJSON = cCtx.Bool("log-json")
	cfg.LogDebug = cCtx.Bool("log-debug")
	cfg.LogService = cCtx.String("log-service")

	cfg.Session.SessionLifetime = cCtx.Duration("session-lifetime")
	cfg.Session.RotationThreshold = cCtx.Uint64("rotation-threshold")
	cfg.Session.CacheSize = cCtx.Int("ratchet-cache-size")
	cfg.Session.CacheTTL = cCtx.Duration("ratchet-cache-ttl")

	cfg.Directory.CacheTTL = cCtx.Duration("prekey-cache-ttl")
	cfg.Directory.NegativeCacheTTL = cCtx.Duration("prekey-negative-ttl")
	cfg.Directory.RateLimitPerMinute = cCtx.Int64("prekey-rate-limit")
	cfg.Directory.Timeout = cCtx.Duration("directory-timeout")
	cfg.Directory.RetryMax = cCtx.Int("directory-retries")

	cfg.SenderKeyRotationInterval = cCtx.Duration("sender-key-rotation")
	cfg.AnnouncementDebounce = cCtx.Duration("announcement-debounce")
	cfg.RelayTimeout = cCtx.Duration("relay-timeout")
	cfg.MailboxTTL = cCtx.Duration("mailbox-ttl")
	cfg.DrainDuration = cCtx.Duration("drain-duration")

	key, err := hex.DecodeString(cCtx.String("mailbox-key"))
	if err != nil {
		return cfg, multierr.Append(fmt.Errorf("mailbox-key: %w", err), cfg.Validate())
	}
	cfg.MailboxKey = key

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Directory.BaseURL == "" {
		errs = multierr.Append(errs, errors.New("directory-url is required"))
	}
	if c.Session.RotationThreshold == 0 {
		errs = multierr.Append(errs, errors.New("rotation-threshold must be positive"))
	}
	if c.Session.CacheSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("ratchet-cache-size must be positive, got %d", c.Session.CacheSize))
	}
	if c.Directory.RateLimitPerMinute <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("prekey-rate-limit must be positive, got %d", c.Directory.RateLimitPerMinute))
	}
	if c.Directory.RetryMax < 0 {
		errs = multierr.Append(errs, fmt.Errorf("directory-retries must not be negative, got %d", c.Directory.RetryMax))
	}

	if n := len(c.MailboxKey); n != 0 && n != 32 {
		errs = multierr.Append(errs, fmt.Errorf("mailbox-key must be 32 bytes, got %d", n))
	}

	positive("session-lifetime", c.Session.SessionLifetime)
	positive("ratchet-cache-ttl", c.Session.CacheTTL)
	positive("prekey-cache-ttl", c.Directory.CacheTTL)
	positive("prekey-negative-ttl", c.Directory.NegativeCacheTTL)
	positive("directory-timeout", c.Directory.Timeout)
	positive("sender-key-rotation", c.SenderKeyRotationInterval)
	positive("announcement-debounce", c.AnnouncementDebounce)
	positive("relay-timeout", c.RelayTimeout)
	positive("mailbox-ttl", c.MailboxTTL)

	return errs
}
