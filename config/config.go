package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// Membership backends.
const (
	MembershipNone     = "none"
	MembershipTable    = "table"
	MembershipPostgres = "postgres"
)

// Config is the process configuration read from the environment.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	Debug     bool   `env:"DEBUG"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	JWTSecret   string `env:"JWT_SECRET"`
	JWKSURL     string `env:"JWKS_URL"`
	JWTAudience string `env:"JWT_AUDIENCE"`
	JWTIssuer   string `env:"JWT_ISSUER"`

	ServiceToken   string   `env:"SERVICE_TOKEN"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	StripFields    []string `env:"STRIP_FIELDS" envSeparator:","`

	SendQueueSize     int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	PingInterval      time.Duration `env:"PING_INTERVAL"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	StaleAfter        time.Duration `env:"STALE_AFTER" envDefault:"5m"`
	BroadcastActivity bool          `env:"BROADCAST_ACTIVITY"`
	ActivityRate      float64       `env:"ACTIVITY_RATE" envDefault:"1"`
	ActivityBurst     int           `env:"ACTIVITY_BURST" envDefault:"5"`

	RedisConnectionString string        `env:"REDIS_CONNECTION_STRING"`
	MutationsChannel      string        `env:"MUTATIONS_CHANNEL" envDefault:"mutations"`
	MembershipCacheTTL    time.Duration `env:"MEMBERSHIP_CACHE_TTL" envDefault:"1m"`
	DeduperTTL            time.Duration `env:"DEDUPER_TTL" envDefault:"24h"`

	DatabaseURL     string `env:"DATABASE_URL"`
	PGNotifyChannel string `env:"PG_NOTIFY_CHANNEL" envDefault:"table_changes"`

	MembershipBackend       string `env:"MEMBERSHIP_BACKEND" envDefault:"none"`
	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	MembersTable            string `env:"MEMBERS_TABLE" envDefault:"members"`
	MutationsQueue          string `env:"MUTATIONS_QUEUE"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.JWTSecret == "" && c.JWKSURL == "" {
		return errors.New("one of JWT_SECRET or JWKS_URL is required")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive, got %d", c.SendQueueSize)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be positive, got %s", c.HeartbeatTimeout)
	}
	if c.PingInterval < 0 || (c.PingInterval > 0 && c.PingInterval >= c.HeartbeatTimeout) {
		return fmt.Errorf("PING_INTERVAL must be shorter than HEARTBEAT_TIMEOUT")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be positive, got %s", c.HandshakeTimeout)
	}
	if c.ActivityRate <= 0 || c.ActivityBurst <= 0 {
		return errors.New("ACTIVITY_RATE and ACTIVITY_BURST must be positive")
	}
	if c.DeduperTTL <= 0 {
		return fmt.Errorf("invalid DEDUPER_TTL: %s", c.DeduperTTL)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	switch c.MembershipBackend {
	case MembershipNone:
	case MembershipTable:
		if c.StorageConnectionString == "" || c.MembersTable == "" {
			return errors.New("membership backend table needs STORAGE_CONNECTION_STRING and MEMBERS_TABLE")
		}
	case MembershipPostgres:
		if c.DatabaseURL == "" {
			return errors.New("membership backend postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown MEMBERSHIP_BACKEND %q", c.MembershipBackend)
	}
	if c.MutationsQueue != "" && c.StorageConnectionString == "" {
		return errors.New("MUTATIONS_QUEUE needs STORAGE_CONNECTION_STRING")
	}
	return nil
}

// RedisOptions parses REDIS_CONNECTION_STRING. Both redis:// URLs and the
// "host:port,password=...,ssl=true" form are accepted. It returns nil when no
// redis is configured.
func (c Config) RedisOptions() *redis.Options {
	if c.RedisConnectionString == "" {
		return nil
	}
	opts, err := redis.ParseURL(c.RedisConnectionString)
	if err == nil {
		return opts
	}
	parts := strings.Split(c.RedisConnectionString, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
