package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.SendQueueSize != 256 || cfg.HeartbeatTimeout != time.Minute || cfg.StaleAfter != 5*time.Minute {
		t.Fatalf("unexpected gateway defaults: %+v", cfg)
	}
	if cfg.MembershipBackend != MembershipNone || cfg.PGNotifyChannel != "table_changes" {
		t.Fatalf("unexpected producer defaults: %+v", cfg)
	}
	if cfg.RedisOptions() != nil {
		t.Fatalf("expected no redis without a connection string")
	}
}

func TestLoadLists(t *testing.T) {
	t.Setenv("JWKS_URL", "https://issuer/.well-known/jwks.json")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("STRIP_FIELDS", "ssn,dob")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if len(cfg.StripFields) != 2 || cfg.StripFields[0] != "ssn" {
		t.Fatalf("unexpected strip fields %v", cfg.StripFields)
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("SEND_QUEUE_SIZE", "not-an-int")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			JWTSecret:         "s",
			LogFormat:         "text",
			SendQueueSize:     1,
			HeartbeatTimeout:  time.Minute,
			HandshakeTimeout:  time.Second,
			ActivityRate:      1,
			ActivityBurst:     1,
			DeduperTTL:        time.Hour,
			MembershipBackend: MembershipNone,
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(*Config){
		"no credentials":      func(c *Config) { c.JWTSecret = "" },
		"zero queue":          func(c *Config) { c.SendQueueSize = 0 },
		"ping after timeout":  func(c *Config) { c.PingInterval = 2 * time.Minute },
		"bad log format":      func(c *Config) { c.LogFormat = "xml" },
		"unknown backend":     func(c *Config) { c.MembershipBackend = "ldap" },
		"table without conn":  func(c *Config) { c.MembershipBackend = MembershipTable },
		"postgres without db": func(c *Config) { c.MembershipBackend = MembershipPostgres },
		"queue without conn":  func(c *Config) { c.MutationsQueue = "mutations" },
		"zero burst":          func(c *Config) { c.ActivityBurst = 0 },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRedisOptions(t *testing.T) {
	cfg := Config{RedisConnectionString: "redis://:pw@localhost:6380/2"}
	opts := cfg.RedisOptions()
	if opts.Addr != "localhost:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options %+v", opts)
	}

	cfg = Config{RedisConnectionString: "cache.example:6380,password=secret,ssl=True,abortConnect=False"}
	opts = cfg.RedisOptions()
	if opts.Addr != "cache.example:6380" || opts.Password != "secret" || opts.TLSConfig == nil {
		t.Fatalf("unexpected connection string options %+v", opts)
	}
}
