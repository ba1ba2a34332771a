package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"realtime-gateway/api"
	"realtime-gateway/bus"
	"realtime-gateway/config"
	"realtime-gateway/gateway"
	"realtime-gateway/hooks"
	"realtime-gateway/presence"
	"realtime-gateway/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	logger := log.StandardLogger()
	instanceID := uuid.NewString()
	logger.WithField("instance", instanceID).Info("starting realtime gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gw := gateway.New(logger, presence.NewRegistry(), gateway.Options{
		QueueSize:         cfg.SendQueueSize,
		PingInterval:      cfg.PingInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		StaleAfter:        cfg.StaleAfter,
		BroadcastActivity: cfg.BroadcastActivity,
		ActivityRate:      cfg.ActivityRate,
		ActivityBurst:     cfg.ActivityBurst,
		Metrics:           gateway.NewMetrics(reg),
	})
	events := bus.New(logger)
	events.Subscribe(gw)

	var sink hooks.MutationSink = hooks.NewAdapter(events, logger, cfg.StripFields...)

	var rc *redis.Client
	if opts := cfg.RedisOptions(); opts != nil {
		rc = redis.NewClient(opts)
		defer rc.Close()
		sink = hooks.NewDedupingSink(sink, hooks.NewRedisDeduper(rc, cfg.DeduperTTL, instanceID), logger)
	}

	var store *storage.Storage
	if cfg.StorageConnectionString != "" {
		store, err = storage.New(cfg.StorageConnectionString, cfg.MembersTable, cfg.MutationsQueue)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		provisionCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = store.Provision(provisionCtx)
		cancel()
		if err != nil {
			log.Fatalf("provision storage: %v", err)
		}
	}

	var membership storage.Membership
	switch cfg.MembershipBackend {
	case config.MembershipTable:
		membership = store
	case config.MembershipPostgres:
		pg, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		membership = pg
	}
	if membership != nil && rc != nil {
		membership = storage.NewCache(membership, rc, cfg.MembershipCacheTTL)
	}

	if rc != nil {
		go hooks.RelayMutations(ctx, logger, rc, cfg.MutationsChannel, sink)
	}
	if cfg.DatabaseURL != "" {
		go func() {
			if err := hooks.ListenPostgres(ctx, logger, cfg.DatabaseURL, cfg.PGNotifyChannel, sink); err != nil {
				logger.WithError(err).Error("database notification listener stopped")
			}
		}()
	}
	if store != nil && cfg.MutationsQueue != "" {
		go hooks.ConsumeQueue(ctx, logger, store, sink, time.Second)
	}
	go gw.RunJanitor(ctx)

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "realtime_http",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/ws"
		},
	}))
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, api.Deps{
		Gateway:    gw,
		Auth:       auth,
		Membership: membership,
		Mutations:  sink,
		Metrics:    reg,
		Logger:     logger,
	}, api.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ServiceToken:     cfg.ServiceToken,
		AllowedOrigins:   cfg.AllowedOrigins,
	})

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("gateway shutdown incomplete")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	if cfg.JWTSecret != "" {
		return api.NewAuth(nil, []byte(cfg.JWTSecret), cfg.JWTAudience, cfg.JWTIssuer), nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{})
	if err != nil {
		return nil, err
	}
	return api.NewAuth(jwks, nil, cfg.JWTAudience, cfg.JWTIssuer), nil
}
