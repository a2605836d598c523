package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/agentdb/config"
	"github.com/mohammad-safakhou/agentdb/internal/actor"
	"github.com/mohammad-safakhou/agentdb/internal/intent"
	"github.com/mohammad-safakhou/agentdb/internal/notify"
	"github.com/mohammad-safakhou/agentdb/internal/store"
	"github.com/mohammad-safakhou/agentdb/internal/tier"
)

// Run wires the whole service together and serves the inbound call surface
// until the process is signalled.
func Run(cfg config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared collaborators. Redis and Postgres are optional: without them
	// the warm/cold tiers fall back to process memory and nothing is
	// durable, which is the single-binary dev setup.
	var (
		warm, cold  tier.RangeStore
		persister   actor.Persister
		redisClient *redis.Client
	)
	if cfg.Redis.Addr != "" {
		client, err := tier.Conn(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.DialTimeout)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		redisClient = client
		warm = tier.NewRedisRangeStore(client)
	}
	if dsn, err := cfg.Postgres.DSN(); err == nil {
		st, err := store.NewWithDSN(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		cold = st
		persister = st
	} else {
		baseLogger.Printf("running without durability: %v", err)
	}
	if warm == nil {
		warm = tier.NewMemoryRangeStore()
	}
	if cold == nil {
		cold = warm
	}

	actorLogger := log.New(log.Writer(), "[ACTOR] ", log.LstdFlags)
	registry := actor.NewRegistry(func(instance string) *actor.Actor {
		return actor.New(actor.Config{
			Instance:   instance,
			Warm:       warm,
			Cold:       cold,
			Thresholds: tier.Thresholds{HotMaxRows: cfg.Tiers.HotMaxRows, HotMaxSize: cfg.Tiers.HotMaxSize},
			Resolver: intent.Options{
				TimestampColumn: cfg.Resolver.TimestampColumn,
				DueColumn:       cfg.Resolver.DueColumn,
				DefaultLimit:    cfg.Resolver.DefaultLimit,
				AmbiguityMargin: cfg.Resolver.AmbiguityMargin,
			},
			Persister:     persister,
			Targets:       targetResolver(redisClient, cfg.Redis.StreamMaxLen, actorLogger),
			WarmMaxRanges: cfg.Tiers.WarmMaxRanges,
			MailboxSize:   cfg.Tiers.MailboxSize,
			Logger:        actorLogger,
		})
	}, cleanupFunc(persister), nil)
	defer registry.StopAll()

	if cfg.Compaction.Enabled {
		if err := registry.ScheduleCompaction(ctx, cfg.Compaction.Schedule); err != nil {
			return err
		}
	}

	h := &Handler{Registry: registry}
	api := e.Group("/v1")
	if cfg.Server.JWTSecret != "" {
		api.Use(jwtMiddleware([]byte(cfg.Server.JWTSecret)))
	}
	h.Register(api)

	go func() {
		<-ctx.Done()
		_ = e.Shutdown(context.Background())
	}()

	baseLogger.Printf("listening on %s", cfg.Server.Address)
	if err := e.Start(cfg.Server.Address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// targetResolver maps persisted target specs to live delivery targets.
// "log" logs; "stream:<name>" appends to a Redis stream, the async
// boundary cross-instance watches ride on.
func targetResolver(client *redis.Client, streamMaxLen int64, logger *log.Logger) actor.TargetResolver {
	logResolver := actor.LogTargetResolver(logger)
	return func(spec string) (notify.Target, error) {
		switch {
		case spec == "" || spec == "log":
			return logResolver(spec)
		case len(spec) > 7 && spec[:7] == "stream:":
			if client == nil {
				return nil, fmt.Errorf("target %q requires redis", spec)
			}
			return notify.NewStreamTarget(client, spec[7:], notify.WithMaxLenApprox(streamMaxLen)), nil
		default:
			return nil, fmt.Errorf("unknown delivery target %q", spec)
		}
	}
}

func cleanupFunc(p actor.Persister) func(ctx context.Context, instance string) error {
	st, ok := p.(*store.Store)
	if !ok || st == nil {
		return nil
	}
	return func(ctx context.Context, instance string) error {
		return st.DeleteInstanceSubscriptions(ctx, instance)
	}
}
