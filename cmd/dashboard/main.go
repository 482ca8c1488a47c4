package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tracksure/internal/channel"
	"tracksure/internal/config"
	"tracksure/internal/db"
	"tracksure/internal/logger"
	"tracksure/internal/session"
	"tracksure/internal/snapshot"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig   func() config.Config
	connectRedis func(config.Config) *redis.Client
	notify       func(chan<- os.Signal, ...os.Signal)
	run          func(context.Context, config.Config, *redis.Client, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:   config.Load,
		connectRedis: db.ConnectRedis,
		notify:       signal.Notify,
		run:          Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	log := logger.Init(logger.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	var rdb *redis.Client
	if strings.EqualFold(cfg.ChannelTransport, "redis") {
		rdb = deps.connectRedis(cfg)
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, rdb, signals, nil); err != nil {
		log.Error().Err(err).Msg("dashboard exited with error")
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

// Run opens the tracking view for cfg.DeviceID and serves its read model
// until a termination signal arrives.
func Run(ctx context.Context, cfg config.Config, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc) error {
	log := logger.For("dashboard")

	loader := snapshot.NewLoader(
		snapshot.NewHTTPFetcher(cfg.FeedURL, cfg.APIToken, cfg.FetchTimeout),
		cfg.SnapshotLimit,
		logger.For("snapshot"),
	)
	coord := session.NewCoordinator(loader, newTransport(cfg, rdb), sessionConfig(cfg), logger.For("session"))
	coord.Open(ctx, cfg.DeviceID)
	defer coord.Close()

	app := newApp(coord)
	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(app, cfg.DashboardPort)
	}()
	log.Info().Str("addr", cfg.DashboardPort).Str("device_id", cfg.DeviceID).Msg("dashboard started")

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info().Msg("dashboard stopped")
	return nil
}

func newTransport(cfg config.Config, rdb *redis.Client) channel.Transport {
	if rdb != nil && strings.EqualFold(cfg.ChannelTransport, "redis") {
		return channel.NewRedisTransport(rdb)
	}
	return channel.NewWebsocketTransport(cfg.StreamURL, cfg.APIToken)
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		TrajectoryCapacity: cfg.TrajectoryCapacity,
		AlertCapacity:      cfg.AlertCapacity,
		Channel: channel.Options{
			DialTimeout:   cfg.DialTimeout,
			MaxRetries:    cfg.MaxRetries,
			RetryDelay:    cfg.RetryDelay,
			MaxRetryDelay: cfg.MaxRetryDelay,
		},
	}
}

func newApp(coord *session.Coordinator) *fiber.App {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	session.RegisterRoutes(app, coord)
	return app
}
