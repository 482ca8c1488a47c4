package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tracksure/internal/auth"
	"tracksure/internal/config"
	"tracksure/internal/db"
	"tracksure/internal/logger"
	"tracksure/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	args            []string
	stdout          io.Writer
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		args:            os.Args[1:],
		stdout:          os.Stdout,
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	log := logger.Init(logger.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	flags := flag.NewFlagSet("feedd", flag.ContinueOnError)
	issue := flags.String("issue-token", "", "print a bearer token for the named client and exit")
	ttl := flags.Duration("token-ttl", auth.DefaultTokenTTL, "lifetime of an issued token")
	if err := flags.Parse(deps.args); err != nil {
		log.Error().Err(err).Msg("bad arguments")
		return
	}
	if *issue != "" {
		token, err := auth.SignToken(cfg.JWTSecret, *issue, *ttl)
		if err != nil {
			log.Error().Err(err).Msg("issue token failed")
			return
		}
		fmt.Fprintln(deps.stdout, token)
		return
	}

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		log.Error().Err(err).Msg("postgres connection failed")
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, signals, nil); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the feed server and waits for termination signals.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc) error {
	log := logger.For("feedd")

	var q db.Querier
	if pg != nil {
		if err := db.EnsureSchema(ctx, pg); err != nil {
			log.Error().Err(err).Msg("schema setup failed")
		}
		q = pg
	}
	srv := server.NewServer(cfg, q, rdb, log)

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()
	log.Info().Str("addr", cfg.ServerPort).Bool("redis", rdb != nil).Bool("postgres", pg != nil).Msg("feed server started")

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			srv.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.Close()
	if err := shutdownFn(srv.App, shutdownCtx); err != nil {
		return err
	}
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info().Msg("feed server stopped")
	return nil
}
