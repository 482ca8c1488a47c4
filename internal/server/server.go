package server

import (
	"tracksure/internal/auth"
	"tracksure/internal/config"
	"tracksure/internal/db"
	"tracksure/internal/feed"
	"tracksure/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Server is the feed: REST ingestion and listing plus the live stream.
type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     db.Querier
	Redis  *redis.Client
	Stream *stream.Hub
	Log    zerolog.Logger
}

func NewServer(cfg config.Config, q db.Querier, redisClient *redis.Client, log zerolog.Logger) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     q,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient, log.With().Str("component", "stream").Logger()),
		Log:    log,
	}

	registerRoutes(s)
	return s
}

// Close stops the stream hub's Redis subscription.
func (s *Server) Close() {
	s.Stream.Close()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	feed.RegisterRoutes(s.App.Group("/api"), feed.NewService(s.DB, s.Stream, s.Log.With().Str("component", "feed").Logger()), jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}
