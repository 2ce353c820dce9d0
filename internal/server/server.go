package server

import (
	"log/slog"

	"backend-livetrack/internal/auth"
	"backend-livetrack/internal/config"
	"backend-livetrack/internal/db"
	"backend-livetrack/internal/stream"
	"backend-livetrack/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App         *fiber.App
	Cfg         config.Config
	Store       tracking.Store
	Coordinator *tracking.Coordinator
	Presence    *tracking.Presence
	History     *tracking.HistoryAppender
	Stream      *stream.Hub
	Channel     *stream.Channel
}

func NewServer(cfg config.Config, q db.Querier, redisClient *redis.Client, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return NewServerWithStore(cfg, tracking.NewPostgresStore(q), redisClient, log)
}

// NewServerWithStore wires the tracking core on top of store.
func NewServerWithStore(cfg config.Config, store tracking.Store, redisClient *redis.Client, log *slog.Logger) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	coord := tracking.NewCoordinator(store,
		tracking.WithLogger(log),
		tracking.WithWindows(cfg.SessionFreshness, cfg.SessionIdleTimeout),
		tracking.WithStoreTimeout(cfg.StoreTimeout),
	)
	presence := tracking.NewPresence()
	history := tracking.NewHistoryAppender(store, log, cfg.HistoryWorkers, cfg.HistoryQueueSize, cfg.StoreTimeout)
	hub := stream.NewHub(redisClient, log)

	s := &Server{
		App:         app,
		Cfg:         cfg,
		Store:       store,
		Coordinator: coord,
		Presence:    presence,
		History:     history,
		Stream:      hub,
		Channel:     stream.NewChannel(coord, presence, history, store, hub, log),
	}

	registerRoutes(s)
	return s
}

// Close releases background workers after the HTTP app has shut down.
func (s *Server) Close() {
	s.History.Close()
	s.Coordinator.Drain()
	s.Stream.Close()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sessions": len(s.Coordinator.Sessions())})
	})

	identity := auth.IdentityMiddleware(s.Cfg.JWTSecret)

	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Coordinator, s.Channel, identity)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Channel, identity)
}
