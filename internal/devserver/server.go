// Package devserver is a reference backend for the feed core: the REST routes
// and realtime events the client expects, backed by gorm and optionally fanned
// out through Redis.
package devserver

import (
	"context"
	"errors"
	"time"

	"feedsync/internal/observability"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Config holds dev server settings.
type Config struct {
	Port           string
	JWTSecret      string
	TokenTTL       time.Duration
	AllowedOrigins string
	// RateLimit is requests per minute per IP; 0 disables limiting.
	RateLimit int
}

// Server holds the dev server dependencies and handlers.
type Server struct {
	cfg      Config
	db       *gorm.DB
	redis    *redis.Client
	repo     Repository
	hub      *Hub
	notifier *Notifier
	log      *observability.TransportLogger
	app      *fiber.App

	// HTTP metrics live in a per-server registry so several servers can
	// coexist in one process.
	registry       *prometheus.Registry
	promMiddleware *fiberprometheus.FiberPrometheus
}

// New builds a server over db. rdb may be nil for a single-process server.
func New(cfg Config, db *gorm.DB, rdb *redis.Client) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 7 * 24 * time.Hour
	}
	notifier := NewNotifier(rdb)
	s := &Server{
		cfg:      cfg,
		db:       db,
		redis:    rdb,
		repo:     NewRepository(db),
		hub:      NewHub(notifier),
		notifier: notifier,
		log:      observability.NewTransportLogger("devserver"),
		registry: prometheus.NewRegistry(),
	}
	s.promMiddleware = fiberprometheus.NewWithRegistry(s.registry, "feedsync-devserver", "feedsync", "devserver_http", nil)

	app := fiber.New(fiber.Config{
		AppName:               "feedsync-devserver",
		DisableStartupMessage: true,
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return s
}

// App exposes the fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Repository exposes the persistence layer, mainly for seeding.
func (s *Server) Repository() Repository { return s.repo }

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(s.promMiddleware.Middleware)
	app.Use(func(c *fiber.Ctx) error {
		id := c.GetRespHeader(fiber.HeaderXRequestID)
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		return c.Next()
	})

	origins := s.cfg.AllowedOrigins
	if origins == "" {
		origins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		MaxAge:       86400,
	}))

	if s.cfg.RateLimit > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        s.cfg.RateLimit,
			Expiration: time.Minute,
			Next: func(c *fiber.Ctx) bool {
				return c.Method() == fiber.MethodOptions
			},
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "Too many requests, please try again later.",
				})
			},
		}))
	}
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.HealthCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, s.registry},
		promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError},
	)))

	auth := AuthRequired(s.cfg.JWTSecret)

	api := app.Group("/api")
	api.Post("/auth/login", s.Login)

	api.Get("/posts", s.ListPosts)
	api.Get("/posts/:id", s.GetPost)
	api.Post("/posts", auth, s.CreatePost)
	api.Post("/posts/:id/like", auth, s.LikePost)
	api.Post("/comments/post/:id", auth, s.AddComment)

	api.Get("/users", auth, s.ListUsers)
	api.Get("/chat/:id", auth, s.ListMessages)
	api.Post("/chat/:id", auth, s.SendMessage)

	app.Get("/ws", upgradeRequired, auth, s.WebSocketHandler())
}

// Run serves on the configured port until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := s.hub.StartWiring(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		observability.GlobalLogger.Info("devserver listening", "port", s.cfg.Port)
		return s.app.Listen(":" + s.cfg.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown closes websocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.hub.Shutdown(ctx); err != nil {
		observability.GlobalLogger.Warn("hub shutdown", "error", err)
	}
	return s.app.ShutdownWithContext(ctx)
}
