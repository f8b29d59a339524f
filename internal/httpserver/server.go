// Package httpserver exposes RingForge Hub's HTTP surface (spec §4.1's
// collaborators): GET /health, GET /metrics, POST /auth/challenge, and the
// single WebSocket upgrade route. Grounded on the teacher's cmd/uncord
// Fiber-app construction (global middleware, ErrorHandler, graceful
// shutdown), adapted to fiber v3's value-receiver Ctx throughout rather than
// the pack's occasional stale v2-style handlers.
package httpserver

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/challenge"
	"github.com/ringforge/hub/internal/config"
	"github.com/ringforge/hub/internal/gateway"
	"github.com/ringforge/hub/internal/metrics"
)

// Server holds the Fiber app and every dependency its handlers need.
type Server struct {
	app *fiber.App

	db         *pgxpool.Pool
	rdb        *redis.Client
	authn      *gateway.Authenticator
	hub        *gateway.Hub
	challenges *challenge.Store
	log        zerolog.Logger
}

// New builds a Fiber app with the global middleware stack and mounts every
// route named in spec §4.1's HTTP collaborators.
func New(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, authn *gateway.Authenticator, hub *gateway.Hub, challenges *challenge.Store, logger zerolog.Logger) *Server {
	s := &Server{
		db:         db,
		rdb:        rdb,
		authn:      authn,
		hub:        hub,
		challenges: challenges,
		log:        logger.With().Str("component", "httpserver").Logger(),
	}

	app := fiber.New(fiber.Config{
		AppName: "RingForge Hub",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				s.log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("unhandled error")
			}
			return fail(c, status, "internal_error", "an internal error occurred")
		},
	})

	app.Use(requestid.New())
	app.Use(requestLogger(logger, cfg.LogHealthRequests))
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods: []string{"GET", "POST"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitWSCount,
		Expiration: time.Duration(cfg.RateLimitWSWindowSeconds) * time.Second,
	}))

	if cfg.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.All()...)
		app.Get("/metrics", adaptHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	app.Get("/health", s.handleHealth)
	app.Post("/auth/challenge", s.handleIssueChallenge)
	app.Get("/gateway", s.handleUpgrade)

	s.app = app
	return s
}

// Listen blocks, serving HTTP on addr until the process is signalled to stop.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown gracefully drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
