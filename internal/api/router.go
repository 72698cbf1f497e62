// Package api assembles the HTTP surface: REST endpoints under /api/v1,
// the progress websocket and the Prometheus scrape endpoint.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/youngcaesar/qci-sync/internal/api/handlers"
	"github.com/youngcaesar/qci-sync/internal/metrics"
	"github.com/youngcaesar/qci-sync/internal/middleware/security"
	"github.com/youngcaesar/qci-sync/internal/middleware/validation"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Development  bool
	AccessLog    bool
	// TriggerLimit throttles POST /runs when set.
	TriggerLimit fiber.Handler
	MaxRunLimit  int
}

type Handlers struct {
	Health   *handlers.HealthHandler
	Runs     *handlers.RunHandler
	Progress *handlers.ProgressHandler
	Stream   *handlers.WebSocketHandler
}

func NewApp(h Handlers, opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		BodyLimit:             64 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/progress", websocket.New(h.Stream.HandleConnection))

	api := app.Group("/api/v1", security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: opts.Development,
	}))

	api.Get("/health", h.Health.Health)
	api.Get("/ready", h.Health.Ready)
	api.Get("/progress", h.Progress.GetProgress)

	trigger := []fiber.Handler{}
	if opts.TriggerLimit != nil {
		trigger = append(trigger, opts.TriggerLimit)
	}
	trigger = append(trigger,
		validation.Middleware(validation.Config{MaxLimit: opts.MaxRunLimit, Logger: logger.GetLogger()}),
		h.Runs.TriggerRun,
	)
	api.Post("/runs", trigger...)
	api.Get("/runs", h.Runs.ListRuns)
	api.Get("/runs/:id", h.Runs.GetRun)
	api.Get("/runs/:id/logs", h.Runs.GetRunLogs)

	return app
}
