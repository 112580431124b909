package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-scorm-api/internal/config"
	"github.com/noah-isme/gema-scorm-api/internal/handler"
	"github.com/noah-isme/gema-scorm-api/internal/middleware"
	"github.com/noah-isme/gema-scorm-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	IngestionHandler *handler.IngestionHandler
	LiveHandler      *handler.LiveHandler
	AttemptHandler   *handler.AttemptHandler
	OverrideHandler  *handler.OverrideHandler
	ActivityHandler  *handler.ActivityHandler
	DatabasePinger   handler.Pinger
	JWTMiddleware    fiber.Handler
	// RateLimiter overrides the default ingest limiter; tests use it to disable limiting.
	RateLimiter fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.DatabasePinger))

	app.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	limiter := deps.RateLimiter
	if limiter == nil {
		window := cfg.IngestRateWindow
		if window <= 0 {
			window = time.Minute
		}
		limiter = middleware.RateLimit("scorm-ingest", cfg.IngestRateLimit, window)
	}

	instructorOnly := middleware.RequireRole(middleware.AuthRoleInstructor, middleware.AuthRoleAdmin)
	learner := middleware.RequireAuth(middleware.AuthOptions{Role: middleware.AuthRoleAny})

	attempts := app.Group("/api/v2/attempts", jwtMiddleware)
	resources := app.Group("/api/v2/resources", jwtMiddleware)

	if deps.IngestionHandler != nil {
		deps.IngestionHandler.Register(attempts, learner, limiter)
	}
	if deps.AttemptHandler != nil {
		deps.AttemptHandler.Register(attempts)
		deps.AttemptHandler.RegisterMaintenance(attempts, instructorOnly)
	}
	if deps.LiveHandler != nil {
		deps.LiveHandler.Register(attempts, instructorOnly)
	}
	if deps.OverrideHandler != nil {
		deps.OverrideHandler.RegisterRemarks(attempts, instructorOnly)
		deps.OverrideHandler.RegisterDiscounts(resources, instructorOnly)
	}
	if deps.ActivityHandler != nil {
		activity := app.Group("/api/v2/activity", jwtMiddleware, instructorOnly)
		deps.ActivityHandler.Register(activity)
	}
}
