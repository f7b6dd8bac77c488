package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/placescout/backend/internal/api/handlers"
	"github.com/placescout/backend/internal/config"
)

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, cfg *config.Config, deps *Dependencies) {
	// Health check routes (no prefix)
	app.Get("/health", handlers.HealthCheck(deps.Sessions, deps.Tasks, deps.Stores))
	app.Get("/ready", handlers.ReadinessCheck(deps.Sessions, deps.Pingers))
	app.Get("/", handlers.Root(cfg))

	// API routes
	api := app.Group("/api")

	searchHandler := handlers.NewSearchHandler(deps.SearchService, deps.Limiter, handlers.SearchHandlerConfig{
		RetryAfter:     cfg.RateLimit.Window,
		StreamInterval: cfg.Tasks.StreamInterval,
		StreamTimeout:  cfg.Tasks.StreamTimeout,
	})

	// Search
	api.Post("/search", searchHandler.Search)
	api.Post("/search/stream", searchHandler.SearchStream)

	// Tasks
	tasks := api.Group("/tasks")
	tasks.Get("/:task_id", searchHandler.GetTask)
	tasks.Delete("/:task_id", searchHandler.DeleteTask)
	tasks.Get("/:task_id/download", searchHandler.Download)
}

// Dependencies holds all service dependencies for handlers
type Dependencies struct {
	SearchService handlers.SearchService
	Limiter       handlers.RateLimiter
	Sessions      handlers.PoolStats
	Tasks         handlers.TaskStats
	Pingers       map[string]handlers.Pinger
	Stores        map[string]handlers.Sizer
}
