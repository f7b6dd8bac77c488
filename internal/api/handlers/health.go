package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/placescout/backend/internal/config"
	"github.com/placescout/backend/internal/pool"
	"github.com/placescout/backend/internal/task"
)

const version = "1.0.0"

// PoolStats reports browser session pool occupancy
type PoolStats interface {
	Stats() pool.Stats
}

// TaskStats reports task counts
type TaskStats interface {
	Stats() task.Stats
}

// Sizer reports how many entries an in-memory store holds
type Sizer interface {
	Len() int
}

// Pinger is an optional backing service checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck returns the health status
func HealthCheck(sessions PoolStats, tasks TaskStats, stores map[string]Sizer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sizes := make(fiber.Map, len(stores))
		for name, s := range stores {
			sizes[name] = s.Len()
		}
		return c.JSON(fiber.Map{
			"status":   "healthy",
			"version":  version,
			"sessions": sessions.Stats(),
			"tasks":    tasks.Stats(),
			"stores":   sizes,
		})
	}
}

// ReadinessCheck returns whether the service is ready to accept traffic: the
// pool must hold a session or be able to start one, and every configured
// backing service must answer a ping.
func ReadinessCheck(sessions PoolStats, deps map[string]Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		st := sessions.Stats()
		if st.Live == 0 && st.Max == 0 {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"reason": "Browser pool has no capacity",
			})
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "not_ready",
					"reason": name + " unreachable",
					"detail": err.Error(),
				})
			}
		}

		return c.JSON(fiber.Map{
			"status": "ready",
		})
	}
}

// Root returns basic API info
func Root(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"name":    "Placescout API",
			"version": version,
			"search":  "/api/search",
			"health":  "/health",
			"ready":   "/ready",
			"limits": fiber.Map{
				"max_concurrent_tasks": cfg.Tasks.MaxConcurrent,
				"max_results":          task.MaxCount,
				"searches_per_window":  cfg.RateLimit.MaxRequests,
				"window_seconds":       int(cfg.RateLimit.Window.Seconds()),
			},
		})
	}
}
