package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/placescout/backend/internal/config"
	"github.com/placescout/backend/pkg/logger"
)

// Setup configures all middleware for the application
func Setup(app *fiber.App, cfg *config.Config) {
	// Recovery middleware (panic handler)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: cfg.Server.Debug,
	}))

	// Request ID middleware
	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return uuid.New().String()
		},
	}))

	// CORS middleware
	app.Use(cors.New(cors.Config{
		AllowOrigins:     joinStrings(cfg.CORS.AllowedOrigins),
		AllowMethods:     joinStrings(cfg.CORS.AllowedMethods),
		AllowHeaders:     joinStrings(cfg.CORS.AllowedHeaders),
		AllowCredentials: !allowsAnyOrigin(cfg.CORS.AllowedOrigins),
		ExposeHeaders:    "X-Task-ID,X-RateLimit-Remaining,Retry-After,Content-Disposition",
		MaxAge:           cfg.CORS.MaxAge,
	}))

	// Coarse per-IP limit in front of the whole API; searches are also limited
	// per caller in the search handler.
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMinute > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimit.RequestsPerMinute,
			Expiration: time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			Next: func(c *fiber.Ctx) bool {
				// probes must never be throttled
				return c.Path() == "/health" || c.Path() == "/ready"
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests. Please try again later.",
				})
			},
		}))
	}

	// Logging middleware
	app.Use(RequestLogger(cfg.Server.Debug))

	// Timing middleware
	app.Use(RequestTiming())
}

// RequestLogger returns a logging middleware
func RequestLogger(debug bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		// Calculate duration
		duration := time.Since(start)

		// Get status code
		status := c.Response().StatusCode()

		// Log fields
		fields := []zap.Field{
			zap.String("request_id", c.GetRespHeader("X-Request-ID")),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("ip", c.IP()),
		}
		if session := c.Get("X-Session-ID"); session != "" {
			fields = append(fields, zap.String("session_id", session))
		}

		// Add user agent in debug mode
		if debug {
			fields = append(fields, zap.String("user_agent", c.Get("User-Agent")))
		}

		// Log based on status code
		switch {
		case status >= 500:
			logger.Error("Server error", fields...)
		case status >= 400:
			logger.Warn("Client error", fields...)
		case duration > 2*time.Second:
			logger.Warn("Slow request", fields...)
		default:
			if debug {
				logger.Debug("Request completed", fields...)
			}
		}

		return err
	}
}

// RequestTiming adds timing headers to responses
func RequestTiming() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		// Add timing header
		duration := time.Since(start)
		c.Set("X-Process-Time", duration.String())

		return err
	}
}

// allowsAnyOrigin reports whether the origin list is a wildcard, which fiber
// refuses to combine with credentials.
func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// joinStrings joins strings with comma
func joinStrings(strs []string) string {
	if len(strs) == 0 {
		return "*"
	}
	return strings.Join(strs, ",")
}
