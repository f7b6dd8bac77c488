package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/placescout/backend/internal/domain"
	"github.com/placescout/backend/internal/task"
	"github.com/placescout/backend/pkg/logger"
)

// SessionHeader carries the caller session used for deduplication and rate
// limiting.
const SessionHeader = "X-Session-ID"

const defaultCount = 10

// SearchService defines the task operations the search API needs
type SearchService interface {
	Submit(req domain.SearchRequest) (string, error)
	Status(id string) (*domain.Task, error)
	Delete(id string) error
	ResultFile(id string) (string, error)
	Watch(ctx context.Context, id string, interval time.Duration, emit func(domain.StreamEvent) error) error
}

// RateLimiter admits submissions per caller identity
type RateLimiter interface {
	Allow(identity string) bool
	Remaining(identity string) int
}

// SearchHandlerConfig tunes the search handler
type SearchHandlerConfig struct {
	// RetryAfter is reported to rate-limited callers; normally the window.
	RetryAfter     time.Duration
	StreamInterval time.Duration
	StreamTimeout  time.Duration
}

// SearchHandler handles search and task API requests
type SearchHandler struct {
	service SearchService
	limiter RateLimiter
	cfg     SearchHandlerConfig
}

// NewSearchHandler creates a new search handler. limiter may be nil to
// disable per-caller limiting.
func NewSearchHandler(service SearchService, limiter RateLimiter, cfg SearchHandlerConfig) *SearchHandler {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 500 * time.Millisecond
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 10 * time.Minute
	}
	return &SearchHandler{service: service, limiter: limiter, cfg: cfg}
}

// searchBody accepts JSON or form input. Coordinates arrive as numbers or
// numeric strings and must be given together.
type searchBody struct {
	Query     string      `json:"query" form:"query"`
	Count     *int        `json:"count" form:"count"`
	Lat       json.Number `json:"lat" form:"lat"`
	Lng       json.Number `json:"lng" form:"lng"`
	SessionID string      `json:"session_id" form:"session_id"`
}

// Search handles POST /api/search
func (h *SearchHandler) Search(c *fiber.Ctx) error {
	id, done := h.submit(c)
	if done {
		return nil
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id": id,
		"status":  domain.TaskStatusQueued,
	})
}

// SearchStream handles POST /api/search/stream. The task is submitted as in
// Search and its events are written as JSON lines until it finishes.
func (h *SearchHandler) SearchStream(c *fiber.Ctx) error {
	id, done := h.submit(c)
	if done {
		return nil
	}

	service, interval, timeout := h.service, h.cfg.StreamInterval, h.cfg.StreamTimeout
	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Task-ID", id)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		enc := json.NewEncoder(w)
		err := service.Watch(ctx, id, interval, func(ev domain.StreamEvent) error {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			return w.Flush()
		})
		if err != nil {
			logger.Debug("Search stream ended early", zap.String("task_id", id), zap.Error(err))
		}
	})
	return nil
}

// GetTask handles GET /api/tasks/:task_id
func (h *SearchHandler) GetTask(c *fiber.Ctx) error {
	t, err := h.service.Status(c.Params("task_id"))
	if err != nil {
		return taskError(c, err)
	}
	return c.JSON(t)
}

// DeleteTask handles DELETE /api/tasks/:task_id
func (h *SearchHandler) DeleteTask(c *fiber.Ctx) error {
	id := c.Params("task_id")
	if err := h.service.Delete(id); err != nil {
		return taskError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "Task deleted",
		"task_id": id,
	})
}

// Download handles GET /api/tasks/:task_id/download
func (h *SearchHandler) Download(c *fiber.Ctx) error {
	id := c.Params("task_id")
	path, err := h.service.ResultFile(id)
	if err != nil {
		return taskError(c, err)
	}
	return c.Download(path, "places_"+id+".csv")
}

// submit parses, rate limits and submits the request. When done is true a
// response has already been written.
func (h *SearchHandler) submit(c *fiber.Ctx) (id string, done bool) {
	var body searchBody
	if err := c.BodyParser(&body); err != nil {
		return "", writeJSON(c, fiber.StatusBadRequest, fiber.Map{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
	}

	session := c.Get(SessionHeader)
	if session == "" {
		session = body.SessionID
	}

	if h.limiter != nil {
		identity := session
		if identity == "" {
			identity = c.IP()
		}
		if !h.limiter.Allow(identity) {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(h.cfg.RetryAfter.Seconds())))
			return "", writeJSON(c, fiber.StatusTooManyRequests, fiber.Map{
				"error":   "rate_limit_exceeded",
				"message": "Too many searches. Please try again later.",
			})
		}
		c.Set("X-RateLimit-Remaining", strconv.Itoa(h.limiter.Remaining(identity)))
	}

	coords, err := task.ParseCoordinates(body.Lat.String(), body.Lng.String())
	if err != nil {
		return "", submitError(c, err)
	}
	count := defaultCount
	if body.Count != nil {
		count = *body.Count
	}

	id, err = h.service.Submit(domain.SearchRequest{
		Query:         body.Query,
		Count:         count,
		Coordinates:   coords,
		CallerSession: session,
	})
	if err != nil {
		return "", submitError(c, err)
	}
	return id, false
}

func submitError(c *fiber.Ctx, err error) bool {
	var ve *task.ValidationError
	switch {
	case errors.As(err, &ve):
		return writeJSON(c, fiber.StatusBadRequest, fiber.Map{
			"error":   "invalid_request",
			"message": ve.Message,
			"field":   ve.Field,
		})
	case errors.Is(err, task.ErrCapacity), errors.Is(err, task.ErrStopped):
		return writeJSON(c, fiber.StatusServiceUnavailable, fiber.Map{
			"error":   "capacity_exceeded",
			"message": err.Error(),
		})
	default:
		logger.Error("Search submission failed", zap.Error(err))
		return writeJSON(c, fiber.StatusInternalServerError, fiber.Map{
			"error":   "search_failed",
			"message": err.Error(),
		})
	}
}

func taskError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": "Task not found",
		})
	case errors.Is(err, task.ErrNoResultFile):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "no_results",
			"message": "No result file available for this task",
		})
	default:
		return err
	}
}

// writeJSON writes an error response and reports that the request is done.
func writeJSON(c *fiber.Ctx, status int, body fiber.Map) bool {
	if err := c.Status(status).JSON(body); err != nil {
		logger.Warn("Failed to write response", zap.Error(err))
	}
	return true
}
