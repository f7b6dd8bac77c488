package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/placescout/backend/internal/api"
	"github.com/placescout/backend/internal/api/handlers"
	"github.com/placescout/backend/internal/api/middleware"
	"github.com/placescout/backend/internal/cache"
	"github.com/placescout/backend/internal/config"
	"github.com/placescout/backend/internal/dedup"
	"github.com/placescout/backend/internal/pool"
	"github.com/placescout/backend/internal/ratelimit"
	"github.com/placescout/backend/internal/scraper"
	"github.com/placescout/backend/internal/sink"
	"github.com/placescout/backend/internal/task"
	"github.com/placescout/backend/pkg/logger"
)

const version = "1.0.0"

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.Server.Debug)
	defer logger.Sync()

	logger.Info("Starting Placescout API",
		zap.String("version", version),
		zap.Bool("debug", cfg.Server.Debug),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Browser sessions
	browserCfg := scraper.DefaultBrowserConfig()
	browserCfg.Headless = cfg.Scraper.Headless
	browserCfg.UserAgent = cfg.Scraper.UserAgent
	browserCfg.ProxyURL = cfg.Scraper.ProxyURL
	browserCfg.StartTimeout = cfg.Scraper.StartTimeout

	sessions := pool.New(scraper.NewBrowserFactory(logger.Component("browser"), browserCfg), pool.Config{
		MaxSessions:  cfg.Scraper.MaxSessions,
		Prewarm:      cfg.Scraper.Prewarm,
		ReuseLimit:   cfg.Scraper.ReuseLimit,
		PollInterval: cfg.Scraper.PollInterval,
		BaseDir:      cfg.Scraper.SessionDir,
	}, logger.Component("pool"))
	defer sessions.Close()
	sessions.Prewarm(ctx)

	mapsCfg := scraper.DefaultMapsConfig()
	mapsCfg.SearchTimeout = cfg.Scraper.SearchTimeout
	mapsCfg.PageTimeout = cfg.Scraper.PageTimeout
	mapsCfg.MaxScrolls = cfg.Scraper.MaxScrolls
	mapsCfg.PageInterval = cfg.Scraper.PageInterval
	places := scraper.NewMapsScraper(logger.Component("maps"), mapsCfg)

	pingers := map[string]handlers.Pinger{}

	// Result cache, optionally mirrored to Redis
	var cacheOpts []cache.Option
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		mirror := cache.NewRedisMirror(client, cfg.Redis.Prefix)
		if err := mirror.Ping(ctx); err != nil {
			logger.Warn("Redis unreachable, cache mirror will retry per request", zap.Error(err))
		}
		cacheOpts = append(cacheOpts, cache.WithMirror(mirror))
		pingers["redis"] = mirror
	}
	results := cache.New(cfg.Cache.MaxSize, cfg.Cache.TTL, logger.Component("cache"), cacheOpts...)

	seen := dedup.New(cfg.Dedup.Expiry)

	files, err := sink.NewFileStore(cfg.Tasks.ResultDir)
	if err != nil {
		return err
	}

	// Optional archives
	var archives []sink.Archive
	if cfg.Postgres.Enabled {
		pg, err := sink.NewPostgresArchive(ctx, cfg.Postgres.DSN(), int32(cfg.Postgres.PoolSize))
		if err != nil {
			return err
		}
		defer pg.Close()
		archives = append(archives, pg)
		pingers["postgres"] = pg
	}
	if cfg.Ledger.Enabled {
		archives = append(archives, sink.NewLedgerClient(cfg.Ledger.URL, cfg.Ledger.Timeout, logger.Component("ledger")))
	}

	// Task core
	registry := task.NewRegistry()
	runner := task.NewRunner(task.RunnerDeps{
		Pool:       sessions,
		Enumerator: places,
		Extractor:  places,
		Cache:      results,
		Dedup:      seen,
		Registry:   registry,
		Files:      files,
		Archives:   archives,
	}, task.RunnerConfig{
		AcquireTimeout: cfg.Scraper.AcquireTimeout,
		CacheTTL:       cfg.Cache.TTL,
	}, logger.Component("runner"))

	service := task.NewService(registry, runner, files, task.ServiceConfig{
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
	}, logger.Component("tasks"))
	service.Start(ctx)
	defer service.Stop()

	var limiter handlers.RateLimiter
	expirers := map[string]task.Expirer{
		"cache": results.PurgeExpired,
		"dedup": seen.CleanupExpired,
	}
	if cfg.RateLimit.Enabled {
		rl := ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
		limiter = rl
		expirers["rate_limit"] = rl.Prune
	}
	maintainer := task.NewMaintainer(registry, files, expirers, task.MaintenanceConfig{
		Interval:        cfg.Tasks.MaintenanceInterval,
		Retention:       cfg.Tasks.Retention,
		MemoryThreshold: cfg.Tasks.MemoryThreshold,
	}, logger.Component("maintenance"))

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "Placescout API v" + version,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		DisableStartupMessage: !cfg.Server.Debug,
		ErrorHandler:          errorHandler,
	})

	// Setup middleware
	middleware.Setup(app, cfg)

	// Setup routes
	api.SetupRoutes(app, cfg, &api.Dependencies{
		SearchService: service,
		Limiter:       limiter,
		Sessions:      sessions,
		Tasks:         service,
		Pingers:       pingers,
		Stores: map[string]handlers.Sizer{
			"cache": results,
			"dedup": seen,
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info("Server starting",
			zap.String("address", addr),
			zap.Int("max_sessions", cfg.Scraper.MaxSessions),
			zap.Int("max_concurrent", cfg.Tasks.MaxConcurrent),
		)
		return app.Listen(addr)
	})

	g.Go(func() error {
		return maintainer.Run(gctx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	return g.Wait()
}

// errorHandler handles errors globally
func errorHandler(c *fiber.Ctx, err error) error {
	// Default to 500
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	// Check if it's a Fiber error
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	// Log error
	logger.Error("Request error",
		zap.Int("status", code),
		zap.String("path", c.Path()),
		zap.Error(err),
	)

	return c.Status(code).JSON(fiber.Map{
		"error":   "request_failed",
		"message": message,
		"path":    c.Path(),
	})
}
