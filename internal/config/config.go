package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Cache     CacheConfig     `yaml:"cache"`
	Dedup     DedupConfig     `yaml:"dedup"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	CORS      CORSConfig      `yaml:"cors"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Debug        bool          `yaml:"debug"`
}

// ScraperConfig covers the browser, the session pool and page navigation.
type ScraperConfig struct {
	Headless       bool          `yaml:"headless"`
	UserAgent      string        `yaml:"user_agent"`
	ProxyURL       string        `yaml:"proxy_url"`
	StartTimeout   time.Duration `yaml:"start_timeout"`
	SessionDir     string        `yaml:"session_dir"`
	MaxSessions    int           `yaml:"max_sessions"`
	Prewarm        int           `yaml:"prewarm"`
	ReuseLimit     int           `yaml:"reuse_limit"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SearchTimeout  time.Duration `yaml:"search_timeout"`
	PageTimeout    time.Duration `yaml:"page_timeout"`
	MaxScrolls     int           `yaml:"max_scrolls"`
	PageInterval   time.Duration `yaml:"page_interval"`
}

type TasksConfig struct {
	MaxConcurrent       int           `yaml:"max_concurrent"`
	Retention           time.Duration `yaml:"retention"`
	ResultDir           string        `yaml:"result_dir"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	MemoryThreshold     float64       `yaml:"memory_threshold"`
	StreamInterval      time.Duration `yaml:"stream_interval"`
	StreamTimeout       time.Duration `yaml:"stream_timeout"`
}

type CacheConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

type DedupConfig struct {
	Expiry time.Duration `yaml:"expiry"`
}

// RateLimitConfig has two layers: the per-caller sliding window on search
// submissions and the coarse fiber limiter in front of the whole API.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxRequests       int           `yaml:"max_requests"`
	Window            time.Duration `yaml:"window"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	PoolSize int    `yaml:"pool_size"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN returns URL when set, otherwise builds one from the parts.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return "postgres://" + p.User + ":" + p.Password + "@" + p.Host + ":" +
		strconv.Itoa(p.Port) + "/" + p.Database + "?sslmode=" + p.SSLMode
}

type LedgerConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Override with environment variables
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Debug:        false,
		},
		Scraper: ScraperConfig{
			Headless:       true,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			StartTimeout:   30 * time.Second,
			MaxSessions:    5,
			Prewarm:        2,
			ReuseLimit:     10,
			AcquireTimeout: 30 * time.Second,
			PollInterval:   300 * time.Millisecond,
			SearchTimeout:  3 * time.Minute,
			PageTimeout:    20 * time.Second,
			MaxScrolls:     50,
			PageInterval:   time.Second,
		},
		Tasks: TasksConfig{
			MaxConcurrent:       5,
			Retention:           2 * time.Hour,
			ResultDir:           "results",
			MaintenanceInterval: 5 * time.Minute,
			MemoryThreshold:     85,
			StreamInterval:      500 * time.Millisecond,
			StreamTimeout:       15 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:     1 * time.Hour,
			MaxSize: 100,
		},
		Dedup: DedupConfig{
			Expiry: 1 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			MaxRequests:       5,
			Window:            60 * time.Second,
			RequestsPerMinute: 120,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "placescout:results:",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "placescout",
			Password: "password",
			Database: "placescout",
			PoolSize: 5,
			SSLMode:  "disable",
		},
		Ledger: LedgerConfig{
			URL:     "http://localhost:5000",
			Timeout: 10 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         600,
		},
	}
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be between 1 and 65535")
	check(c.Scraper.MaxSessions > 0, "scraper.max_sessions must be positive")
	check(c.Scraper.Prewarm >= 0 && c.Scraper.Prewarm <= c.Scraper.MaxSessions, "scraper.prewarm must be between 0 and max_sessions")
	check(c.Scraper.ReuseLimit > 0, "scraper.reuse_limit must be positive")
	check(c.Scraper.AcquireTimeout > 0, "scraper.acquire_timeout must be positive")
	check(c.Scraper.PollInterval > 0, "scraper.poll_interval must be positive")
	check(c.Tasks.MaxConcurrent > 0, "tasks.max_concurrent must be positive")
	check(c.Tasks.Retention > 0, "tasks.retention must be positive")
	check(c.Tasks.ResultDir != "", "tasks.result_dir is required")
	check(c.Tasks.MaintenanceInterval > 0, "tasks.maintenance_interval must be positive")
	check(c.Tasks.MemoryThreshold > 0 && c.Tasks.MemoryThreshold <= 100, "tasks.memory_threshold must be a percentage")
	check(c.Cache.MaxSize > 0, "cache.max_size must be positive")
	check(c.Cache.TTL > 0, "cache.ttl must be positive")
	check(c.Dedup.Expiry > 0, "dedup.expiry must be positive")
	if c.RateLimit.Enabled {
		check(c.RateLimit.MaxRequests > 0, "rate_limit.max_requests must be positive")
		check(c.RateLimit.Window > 0, "rate_limit.window must be positive")
	}
	if c.Redis.Enabled {
		check(c.Redis.Addr != "", "redis.addr is required when redis is enabled")
	}
	if c.Ledger.Enabled {
		check(c.Ledger.URL != "", "ledger.url is required when the ledger is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DEBUG"); v == "true" {
		c.Server.Debug = true
	}

	// Scraper
	if v := os.Getenv("CHROME_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scraper.Headless = b
		}
	}
	if v := os.Getenv("PROXY_URL"); v != "" {
		c.Scraper.ProxyURL = v
	}
	if v := os.Getenv("SESSION_DIR"); v != "" {
		c.Scraper.SessionDir = v
	}
	if v := os.Getenv("MAX_BROWSER_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scraper.MaxSessions = n
		}
	}

	// Tasks
	if v := os.Getenv("MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Tasks.MaxConcurrent = n
		}
	}
	if v := os.Getenv("RESULT_DIR"); v != "" {
		c.Tasks.ResultDir = v
	}

	// Redis
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	// Postgres
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Postgres.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Postgres.Port = port
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Postgres.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Postgres.Database = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
		c.Postgres.Enabled = true
	}

	// Ledger
	if v := os.Getenv("LEDGER_URL"); v != "" {
		c.Ledger.URL = v
		c.Ledger.Enabled = true
	}
}
