package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Engine   EngineConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	CORSOrigins        []string
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// EngineConfig holds the scheduling and cache invalidation knobs.
type EngineConfig struct {
	// MaxBatchSize caps how many task patches one batch call may carry.
	MaxBatchSize int
	// QueueMaxBatch flushes a batched invalidation queue when it holds
	// this many events; DebounceWindow flushes it by time.
	QueueMaxBatch  int
	DebounceWindow time.Duration
	// ScheduledDelay is how far in the future scheduled invalidations run.
	ScheduledDelay time.Duration
	// StalenessBound is the longest any queued invalidation may wait; the
	// sweeper forces anything older.
	StalenessBound time.Duration
	SweepInterval  time.Duration
	// Deferred invalidation worker settings.
	DeferredPollInterval time.Duration
	DeferredMaxPerPoll   int
	DeferredMaxAttempts  int
	DeferredRetryDelay   time.Duration
	// CacheTTL bounds every cached value in Redis.
	CacheTTL time.Duration
}

// Load reads configuration from environment variables. Defaults are safe
// for local development only.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("GANTRY_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("GANTRY_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("GANTRY_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("GANTRY_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("GANTRY_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitRPS, err := getEnvFloat("GANTRY_RATE_LIMIT_RPS", 50)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitBurst, err := getEnvInt("GANTRY_RATE_LIMIT_BURST", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxBatchSize, err := getEnvInt("GANTRY_ENGINE_MAX_BATCH_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	queueMaxBatch, err := getEnvInt("GANTRY_ENGINE_QUEUE_MAX_BATCH", 50)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	debounceWindow, err := getEnvDuration("GANTRY_ENGINE_DEBOUNCE_WINDOW", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	scheduledDelay, err := getEnvDuration("GANTRY_ENGINE_SCHEDULED_DELAY", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	stalenessBound, err := getEnvDuration("GANTRY_ENGINE_STALENESS_BOUND", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sweepInterval, err := getEnvDuration("GANTRY_ENGINE_SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	deferredPollInterval, err := getEnvDuration("GANTRY_ENGINE_DEFERRED_POLL_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	deferredMaxPerPoll, err := getEnvInt("GANTRY_ENGINE_DEFERRED_MAX_PER_POLL", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	deferredMaxAttempts, err := getEnvInt("GANTRY_ENGINE_DEFERRED_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	deferredRetryDelay, err := getEnvDuration("GANTRY_ENGINE_DEFERRED_RETRY_DELAY", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cacheTTL, err := getEnvDuration("GANTRY_ENGINE_CACHE_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("GANTRY_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("GANTRY_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("GANTRY_DB_USER", "gantry"),
			Password: getEnv("GANTRY_DB_PASSWORD", ""),
			DBName:   getEnv("GANTRY_DB_NAME", "gantry_dev"),
			SSLMode:  getEnv("GANTRY_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("GANTRY_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("GANTRY_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Server: ServerConfig{
			Addr:               getEnv("GANTRY_SERVER_ADDR", ":8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSOrigins:        corsOrigins,
			RateLimitPerSecond: rateLimitRPS,
			RateLimitBurst:     rateLimitBurst,
		},
		Engine: EngineConfig{
			MaxBatchSize:         maxBatchSize,
			QueueMaxBatch:        queueMaxBatch,
			DebounceWindow:       debounceWindow,
			ScheduledDelay:       scheduledDelay,
			StalenessBound:       stalenessBound,
			SweepInterval:        sweepInterval,
			DeferredPollInterval: deferredPollInterval,
			DeferredMaxPerPoll:   deferredMaxPerPoll,
			DeferredMaxAttempts:  deferredMaxAttempts,
			DeferredRetryDelay:   deferredRetryDelay,
			CacheTTL:             cacheTTL,
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks value bounds.
func (c *Config) validate() error {
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("GANTRY_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("GANTRY_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("GANTRY_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("GANTRY_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitPerSecond <= 0 {
		return fmt.Errorf("GANTRY_RATE_LIMIT_RPS must be positive, got %v", c.Server.RateLimitPerSecond)
	}
	if c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("GANTRY_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}
	if c.Engine.MaxBatchSize < 1 {
		return fmt.Errorf("GANTRY_ENGINE_MAX_BATCH_SIZE must be >= 1, got %d", c.Engine.MaxBatchSize)
	}
	if c.Engine.QueueMaxBatch < 1 {
		return fmt.Errorf("GANTRY_ENGINE_QUEUE_MAX_BATCH must be >= 1, got %d", c.Engine.QueueMaxBatch)
	}
	if c.Engine.DebounceWindow <= 0 {
		return fmt.Errorf("GANTRY_ENGINE_DEBOUNCE_WINDOW must be positive, got %s", c.Engine.DebounceWindow)
	}
	if c.Engine.ScheduledDelay <= 0 {
		return fmt.Errorf("GANTRY_ENGINE_SCHEDULED_DELAY must be positive, got %s", c.Engine.ScheduledDelay)
	}
	if c.Engine.StalenessBound <= 0 {
		return fmt.Errorf("GANTRY_ENGINE_STALENESS_BOUND must be positive, got %s", c.Engine.StalenessBound)
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("GANTRY_ENGINE_SWEEP_INTERVAL must be positive, got %s", c.Engine.SweepInterval)
	}
	if c.Engine.DeferredPollInterval <= 0 {
		return fmt.Errorf("GANTRY_ENGINE_DEFERRED_POLL_INTERVAL must be positive, got %s", c.Engine.DeferredPollInterval)
	}
	if c.Engine.DeferredMaxPerPoll < 1 {
		return fmt.Errorf("GANTRY_ENGINE_DEFERRED_MAX_PER_POLL must be >= 1, got %d", c.Engine.DeferredMaxPerPoll)
	}
	if c.Engine.DeferredMaxAttempts < 1 {
		return fmt.Errorf("GANTRY_ENGINE_DEFERRED_MAX_ATTEMPTS must be >= 1, got %d", c.Engine.DeferredMaxAttempts)
	}
	if c.Engine.DeferredRetryDelay <= 0 {
		return fmt.Errorf("GANTRY_ENGINE_DEFERRED_RETRY_DELAY must be positive, got %s", c.Engine.DeferredRetryDelay)
	}
	if c.Engine.CacheTTL <= 0 {
		return fmt.Errorf("GANTRY_ENGINE_CACHE_TTL must be positive, got %s", c.Engine.CacheTTL)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
