package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/schedule"
	"github.com/gantryhq/gantry/internal/server"
	"github.com/gantryhq/gantry/internal/store/postgres"
	redisstore "github.com/gantryhq/gantry/internal/store/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("GANTRY_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("GANTRY_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Apply schema migrations, then connect to PostgreSQL.
	if err := postgres.Migrate(cfg.Database.DSN()); err != nil {
		return err
	}

	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	// Connect to Redis; the cache and pub/sub share one client.
	redisClient, err := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	cache := redisstore.NewCache(redisClient, cfg.Engine.CacheTTL)
	pubsub := redisstore.NewPubSub(redisClient)

	// Invalidation orchestrator: routes every cache event by strategy and
	// runs the background staleness sweep.
	orchestrator := schedule.NewOrchestrator(cache, pubsub, store.DeferredInvalidations(), schedule.OrchestratorConfig{
		MaxBatchSize:   cfg.Engine.QueueMaxBatch,
		DebounceWindow: cfg.Engine.DebounceWindow,
		ScheduledDelay: cfg.Engine.ScheduledDelay,
		StalenessBound: cfg.Engine.StalenessBound,
		SweepInterval:  cfg.Engine.SweepInterval,
	})
	orchestrator.Start()
	defer orchestrator.Stop()

	// Batch coordinator and conflict resolver on top of the store.
	coordinator := schedule.NewCoordinator(
		store.Tasks(),
		store.Dependencies(),
		store.Projects(),
		store.Conflicts(),
		store.Schedules(),
		store.Locker(),
		orchestrator,
		cfg.Engine.MaxBatchSize,
	)
	resolver := schedule.NewResolver(store.Tasks(), store.Dependencies(), store.Conflicts(), orchestrator)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Worker draining the durable queue of scheduled invalidations.
	worker := schedule.NewInvalidationWorker(store.DeferredInvalidations(), orchestrator, schedule.InvalidationWorkerConfig{
		PollInterval: cfg.Engine.DeferredPollInterval,
		MaxPerPoll:   cfg.Engine.DeferredMaxPerPoll,
		MaxAttempts:  cfg.Engine.DeferredMaxAttempts,
		RetryDelay:   cfg.Engine.DeferredRetryDelay,
	})
	go worker.Start(ctx)

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, store, cache, pubsub, coordinator, resolver, orchestrator)

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
