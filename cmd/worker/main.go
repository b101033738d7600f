// Package main is the entry point for the tickerpipe worker daemon.
//
// The daemon runs three things: the cron producers that dispatch pipeline
// tasks, the worker pool that consumes the task channel, and the status
// HTTP server. Startup fails fast when the task channel is unreachable;
// shutdown stops the producers first, drains the pool, then closes the
// server and connections.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/tickerpipe/internal/config"
	"github.com/aristath/tickerpipe/internal/di"
	"github.com/aristath/tickerpipe/pkg/logger"
)

// drainTimeout bounds how long shutdown waits for in-flight task attempts.
// Generous relative to the stage timeout so a busy worker can settle its
// current task instead of abandoning the claim.
const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still reported.
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().Str("ticker", cfg.Ticker).Msg("Starting tickerpipe worker")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Workers before producers, so the first scheduled dispatch already
	// has consumers.
	container.Pool.Start()
	log.Info().Int("workers", cfg.WorkerCount).Msg("Worker pool started")

	container.Scheduler.Start()
	log.Info().Msg("Scheduler started")

	go func() {
		if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start status server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Status server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Producers first, so nothing new lands on the channel while the pool
	// drains. Tasks still queued survive in Redis for the next start.
	container.Scheduler.Stop()
	log.Info().Msg("Scheduler stopped")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := container.Pool.Stop(drainCtx); err != nil {
		log.Error().Err(err).Msg("Worker pool did not drain in time")
	} else {
		log.Info().Msg("Worker pool drained")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Status server forced to shutdown")
	}

	log.Info().Msg("Worker stopped")
}
