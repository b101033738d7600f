package di

import (
	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/config"
	"github.com/aristath/tickerpipe/internal/scheduler"
)

// registerJobs attaches the producer jobs to the cron scheduler. An empty
// schedule disables that producer; a worker-only deployment runs with all
// three blank and consumes whatever external producers enqueue.
func registerJobs(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Scheduler = scheduler.New(log)

	if cfg.IngestSchedule != "" {
		job := scheduler.NewIngestJob(scheduler.IngestConfig{
			Log:        log,
			Broker:     c.Broker,
			Universe:   c.Universe,
			Completion: c.Completion,
			StaleAfter: cfg.IngestStaleAfter,
		})
		if err := c.Scheduler.AddJob(cfg.IngestSchedule, job); err != nil {
			return err
		}
	} else {
		log.Info().Msg("Ingest schedule empty, producer disabled")
	}

	if cfg.ScreenerSchedule != "" {
		if err := c.Scheduler.AddJob(cfg.ScreenerSchedule, scheduler.NewScreenerJob(c.Broker, log)); err != nil {
			return err
		}
	} else {
		log.Info().Msg("Screener schedule empty, producer disabled")
	}

	if cfg.AggregateSchedule != "" {
		if err := c.Scheduler.AddJob(cfg.AggregateSchedule, scheduler.NewAggregateJob(c.Broker, log)); err != nil {
			return err
		}
	} else {
		log.Info().Msg("Aggregate schedule empty, producer disabled")
	}

	return nil
}
