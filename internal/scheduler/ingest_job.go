package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/tasks"
	"github.com/aristath/tickerpipe/internal/worker"
)

// enqueueTimeout bounds one job's worth of broker calls.
const enqueueTimeout = 10 * time.Second

// Enqueuer accepts task envelopes for dispatch.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *tasks.Envelope) (string, error)
}

// UniverseSource lists the symbols the producers operate on.
type UniverseSource interface {
	ActiveSymbols() ([]string, error)
}

// IngestJob dispatches get_new_pricing_data for every active symbol whose
// last successful ingest is older than the staleness threshold. Symbols
// already in flight stay stale until their task completes, so a retrying
// task is re-dispatched rather than silently abandoned.
type IngestJob struct {
	log        zerolog.Logger
	broker     Enqueuer
	universe   UniverseSource
	completion *worker.CompletionTracker
	staleAfter time.Duration
}

// IngestConfig holds configuration for the ingest producer.
type IngestConfig struct {
	Log        zerolog.Logger
	Broker     Enqueuer
	Universe   UniverseSource
	Completion *worker.CompletionTracker
	StaleAfter time.Duration
}

// NewIngestJob creates the ingest producer.
func NewIngestJob(cfg IngestConfig) *IngestJob {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 6 * time.Hour
	}
	return &IngestJob{
		log:        cfg.Log.With().Str("job", "ingest").Logger(),
		broker:     cfg.Broker,
		universe:   cfg.Universe,
		completion: cfg.Completion,
		staleAfter: cfg.StaleAfter,
	}
}

// Name returns the job name.
func (j *IngestJob) Name() string {
	return "ingest"
}

// Run dispatches ingest tasks for stale symbols.
func (j *IngestJob) Run() error {
	symbols, err := j.universe.ActiveSymbols()
	if err != nil {
		return fmt.Errorf("failed to list active symbols: %w", err)
	}
	if len(symbols) == 0 {
		j.log.Warn().Msg("Universe is empty, nothing to ingest")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	enqueued, fresh, failed := 0, 0, 0
	for _, symbol := range symbols {
		if !j.completion.IsStale(tasks.TaskGetNewPricingData, symbol, j.staleAfter) {
			fresh++
			continue
		}

		env := tasks.NewEnvelope(tasks.TaskGetNewPricingData, tasks.Payload{"ticker": symbol})
		if _, err := j.broker.Enqueue(ctx, &env); err != nil {
			failed++
			j.log.Error().Err(err).Str("ticker", symbol).Msg("Failed to enqueue ingest task")
			continue
		}
		enqueued++
	}

	j.log.Info().
		Int("enqueued", enqueued).
		Int("fresh", fresh).
		Int("failed", failed).
		Msg("Ingest cycle dispatched")

	if failed > 0 {
		return fmt.Errorf("%d of %d ingest enqueues failed", failed, len(symbols))
	}
	return nil
}
