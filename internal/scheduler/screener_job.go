package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/tasks"
)

// ScreenerJob dispatches one task_screener_analysis run over the whole
// universe. The screener stage resolves the symbol list itself, so the
// payload stays empty and the set is whatever is active at execution time.
type ScreenerJob struct {
	log    zerolog.Logger
	broker Enqueuer
}

// NewScreenerJob creates the screener producer.
func NewScreenerJob(broker Enqueuer, log zerolog.Logger) *ScreenerJob {
	return &ScreenerJob{
		log:    log.With().Str("job", "screener").Logger(),
		broker: broker,
	}
}

// Name returns the job name.
func (j *ScreenerJob) Name() string {
	return "screener"
}

// Run enqueues a screener pass.
func (j *ScreenerJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	env := tasks.NewEnvelope(tasks.TaskScreenerAnalysis, tasks.Payload{})
	taskID, err := j.broker.Enqueue(ctx, &env)
	if err != nil {
		return fmt.Errorf("failed to enqueue screener task: %w", err)
	}

	j.log.Info().Str("task_id", taskID).Msg("Screener pass dispatched")
	return nil
}
