package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/tasks"
)

// AggregateJob dispatches one publish_ticker_aggregate_from_s3 run. As
// with the screener, the stage resolves the universe at execution time.
type AggregateJob struct {
	log    zerolog.Logger
	broker Enqueuer
}

// NewAggregateJob creates the aggregate producer.
func NewAggregateJob(broker Enqueuer, log zerolog.Logger) *AggregateJob {
	return &AggregateJob{
		log:    log.With().Str("job", "aggregate").Logger(),
		broker: broker,
	}
}

// Name returns the job name.
func (j *AggregateJob) Name() string {
	return "aggregate"
}

// Run enqueues an aggregate compilation.
func (j *AggregateJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	env := tasks.NewEnvelope(tasks.TaskPublishAggregate, tasks.Payload{})
	taskID, err := j.broker.Enqueue(ctx, &env)
	if err != nil {
		return fmt.Errorf("failed to enqueue aggregate task: %w", err)
	}

	j.log.Info().Str("task_id", taskID).Msg("Aggregate compilation dispatched")
	return nil
}
