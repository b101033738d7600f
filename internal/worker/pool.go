package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/broker"
	"github.com/aristath/tickerpipe/internal/stages"
	"github.com/aristath/tickerpipe/internal/tasks"
)

const (
	defaultWorkerCount  = 2
	defaultMaxRetries   = 3
	defaultStageTimeout = 2 * time.Minute
	defaultVisibility   = 5 * time.Minute

	// finalizeTimeout bounds the broker and backend writes that settle an
	// attempt. They run on their own context so a pool shutdown never
	// strands a finished attempt half-acknowledged.
	finalizeTimeout = 15 * time.Second
)

// Config holds the worker pool configuration.
type Config struct {
	Broker     *broker.Broker
	Backend    *broker.Backend
	Registry   *stages.Registry
	Completion *CompletionTracker

	// WorkerCount is the number of concurrent single-threaded workers.
	WorkerCount int

	// MaxRetries caps transient redeliveries per task. At the cap a
	// transient failure is reported as permanent.
	MaxRetries int

	// StageTimeout bounds one stage execution.
	StageTimeout time.Duration

	// VisibilityTimeout mirrors the broker's claim deadline; the janitor
	// sweeps at half this interval.
	VisibilityTimeout time.Duration

	Log zerolog.Logger
}

// Pool runs N workers against the broker channel. Each worker is a
// single-threaded dequeue, dispatch, settle loop; concurrency comes from
// running several workers, never from sharing state between them.
type Pool struct {
	broker       *broker.Broker
	backend      *broker.Backend
	registry     *stages.Registry
	completion   *CompletionTracker
	workerCount  int
	maxRetries   int
	stageTimeout time.Duration
	visibility   time.Duration
	log          zerolog.Logger

	capabilities []tasks.Name
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(cfg Config) *Pool {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibility
	}
	completion := cfg.Completion
	if completion == nil {
		completion = NewCompletionTracker()
	}
	return &Pool{
		broker:       cfg.Broker,
		backend:      cfg.Backend,
		registry:     cfg.Registry,
		completion:   completion,
		workerCount:  cfg.WorkerCount,
		maxRetries:   cfg.MaxRetries,
		stageTimeout: cfg.StageTimeout,
		visibility:   cfg.VisibilityTimeout,
		log:          cfg.Log.With().Str("component", "worker_pool").Logger(),
	}
}

// Completion exposes the tracker shared with the scheduler and the status
// server.
func (p *Pool) Completion() *CompletionTracker {
	return p.completion
}

// Start launches the workers and the visibility janitor. The capability
// set is snapshotted from the registry, so stages registered afterwards
// are not served.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.capabilities = p.registry.Names()

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(ctx, id)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.janitor(ctx)
	}()

	p.log.Info().Int("workers", p.workerCount).Int("capabilities", len(p.capabilities)).
		Msg("Worker pool started")
}

// Stop cancels dequeueing and waits for in-flight attempts and the janitor
// to finish, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker is one dequeue loop. It blocks on the broker until a task for a
// registered capability arrives, runs it, settles it, and goes back for
// the next one.
func (p *Pool) worker(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()

	for {
		env, err := p.broker.Dequeue(ctx, p.capabilities)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(log, env)
	}
}

// handle drives one attempt through the state machine.
func (p *Pool) handle(log zerolog.Logger, env *tasks.Envelope) {
	att := newAttempt(env)
	log.Debug().Str("task", string(env.TaskName)).Str("task_id", env.TaskID).
		Int("retry", env.RetryCount).Msg("Task claimed")

	stage, ok := p.registry.Get(env.TaskName)
	if !ok {
		if err := att.transition(StateDequeued, StateRunning); err != nil {
			log.Error().Err(err).Msg("Attempt state corrupted")
			return
		}
		p.settleFailure(log, att, tasks.NewValidationError("no stage registered for %s", env.TaskName))
		return
	}

	if err := att.transition(StateDequeued, StateRunning); err != nil {
		log.Error().Err(err).Msg("Attempt state corrupted")
		return
	}

	// The execution context is independent of the dequeue context: a pool
	// shutdown lets the in-flight attempt run out its stage timeout
	// instead of aborting it mid-write.
	runCtx, cancel := context.WithTimeout(context.Background(), p.stageTimeout)
	res, err := stage.Execute(runCtx, env.Payload)
	cancel()

	if err != nil {
		p.settleFailure(log, att, err)
		return
	}
	if res == nil {
		res = &stages.Result{}
	}
	p.settleSuccess(log, att, res)
}

// settleSuccess records the result, enqueues follow-ups, and acks the
// claim, in that order: the result record must exist before the task can
// spawn work that references it.
func (p *Pool) settleSuccess(log zerolog.Logger, att *attempt, res *stages.Result) {
	env := att.env
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	rec := &tasks.ResultRecord{
		TaskID:      env.TaskID,
		TaskName:    env.TaskName,
		Status:      tasks.StatusSuccess,
		ResultRef:   res.Ref,
		Detail:      res.Detail,
		RetryCount:  env.RetryCount,
		CompletedAt: time.Now().UTC(),
	}
	if err := p.backend.Put(ctx, rec); err != nil {
		// Without a result record the attempt is not settled; put the
		// task back instead of losing the outcome. Stages are idempotent,
		// so the redelivery is safe.
		log.Error().Err(err).Str("task_id", env.TaskID).Msg("Result write failed, requeueing")
		if err := att.transition(StateRunning, StateRequeued); err != nil {
			log.Error().Err(err).Msg("Attempt state corrupted")
		}
		if err := p.broker.Nack(ctx, env.TaskID, true); err != nil {
			log.Error().Err(err).Str("task_id", env.TaskID).Msg("Nack failed")
		}
		return
	}

	for i := range res.FollowUps {
		if _, err := p.broker.Enqueue(ctx, &res.FollowUps[i]); err != nil {
			log.Error().Err(err).Str("task", string(res.FollowUps[i].TaskName)).
				Msg("Follow-up enqueue failed")
		}
	}

	if err := p.broker.Ack(ctx, env.TaskID); err != nil {
		log.Error().Err(err).Str("task_id", env.TaskID).Msg("Ack failed")
	}

	if err := att.transition(StateRunning, StateSucceeded); err != nil {
		log.Error().Err(err).Msg("Attempt state corrupted")
	}

	subject, _ := env.Payload.String("ticker")
	p.completion.MarkCompleted(env.TaskName, subject)

	log.Info().Str("task", string(env.TaskName)).Str("task_id", env.TaskID).
		Int("follow_ups", len(res.FollowUps)).Msg("Task succeeded")
}

// settleFailure classifies the error and either requeues the task for
// another attempt or reports it as failed. Exceeding the retry budget
// forces permanent regardless of classification.
func (p *Pool) settleFailure(log zerolog.Logger, att *attempt, stageErr error) {
	env := att.env
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	kind, retryable := tasks.Classify(stageErr)
	if env.RetryCount >= p.maxRetries {
		retryable = false
	}

	if retryable {
		if err := att.transition(StateRunning, StateRequeued); err != nil {
			log.Error().Err(err).Msg("Attempt state corrupted")
			return
		}
		rec := &tasks.ResultRecord{
			TaskID:      env.TaskID,
			TaskName:    env.TaskName,
			Status:      tasks.StatusRetrying,
			Error:       tasks.AsTaskError(stageErr),
			RetryCount:  env.RetryCount,
			CompletedAt: time.Now().UTC(),
		}
		if err := p.backend.Put(ctx, rec); err != nil {
			log.Error().Err(err).Str("task_id", env.TaskID).Msg("Result write failed")
		}
		if err := p.broker.Nack(ctx, env.TaskID, true); err != nil {
			log.Error().Err(err).Str("task_id", env.TaskID).Msg("Nack failed")
		}
		log.Warn().Str("task", string(env.TaskName)).Str("task_id", env.TaskID).
			Str("kind", string(kind)).Int("retry", env.RetryCount).Err(stageErr).
			Msg("Task failed, requeueing")
		return
	}

	if err := att.transition(StateRunning, StateReported); err != nil {
		log.Error().Err(err).Msg("Attempt state corrupted")
		return
	}
	rec := &tasks.ResultRecord{
		TaskID:      env.TaskID,
		TaskName:    env.TaskName,
		Status:      tasks.StatusFailed,
		Error:       tasks.AsTaskError(stageErr),
		RetryCount:  env.RetryCount,
		CompletedAt: time.Now().UTC(),
	}
	if err := p.backend.Put(ctx, rec); err != nil {
		log.Error().Err(err).Str("task_id", env.TaskID).Msg("Result write failed")
	}
	if err := p.broker.Nack(ctx, env.TaskID, false); err != nil {
		log.Error().Err(err).Str("task_id", env.TaskID).Msg("Nack failed")
	}
	log.Error().Str("task", string(env.TaskName)).Str("task_id", env.TaskID).
		Str("kind", string(kind)).Int("retry", env.RetryCount).Err(stageErr).
		Msg("Task failed permanently")
}

// janitor returns expired claims to their queues so tasks stranded by a
// crashed worker are redelivered.
func (p *Pool) janitor(ctx context.Context) {
	interval := p.visibility / 2
	if interval <= 0 {
		interval = defaultVisibility / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.broker.RequeueExpired(ctx, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Error().Err(err).Msg("Visibility sweep failed")
				continue
			}
			if n > 0 {
				p.log.Warn().Int("requeued", n).Msg("Expired claims returned to their queues")
			}
		}
	}
}
