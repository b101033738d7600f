package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/redistest"
	"github.com/aristath/tickerpipe/internal/redisx"
	"github.com/aristath/tickerpipe/internal/tasks"
)

const testDB = 13

func newTestBroker(t *testing.T, srv *redistest.Server, mutate ...func(*Config)) *Broker {
	t.Helper()
	cfg := Config{
		Redis:             redisx.Config{Addr: srv.Addr(), DB: testDB},
		VisibilityTimeout: time.Minute,
		PollInterval:      10 * time.Millisecond,
		Log:               zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	b := New(cfg)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func prepareEnvelope(ticker string) *tasks.Envelope {
	env := tasks.NewEnvelope(tasks.TaskPrepareDataset, tasks.Payload{"ticker": ticker})
	return &env
}

func envelopeOf(name tasks.Name, payload tasks.Payload) *tasks.Envelope {
	env := tasks.NewEnvelope(name, payload)
	return &env
}

func dequeueOne(t *testing.T, b *Broker, caps ...tasks.Name) *tasks.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := b.Dequeue(ctx, caps)
	require.NoError(t, err)
	require.NotNil(t, env)
	return env
}

func TestBroker_EnqueueAssignsIdentity(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)

	env := &tasks.Envelope{TaskName: tasks.TaskPrepareDataset, Payload: tasks.Payload{"ticker": "SPY"}}
	taskID, err := b.Enqueue(context.Background(), env)
	require.NoError(t, err)

	assert.NotEmpty(t, taskID)
	assert.Equal(t, taskID, env.TaskID)
	assert.False(t, env.EnqueuedAt.IsZero())
	assert.Equal(t, 1, srv.LLen(testDB, "tickerpipe:queue:prepare_pricing_dataset"))
}

func TestBroker_EnqueueRejectsInvalidPayload(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)

	_, err := b.Enqueue(context.Background(), envelopeOf(tasks.TaskPrepareDataset, tasks.Payload{}))
	require.Error(t, err)

	kind, retryable := tasks.Classify(err)
	assert.Equal(t, tasks.KindValidation, kind)
	assert.False(t, retryable)
	assert.Equal(t, 0, srv.LLen(testDB, "tickerpipe:queue:prepare_pricing_dataset"))
}

func TestBroker_DequeueRoutesByCapability(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, envelopeOf(tasks.TaskRunAlgo, tasks.Payload{"ticker": "SPY"}))
	require.NoError(t, err)

	// A worker without the run_algo capability never sees the task.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.Dequeue(short, []tasks.Name{tasks.TaskPrepareDataset})
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, srv.LLen(testDB, "tickerpipe:queue:task_run_algo"))

	env := dequeueOne(t, b, tasks.TaskPrepareDataset, tasks.TaskRunAlgo)
	assert.Equal(t, tasks.TaskRunAlgo, env.TaskName)
}

func TestBroker_AckClearsClaim(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, prepareEnvelope("SPY"))
	require.NoError(t, err)

	env := dequeueOne(t, b, tasks.TaskPrepareDataset)
	assert.Equal(t, 1, srv.HLen(testDB, "tickerpipe:claims"))

	require.NoError(t, b.Ack(ctx, env.TaskID))
	assert.Equal(t, 0, srv.HLen(testDB, "tickerpipe:claims"))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
	assert.Zero(t, stats.Dead)
}

func TestBroker_NackRequeueIncrementsRetryCount(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)
	ctx := context.Background()

	taskID, err := b.Enqueue(ctx, prepareEnvelope("SPY"))
	require.NoError(t, err)

	first := dequeueOne(t, b, tasks.TaskPrepareDataset)
	assert.Equal(t, 0, first.RetryCount)

	require.NoError(t, b.Nack(ctx, first.TaskID, true))
	assert.Equal(t, 0, srv.HLen(testDB, "tickerpipe:claims"))

	second := dequeueOne(t, b, tasks.TaskPrepareDataset)
	assert.Equal(t, taskID, second.TaskID)
	assert.Equal(t, 1, second.RetryCount)
	assert.Equal(t, "SPY", second.Payload["ticker"])
}

func TestBroker_NackWithoutRequeueDeadLetters(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)
	ctx := context.Background()

	taskID, err := b.Enqueue(ctx, prepareEnvelope("SPY"))
	require.NoError(t, err)

	env := dequeueOne(t, b, tasks.TaskPrepareDataset)
	require.NoError(t, b.Nack(ctx, env.TaskID, false))

	assert.Equal(t, 0, srv.HLen(testDB, "tickerpipe:claims"))
	assert.Equal(t, 1, srv.LLen(testDB, "tickerpipe:dead"))

	dead, err := b.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, tasks.TaskPrepareDataset, dead[0].Queue)
	assert.Equal(t, taskID, dead[0].Envelope.TaskID)
}

func TestBroker_NackCeilingDeadLetters(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv, func(cfg *Config) { cfg.DeadLetterMax = 2 })
	ctx := context.Background()

	_, err := b.Enqueue(ctx, prepareEnvelope("SPY"))
	require.NoError(t, err)

	env := dequeueOne(t, b, tasks.TaskPrepareDataset)
	require.NoError(t, b.Nack(ctx, env.TaskID, true))

	env = dequeueOne(t, b, tasks.TaskPrepareDataset)
	require.NoError(t, b.Nack(ctx, env.TaskID, true))

	// Second nack hits the ceiling even though requeue was requested.
	assert.Equal(t, 0, srv.LLen(testDB, "tickerpipe:queue:prepare_pricing_dataset"))
	assert.Equal(t, 1, srv.LLen(testDB, "tickerpipe:dead"))
	assert.Equal(t, 0, srv.HLen(testDB, "tickerpipe:nacks"))
}

func TestBroker_NackUnknownTaskIsNoop(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)

	require.NoError(t, b.Nack(context.Background(), "no-such-task", true))
	assert.Equal(t, 0, srv.LLen(testDB, "tickerpipe:dead"))
}

func TestBroker_RequeueExpiredRedelivers(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv, func(cfg *Config) { cfg.VisibilityTimeout = 20 * time.Millisecond })
	ctx := context.Background()

	taskID, err := b.Enqueue(ctx, prepareEnvelope("SPY"))
	require.NoError(t, err)

	env := dequeueOne(t, b, tasks.TaskPrepareDataset)
	require.Equal(t, taskID, env.TaskID)

	// Before the deadline nothing moves.
	n, err := b.RequeueExpired(ctx, env.EnqueuedAt)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past the deadline the claim flows back to its origin queue.
	n, err = b.RequeueExpired(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, srv.HLen(testDB, "tickerpipe:claims"))

	again := dequeueOne(t, b, tasks.TaskPrepareDataset)
	assert.Equal(t, taskID, again.TaskID)
	assert.Equal(t, 0, again.RetryCount)
}

func TestBroker_RequeueExpiredHitsCeiling(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv, func(cfg *Config) {
		cfg.VisibilityTimeout = time.Millisecond
		cfg.DeadLetterMax = 1
	})
	ctx := context.Background()

	_, err := b.Enqueue(ctx, prepareEnvelope("SPY"))
	require.NoError(t, err)
	dequeueOne(t, b, tasks.TaskPrepareDataset)

	n, err := b.RequeueExpired(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, srv.LLen(testDB, "tickerpipe:dead"))
}

func TestBroker_RequeueDeadLetters(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)
	ctx := context.Background()

	taskID, err := b.Enqueue(ctx, prepareEnvelope("SPY"))
	require.NoError(t, err)

	env := dequeueOne(t, b, tasks.TaskPrepareDataset)
	require.NoError(t, b.Nack(ctx, env.TaskID, false))
	require.Equal(t, 1, srv.LLen(testDB, "tickerpipe:dead"))

	n, err := b.RequeueDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, srv.LLen(testDB, "tickerpipe:dead"))

	revived := dequeueOne(t, b, tasks.TaskPrepareDataset)
	assert.Equal(t, taskID, revived.TaskID)
	assert.Equal(t, 0, revived.RetryCount)
}

func TestBroker_Stats(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, prepareEnvelope("SPY"))
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, prepareEnvelope("QQQ"))
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, envelopeOf(tasks.TaskRunAlgo, tasks.Payload{"ticker": "SPY"}))
	require.NoError(t, err)

	dequeueOne(t, b, tasks.TaskPrepareDataset)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queues[string(tasks.TaskPrepareDataset)])
	assert.Equal(t, 1, stats.Queues[string(tasks.TaskRunAlgo)])
	assert.Equal(t, 0, stats.Queues[string(tasks.TaskScreenerAnalysis)])
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 0, stats.Dead)
}

func TestBroker_DequeueCancelled(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBroker(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Dequeue(ctx, []tasks.Name{tasks.TaskPrepareDataset})
	assert.ErrorIs(t, err, ErrClosed)
}

func newTestBackend(t *testing.T, srv *redistest.Server) *Backend {
	t.Helper()
	b := NewBackend(BackendConfig{
		Redis:     redisx.Config{Addr: srv.Addr(), DB: 14},
		ResultTTL: time.Hour,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend_PutGet(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBackend(t, srv)
	ctx := context.Background()

	ref := dataset.LatestKey("SPY")
	rec := &tasks.ResultRecord{
		TaskID:      "task-1",
		TaskName:    tasks.TaskPrepareDataset,
		Status:      tasks.StatusSuccess,
		ResultRef:   &ref,
		CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, b.Put(ctx, rec))

	got, err := b.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSuccess, got.Status)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "pricing", got.ResultRef.Bucket)
	assert.Equal(t, "SPY_latest", got.ResultRef.Key)
}

func TestBackend_GetMissing(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBackend(t, srv)

	_, err := b.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestBackend_WaitOutlivesRetries(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBackend(t, srv)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, &tasks.ResultRecord{
		TaskID:   "task-2",
		TaskName: tasks.TaskRunAlgo,
		Status:   tasks.StatusRetrying,
	}))

	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = b.Put(ctx, &tasks.ResultRecord{
			TaskID:   "task-2",
			TaskName: tasks.TaskRunAlgo,
			Status:   tasks.StatusFailed,
			Error:    &tasks.TaskError{Kind: tasks.KindAlgorithm, Message: "no crossover"},
		})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	rec, err := b.Wait(waitCtx, "task-2", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, tasks.KindAlgorithm, rec.Error.Kind)
}

func TestBackend_WaitCancelled(t *testing.T) {
	srv := redistest.NewServer(t)
	b := newTestBackend(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Wait(ctx, "never", 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
