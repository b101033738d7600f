package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/redisx"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// ErrResultNotFound is returned when no result exists for a task id.
var ErrResultNotFound = errors.New("result not found")

// BackendConfig holds result backend configuration.
type BackendConfig struct {
	Redis     redisx.Config
	ResultTTL time.Duration
	Log       zerolog.Logger
}

// Backend stores terminal task outcomes, keyed by task id, with a TTL so
// old results age out on their own.
type Backend struct {
	client    *redisx.Client
	resultTTL time.Duration
	log       zerolog.Logger
}

// NewBackend creates a result backend.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &Backend{
		client:    redisx.New(cfg.Redis),
		resultTTL: cfg.ResultTTL,
		log:       cfg.Log.With().Str("component", "backend").Logger(),
	}
}

// Ping verifies the backend is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// Close releases the underlying connections.
func (b *Backend) Close() error {
	return b.client.Close()
}

func resultKey(taskID string) string { return "result:" + taskID }

// Put records a task outcome. Retrying records overwrite each other and
// the terminal record overwrites the last retrying one, so a reader
// always sees the most recent state.
func (b *Backend) Put(ctx context.Context, rec *tasks.ResultRecord) error {
	if rec.TaskID == "" {
		return errors.New("result record requires a task id")
	}
	raw, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode result record: %w", err)
	}

	ttl := strconv.Itoa(int(b.resultTTL.Seconds()))
	if _, err := b.client.Do(ctx, "SET", resultKey(rec.TaskID), string(raw), "EX", ttl); err != nil {
		return tasks.NewTransientError("backend put", err)
	}

	b.log.Debug().
		Str("task_id", rec.TaskID).
		Str("status", string(rec.Status)).
		Msg("Result recorded")
	return nil
}

// Get fetches the current result record for a task id.
func (b *Backend) Get(ctx context.Context, taskID string) (*tasks.ResultRecord, error) {
	reply, err := b.client.Do(ctx, "GET", resultKey(taskID))
	if err != nil {
		return nil, tasks.NewTransientError("backend get", err)
	}
	if reply.IsNil() {
		return nil, ErrResultNotFound
	}
	raw, ok := reply.Str()
	if !ok {
		return nil, tasks.NewTransientError("backend get", errors.New("unexpected response type"))
	}
	return tasks.UnmarshalResult([]byte(raw))
}

// Wait polls until the task reaches a terminal status or the context
// expires. Retrying records keep the wait alive.
func (b *Backend) Wait(ctx context.Context, taskID string, poll time.Duration) (*tasks.ResultRecord, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		rec, err := b.Get(ctx, taskID)
		if err != nil && !errors.Is(err, ErrResultNotFound) {
			return nil, err
		}
		if rec != nil && rec.Status != tasks.StatusRetrying {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}
