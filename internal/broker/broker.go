// Package broker implements the at-least-once task channel over Redis.
// Every operation gets its own pending list, so capability routing is list
// selection; claimed envelopes are tracked in a claims hash with a
// visibility deadline, and expired claims flow back to their origin queue.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/redisx"
	"github.com/aristath/tickerpipe/internal/tasks"
)

const keyPrefix = "tickerpipe"

// ErrClosed is returned by Dequeue when the context is cancelled.
var ErrClosed = errors.New("broker closed")

// Config holds broker configuration.
type Config struct {
	Redis             redisx.Config
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	DeadLetterMax     int
	Log               zerolog.Logger
}

// Broker is the producer/consumer face of the task channel.
type Broker struct {
	client            *redisx.Client
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	deadLetterMax     int
	log               zerolog.Logger
	rr                atomic.Uint64
}

// New creates a broker. No connection is made until the first call.
func New(cfg Config) *Broker {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.DeadLetterMax <= 0 {
		cfg.DeadLetterMax = 5
	}
	return &Broker{
		client:            redisx.New(cfg.Redis),
		visibilityTimeout: cfg.VisibilityTimeout,
		pollInterval:      cfg.PollInterval,
		deadLetterMax:     cfg.DeadLetterMax,
		log:               cfg.Log.With().Str("component", "broker").Logger(),
	}
}

// Ping verifies the channel is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// Close releases the underlying connections.
func (b *Broker) Close() error {
	return b.client.Close()
}

func queueKey(name tasks.Name) string { return keyPrefix + ":queue:" + string(name) }

func (b *Broker) claimsKey() string     { return keyPrefix + ":claims" }
func (b *Broker) visibilityKey() string { return keyPrefix + ":visibility" }
func (b *Broker) nackKey() string       { return keyPrefix + ":nacks" }
func (b *Broker) deadKey() string       { return keyPrefix + ":dead" }

// claim is the bookkeeping record for a dequeued-but-unacknowledged
// envelope. The origin queue travels with it so redelivery lands back on
// the right list.
type claim struct {
	Queue    tasks.Name      `json:"queue"`
	Envelope json.RawMessage `json:"envelope"`
}

// Enqueue validates and accepts an envelope onto the channel. A missing
// task id is assigned here. Schema failures are permanent; channel
// failures are transient and the caller is expected to retry with backoff.
func (b *Broker) Enqueue(ctx context.Context, env *tasks.Envelope) (string, error) {
	if err := tasks.ValidatePayload(env.TaskName, env.Payload); err != nil {
		return "", err
	}

	if env.TaskID == "" {
		env.TaskID = uuid.NewString()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}

	raw, err := env.Marshal()
	if err != nil {
		return "", tasks.NewValidationError("envelope not serializable: %v", err)
	}

	if _, err := b.client.Do(ctx, "LPUSH", queueKey(env.TaskName), string(raw)); err != nil {
		return "", tasks.NewTransientError("broker enqueue", err)
	}

	b.log.Debug().
		Str("task_id", env.TaskID).
		Str("task_name", string(env.TaskName)).
		Msg("Task enqueued")
	return env.TaskID, nil
}

// Dequeue blocks until an envelope whose operation is in the capability
// set arrives, or the context is cancelled. Queues are polled round-robin
// so no capability starves. Each claim registers a visibility deadline;
// an unacknowledged envelope past it is redelivered by RequeueExpired.
func (b *Broker) Dequeue(ctx context.Context, capabilities []tasks.Name) (*tasks.Envelope, error) {
	if len(capabilities) == 0 {
		return nil, errors.New("dequeue requires at least one capability")
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ErrClosed
		default:
		}

		offset := int(b.rr.Add(1))
		for i := 0; i < len(capabilities); i++ {
			name := capabilities[(offset+i)%len(capabilities)]
			env, err := b.tryClaim(ctx, name)
			if err != nil {
				return nil, err
			}
			if env != nil {
				return env, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ErrClosed
		case <-time.After(b.pollInterval):
		}
	}
}

// tryClaim pops one envelope from a queue and registers its claim.
func (b *Broker) tryClaim(ctx context.Context, name tasks.Name) (*tasks.Envelope, error) {
	reply, err := b.client.Do(ctx, "RPOP", queueKey(name))
	if err != nil {
		return nil, tasks.NewTransientError("broker dequeue", err)
	}
	if reply.IsNil() {
		return nil, nil
	}
	raw, ok := reply.Str()
	if !ok {
		return nil, tasks.NewTransientError("broker dequeue", errors.New("unexpected response type"))
	}

	env, err := tasks.UnmarshalEnvelope([]byte(raw))
	if err != nil || env.TaskID == "" {
		// Undecodable payloads cannot be processed or retried.
		b.log.Warn().Str("queue", string(name)).Msg("Dropping undecodable envelope to dead letters")
		_, _ = b.client.Do(ctx, "LPUSH", b.deadKey(), raw)
		return nil, nil
	}

	claimRaw, err := json.Marshal(claim{Queue: name, Envelope: json.RawMessage(raw)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode claim: %w", err)
	}

	deadline := time.Now().Add(b.visibilityTimeout)
	if _, err := b.client.Do(ctx, "HSET", b.claimsKey(), env.TaskID, string(claimRaw)); err != nil {
		return nil, tasks.NewTransientError("broker claim", err)
	}
	if _, err := b.client.Do(ctx, "ZADD", b.visibilityKey(),
		strconv.FormatInt(deadline.UnixMilli(), 10), env.TaskID); err != nil {
		return nil, tasks.NewTransientError("broker claim", err)
	}

	b.log.Debug().
		Str("task_id", env.TaskID).
		Str("task_name", string(env.TaskName)).
		Time("visible_at", deadline).
		Msg("Task claimed")
	return env, nil
}

// Ack marks a task completed and clears its claim bookkeeping.
func (b *Broker) Ack(ctx context.Context, taskID string) error {
	if _, err := b.client.Do(ctx, "HDEL", b.claimsKey(), taskID); err != nil {
		return tasks.NewTransientError("broker ack", err)
	}
	if _, err := b.client.Do(ctx, "ZREM", b.visibilityKey(), taskID); err != nil {
		return tasks.NewTransientError("broker ack", err)
	}
	if _, err := b.client.Do(ctx, "HDEL", b.nackKey(), taskID); err != nil {
		return tasks.NewTransientError("broker ack", err)
	}
	return nil
}

// Nack reports a failed attempt. With requeue the envelope returns to its
// origin queue with an incremented retry count; past the dead-letter
// ceiling, or without requeue, it moves to the dead letter list.
func (b *Broker) Nack(ctx context.Context, taskID string, requeue bool) error {
	claimJSON, cl, err := b.getClaim(ctx, taskID)
	if err != nil {
		return err
	}
	if cl == nil {
		// Claim already released, nothing to move.
		return nil
	}

	toDead := !requeue
	if requeue {
		reply, err := b.client.Do(ctx, "HINCRBY", b.nackKey(), taskID, "1")
		if err != nil {
			return tasks.NewTransientError("broker nack", err)
		}
		count, err := reply.Int()
		if err != nil {
			return tasks.NewTransientError("broker nack", err)
		}
		toDead = count >= b.deadLetterMax
	}

	if toDead {
		if _, err := b.client.Do(ctx, "LPUSH", b.deadKey(), claimJSON); err != nil {
			return tasks.NewTransientError("broker nack", err)
		}
		if _, err := b.client.Do(ctx, "HDEL", b.nackKey(), taskID); err != nil {
			return tasks.NewTransientError("broker nack", err)
		}
		b.log.Warn().Str("task_id", taskID).Msg("Task moved to dead letters")
	} else {
		env, err := tasks.UnmarshalEnvelope(cl.Envelope)
		if err != nil {
			return fmt.Errorf("failed to decode claimed envelope: %w", err)
		}
		env.RetryCount++
		raw, err := env.Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode requeued envelope: %w", err)
		}
		if _, err := b.client.Do(ctx, "LPUSH", queueKey(cl.Queue), string(raw)); err != nil {
			return tasks.NewTransientError("broker nack", err)
		}
		b.log.Debug().
			Str("task_id", taskID).
			Int("retry_count", env.RetryCount).
			Msg("Task requeued")
	}

	return b.releaseClaim(ctx, taskID)
}

// RequeueExpired redelivers claims whose visibility deadline has passed.
// A claim that keeps expiring hits the dead-letter ceiling like any other
// repeated failure, so a poison task cannot loop forever.
func (b *Broker) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	reply, err := b.client.Do(ctx, "ZRANGEBYSCORE", b.visibilityKey(),
		"-inf", strconv.FormatInt(now.UnixMilli(), 10), "LIMIT", "0", "100")
	if err != nil {
		return 0, tasks.NewTransientError("broker requeue expired", err)
	}
	taskIDs, ok := reply.List()
	if !ok {
		return 0, nil
	}

	requeued := 0
	for _, taskID := range taskIDs {
		claimJSON, cl, err := b.getClaim(ctx, taskID)
		if err != nil {
			return requeued, err
		}
		if cl != nil {
			nacks, err := b.client.Do(ctx, "HINCRBY", b.nackKey(), taskID, "1")
			if err != nil {
				return requeued, tasks.NewTransientError("broker requeue expired", err)
			}
			count, err := nacks.Int()
			if err != nil {
				return requeued, tasks.NewTransientError("broker requeue expired", err)
			}

			if count >= b.deadLetterMax {
				if _, err := b.client.Do(ctx, "LPUSH", b.deadKey(), claimJSON); err != nil {
					return requeued, tasks.NewTransientError("broker requeue expired", err)
				}
				if _, err := b.client.Do(ctx, "HDEL", b.nackKey(), taskID); err != nil {
					return requeued, tasks.NewTransientError("broker requeue expired", err)
				}
				b.log.Warn().Str("task_id", taskID).Msg("Expired task moved to dead letters")
			} else {
				if _, err := b.client.Do(ctx, "LPUSH", queueKey(cl.Queue), string(cl.Envelope)); err != nil {
					return requeued, tasks.NewTransientError("broker requeue expired", err)
				}
				requeued++
				b.log.Info().Str("task_id", taskID).Msg("Expired task redelivered")
			}
		}
		if err := b.releaseClaim(ctx, taskID); err != nil {
			return requeued, err
		}
	}
	return requeued, nil
}

// Stats describes the channel's current shape.
type Stats struct {
	Queues  map[string]int `json:"queues"`
	Claimed int            `json:"claimed"`
	Nacked  int            `json:"nacked"`
	Dead    int            `json:"dead"`
}

// Stats reports queue depths and bookkeeping sizes.
func (b *Broker) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Queues: make(map[string]int, len(tasks.All()))}
	for _, name := range tasks.All() {
		reply, err := b.client.Do(ctx, "LLEN", queueKey(name))
		if err != nil {
			return nil, tasks.NewTransientError("broker stats", err)
		}
		depth, err := reply.Int()
		if err != nil {
			return nil, tasks.NewTransientError("broker stats", err)
		}
		stats.Queues[string(name)] = depth
	}

	for _, probe := range []struct {
		cmd  string
		key  string
		dest *int
	}{
		{"HLEN", b.claimsKey(), &stats.Claimed},
		{"HLEN", b.nackKey(), &stats.Nacked},
		{"LLEN", b.deadKey(), &stats.Dead},
	} {
		reply, err := b.client.Do(ctx, probe.cmd, probe.key)
		if err != nil {
			return nil, tasks.NewTransientError("broker stats", err)
		}
		n, err := reply.Int()
		if err != nil {
			return nil, tasks.NewTransientError("broker stats", err)
		}
		*probe.dest = n
	}
	return stats, nil
}

// DeadLetter is a terminally failed envelope with its origin queue.
type DeadLetter struct {
	Queue    tasks.Name     `json:"queue"`
	Envelope tasks.Envelope `json:"envelope"`
}

// ListDeadLetters returns up to limit dead letters, newest first.
func (b *Broker) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	reply, err := b.client.Do(ctx, "LRANGE", b.deadKey(), "0", strconv.Itoa(limit-1))
	if err != nil {
		return nil, tasks.NewTransientError("broker dead letters", err)
	}
	items, _ := reply.List()

	out := make([]DeadLetter, 0, len(items))
	for _, raw := range items {
		var cl claim
		if err := json.Unmarshal([]byte(raw), &cl); err != nil {
			continue
		}
		env, err := tasks.UnmarshalEnvelope(cl.Envelope)
		if err != nil {
			continue
		}
		out = append(out, DeadLetter{Queue: cl.Queue, Envelope: *env})
	}
	return out, nil
}

// RequeueDeadLetters moves up to limit dead letters back onto their origin
// queues with a reset retry budget. Returns how many were requeued.
func (b *Broker) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	reply, err := b.client.Do(ctx, "LRANGE", b.deadKey(), "0", strconv.Itoa(limit-1))
	if err != nil {
		return 0, tasks.NewTransientError("broker requeue dead", err)
	}
	items, _ := reply.List()

	requeued := 0
	for _, raw := range items {
		var cl claim
		if err := json.Unmarshal([]byte(raw), &cl); err != nil {
			continue
		}
		env, err := tasks.UnmarshalEnvelope(cl.Envelope)
		if err != nil {
			continue
		}

		removedReply, err := b.client.Do(ctx, "LREM", b.deadKey(), "1", raw)
		if err != nil {
			return requeued, tasks.NewTransientError("broker requeue dead", err)
		}
		removed, err := removedReply.Int()
		if err != nil || removed == 0 {
			continue
		}

		env.RetryCount = 0
		fresh, err := env.Marshal()
		if err != nil {
			continue
		}
		if _, err := b.client.Do(ctx, "LPUSH", queueKey(cl.Queue), string(fresh)); err != nil {
			return requeued, tasks.NewTransientError("broker requeue dead", err)
		}
		if _, err := b.client.Do(ctx, "HDEL", b.nackKey(), env.TaskID); err != nil {
			return requeued, tasks.NewTransientError("broker requeue dead", err)
		}
		requeued++
	}

	if requeued > 0 {
		b.log.Info().Int("count", requeued).Msg("Dead letters requeued")
	}
	return requeued, nil
}

func (b *Broker) getClaim(ctx context.Context, taskID string) (string, *claim, error) {
	reply, err := b.client.Do(ctx, "HGET", b.claimsKey(), taskID)
	if err != nil {
		return "", nil, tasks.NewTransientError("broker claim lookup", err)
	}
	if reply.IsNil() {
		return "", nil, nil
	}
	raw, ok := reply.Str()
	if !ok {
		return "", nil, tasks.NewTransientError("broker claim lookup", errors.New("unexpected response type"))
	}
	var cl claim
	if err := json.Unmarshal([]byte(raw), &cl); err != nil {
		return "", nil, fmt.Errorf("failed to decode claim for %s: %w", taskID, err)
	}
	return raw, &cl, nil
}

func (b *Broker) releaseClaim(ctx context.Context, taskID string) error {
	if _, err := b.client.Do(ctx, "HDEL", b.claimsKey(), taskID); err != nil {
		return tasks.NewTransientError("broker release claim", err)
	}
	if _, err := b.client.Do(ctx, "ZREM", b.visibilityKey(), taskID); err != nil {
		return tasks.NewTransientError("broker release claim", err)
	}
	return nil
}
