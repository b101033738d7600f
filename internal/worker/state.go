// Package worker runs the pool that turns queued task envelopes into stage
// executions, result records, and follow-up tasks.
package worker

import (
	"fmt"

	"github.com/aristath/tickerpipe/internal/tasks"
)

// AttemptState is the lifecycle position of one task delivery.
type AttemptState string

const (
	// StateDequeued means the envelope was claimed from the broker.
	StateDequeued AttemptState = "dequeued"
	// StateRunning means the stage is executing.
	StateRunning AttemptState = "running"
	// StateSucceeded means the attempt finished and the task is done.
	StateSucceeded AttemptState = "succeeded"
	// StateRequeued means the attempt failed transiently and the task went
	// back to its queue for another delivery.
	StateRequeued AttemptState = "requeued"
	// StateReported means the attempt failed permanently and the failure
	// was recorded on the backend channel.
	StateReported AttemptState = "reported"
)

// IsTerminal reports whether the attempt is finished. The task itself is
// only finished in Succeeded and Reported; Requeued hands it to a future
// attempt.
func IsTerminal(s AttemptState) bool {
	switch s {
	case StateSucceeded, StateRequeued, StateReported:
		return true
	default:
		return false
	}
}

// attempt is one delivery of a task through a worker.
type attempt struct {
	env   *tasks.Envelope
	state AttemptState
}

func newAttempt(env *tasks.Envelope) *attempt {
	return &attempt{env: env, state: StateDequeued}
}

// transition moves the attempt from an expected prior state to the next
// one. The caller supplies the expected prior state so races surface as
// errors instead of silent overwrites.
func (a *attempt) transition(from, to AttemptState) error {
	if a.state != from {
		return fmt.Errorf("invalid transition for task %s: expected %s, got %s",
			a.env.TaskID, from, a.state)
	}
	if !allowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for task %s: %s -> %s",
			a.env.TaskID, from, to)
	}
	a.state = to
	return nil
}

func allowedTransition(from, to AttemptState) bool {
	switch from {
	case StateDequeued:
		return to == StateRunning
	case StateRunning:
		return to == StateSucceeded || to == StateRequeued || to == StateReported
	default:
		return false
	}
}
