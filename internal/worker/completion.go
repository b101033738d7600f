package worker

import (
	"sync"
	"time"

	"github.com/aristath/tickerpipe/internal/tasks"
)

// CompletionTracker records when each (operation, subject) pair last
// succeeded. The scheduler uses it to skip tickers whose data is still
// fresh, and the status server exposes it for inspection.
type CompletionTracker struct {
	completions map[string]time.Time
	mu          sync.RWMutex
}

// NewCompletionTracker creates an empty tracker.
func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{completions: make(map[string]time.Time)}
}

// completionKey joins an operation and its subject. Global operations use
// an empty subject.
func completionKey(name tasks.Name, subject string) string {
	if subject == "" {
		return string(name)
	}
	return string(name) + ":" + subject
}

// MarkCompleted records a successful attempt now.
func (t *CompletionTracker) MarkCompleted(name tasks.Name, subject string) {
	t.MarkCompletedAt(name, subject, time.Now())
}

// MarkCompletedAt records a successful attempt at an explicit time.
func (t *CompletionTracker) MarkCompletedAt(name tasks.Name, subject string, completedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completions[completionKey(name, subject)] = completedAt
}

// LastCompleted returns when the pair last succeeded.
func (t *CompletionTracker) LastCompleted(name tasks.Name, subject string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completedAt, ok := t.completions[completionKey(name, subject)]
	return completedAt, ok
}

// IsStale reports whether the pair should run again: never completed, a
// zero interval, or last completion older than the interval.
func (t *CompletionTracker) IsStale(name tasks.Name, subject string, interval time.Duration) bool {
	if interval == 0 {
		return true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	completedAt, ok := t.completions[completionKey(name, subject)]
	if !ok {
		return true
	}
	return time.Since(completedAt) > interval
}

// Clear drops the record for one pair.
func (t *CompletionTracker) Clear(name tasks.Name, subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.completions, completionKey(name, subject))
}

// Snapshot copies the completion map for reporting.
func (t *CompletionTracker) Snapshot() map[string]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]time.Time, len(t.completions))
	for k, v := range t.completions {
		out[k] = v
	}
	return out
}
