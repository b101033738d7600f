package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tickerpipe/internal/tasks"
)

func TestCompletionTracker_StaleWhenNeverCompleted(t *testing.T) {
	tracker := NewCompletionTracker()

	assert.True(t, tracker.IsStale(tasks.TaskGetNewPricingData, "SPY", time.Hour))
	_, ok := tracker.LastCompleted(tasks.TaskGetNewPricingData, "SPY")
	assert.False(t, ok)
}

func TestCompletionTracker_FreshAfterCompletion(t *testing.T) {
	tracker := NewCompletionTracker()

	tracker.MarkCompleted(tasks.TaskGetNewPricingData, "SPY")

	assert.False(t, tracker.IsStale(tasks.TaskGetNewPricingData, "SPY", time.Hour))
	completedAt, ok := tracker.LastCompleted(tasks.TaskGetNewPricingData, "SPY")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), completedAt, time.Second)
}

func TestCompletionTracker_StaleAfterInterval(t *testing.T) {
	tracker := NewCompletionTracker()

	tracker.MarkCompletedAt(tasks.TaskGetNewPricingData, "SPY", time.Now().Add(-2*time.Hour))

	assert.True(t, tracker.IsStale(tasks.TaskGetNewPricingData, "SPY", time.Hour))
	assert.False(t, tracker.IsStale(tasks.TaskGetNewPricingData, "SPY", 3*time.Hour))
}

func TestCompletionTracker_ZeroIntervalAlwaysStale(t *testing.T) {
	tracker := NewCompletionTracker()

	tracker.MarkCompleted(tasks.TaskScreenerAnalysis, "")

	assert.True(t, tracker.IsStale(tasks.TaskScreenerAnalysis, "", 0))
}

func TestCompletionTracker_SubjectsAreIndependent(t *testing.T) {
	tracker := NewCompletionTracker()

	tracker.MarkCompleted(tasks.TaskGetNewPricingData, "SPY")

	assert.False(t, tracker.IsStale(tasks.TaskGetNewPricingData, "SPY", time.Hour))
	assert.True(t, tracker.IsStale(tasks.TaskGetNewPricingData, "QQQ", time.Hour))
	assert.True(t, tracker.IsStale(tasks.TaskRunAlgo, "SPY", time.Hour))
}

func TestCompletionTracker_Clear(t *testing.T) {
	tracker := NewCompletionTracker()

	tracker.MarkCompleted(tasks.TaskGetNewPricingData, "SPY")
	tracker.Clear(tasks.TaskGetNewPricingData, "SPY")

	assert.True(t, tracker.IsStale(tasks.TaskGetNewPricingData, "SPY", time.Hour))
}

func TestCompletionTracker_Snapshot(t *testing.T) {
	tracker := NewCompletionTracker()

	tracker.MarkCompleted(tasks.TaskGetNewPricingData, "SPY")
	tracker.MarkCompleted(tasks.TaskScreenerAnalysis, "")

	snap := tracker.Snapshot()
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "get_new_pricing_data:SPY")
	assert.Contains(t, snap, "task_screener_analysis")

	// The snapshot is a copy; mutating it must not touch the tracker.
	delete(snap, "task_screener_analysis")
	assert.False(t, tracker.IsStale(tasks.TaskScreenerAnalysis, "", time.Hour))
}
