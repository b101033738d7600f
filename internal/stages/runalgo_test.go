package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tickerpipe/internal/algo"
	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/tasks"
)

func TestRunAlgo_PublishesResult(t *testing.T) {
	f := newStageFixture(t)
	stage := NewRunAlgo(f.store, f.deps.Algos, "", f.deps.Log)
	ctx := context.Background()

	publishLatest(t, f.store, "SPY", fixtureRows(12, 100, 1_000_000))

	res, err := stage.Execute(ctx, tasks.Payload{"ticker": "spy"})
	require.NoError(t, err)

	key := dataset.AlgoKey("SPY", algo.SMACrossID)
	require.NotNil(t, res.Ref)
	assert.Equal(t, key, *res.Ref)
	assert.Equal(t, algo.SMACrossID, res.Detail["algo"])
	assert.Equal(t, 12, res.Detail["rows"])

	blob, err := f.store.FetchRaw(ctx, key)
	require.NoError(t, err)
	out, err := algo.UnmarshalResult(blob)
	require.NoError(t, err)
	assert.Equal(t, "SPY", out.Ticker)
	assert.Equal(t, algo.SMACrossID, out.AlgoID)
	assert.NotEmpty(t, out.Summary)
}

func TestRunAlgo_DatasetNotReadyIsPermanent(t *testing.T) {
	f := newStageFixture(t)
	stage := NewRunAlgo(f.store, f.deps.Algos, "", f.deps.Log)

	_, err := stage.Execute(context.Background(), tasks.Payload{"ticker": "SPY"})
	require.Error(t, err)

	kind, retryable := tasks.Classify(err)
	assert.Equal(t, tasks.KindDataUnavailable, kind)
	assert.False(t, retryable, "producers re-dispatch algorithm runs after prepare")
}

func TestRunAlgo_UnknownAlgorithm(t *testing.T) {
	f := newStageFixture(t)
	stage := NewRunAlgo(f.store, f.deps.Algos, "", f.deps.Log)

	publishLatest(t, f.store, "SPY", fixtureRows(12, 100, 1_000_000))

	_, err := stage.Execute(context.Background(), tasks.Payload{
		"ticker": "SPY",
		"algo":   "does_not_exist",
	})
	require.Error(t, err)

	kind, _ := tasks.Classify(err)
	assert.Equal(t, tasks.KindValidation, kind)
}

func TestRunAlgo_TooFewRowsIsPermanent(t *testing.T) {
	f := newStageFixture(t)
	stage := NewRunAlgo(f.store, f.deps.Algos, "", f.deps.Log)

	publishLatest(t, f.store, "SPY", fixtureRows(3, 100, 1_000_000))

	_, err := stage.Execute(context.Background(), tasks.Payload{"ticker": "SPY"})
	require.Error(t, err)

	kind, retryable := tasks.Classify(err)
	assert.Equal(t, tasks.KindDataUnavailable, kind)
	assert.False(t, retryable)
}

func TestRunAlgo_ReadsDurableNotCache(t *testing.T) {
	f := newStageFixture(t)
	stage := NewRunAlgo(f.store, f.deps.Algos, "", f.deps.Log)
	ctx := context.Background()
	key := dataset.LatestKey("SPY")

	publishLatest(t, f.store, "SPY", fixtureRows(12, 100, 1_000_000))

	// Poison the cache with a short stale copy. The stage must not see it.
	staleRows := fixtureRows(3, 50, 1_000)
	stale := &dataset.PricingDataset{
		Ticker: "SPY",
		AsOf:   staleRows[2].Timestamp,
		Rows:   staleRows,
		Source: "stale",
	}
	require.NoError(t, f.cache.Set(ctx, key.CacheKey(), stale))

	res, err := stage.Execute(ctx, tasks.Payload{"ticker": "SPY"})
	require.NoError(t, err)
	assert.Equal(t, 12, res.Detail["rows"])
}

func TestRunAlgo_DefaultAlgoFallback(t *testing.T) {
	f := newStageFixture(t)
	stage := NewRunAlgo(f.store, f.deps.Algos, "", f.deps.Log)

	assert.Equal(t, tasks.TaskRunAlgo, stage.Name())
	assert.Equal(t, algo.SMACrossID, stage.defaultAlgo)
}
