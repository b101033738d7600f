package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/redistest"
	"github.com/aristath/tickerpipe/internal/tasks"
)

type storeFixture struct {
	store   *Store
	objects *MemoryStore
	cache   *Cache
	srv     *redistest.Server
}

func newFixture(t *testing.T, upload, publish bool) *storeFixture {
	t.Helper()
	srv := redistest.NewServer(t)
	cache := newTestCache(t, srv)
	objects := NewMemoryStore()
	st := New(Config{
		Objects:        objects,
		Cache:          cache,
		UploadEnabled:  upload,
		PublishEnabled: publish,
		Log:            zerolog.Nop(),
	})
	return &storeFixture{store: st, objects: objects, cache: cache, srv: srv}
}

func sampleDataset(ticker string, closes ...float64) *dataset.PricingDataset {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]dataset.Row, len(closes))
	for i, c := range closes {
		rows[i] = dataset.Row{
			Timestamp: base.AddDate(0, 0, i),
			Open:      c - 1,
			High:      c + 2,
			Low:       c - 2,
			Close:     c,
			Volume:    1_000_000,
		}
	}
	return &dataset.PricingDataset{
		Ticker: ticker,
		AsOf:   rows[len(rows)-1].Timestamp,
		Rows:   rows,
		Source: "test",
	}
}

func TestStore_PublishWritesDurableThenCache(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()
	key := dataset.LatestKey("SPY")

	ds := sampleDataset("SPY", 510, 512)
	require.NoError(t, f.store.Publish(ctx, key, ds))

	raw, err := f.objects.Get(ctx, key.Bucket, key.Key)
	require.NoError(t, err)
	expected, err := ds.Marshal()
	require.NoError(t, err)
	assert.Equal(t, expected, raw)

	var cached dataset.PricingDataset
	require.NoError(t, f.cache.Get(ctx, key.CacheKey(), &cached))
	assert.Equal(t, "SPY", cached.Ticker)
	assert.Len(t, cached.Rows, 2)

	stats := f.store.Stats()
	assert.EqualValues(t, 1, stats.Publishes)
	assert.EqualValues(t, 0, stats.DegradedPublishes)
}

func TestStore_PublishTogglesOffIsNoopSuccess(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()
	key := dataset.LatestKey("SPY")

	require.NoError(t, f.store.Publish(ctx, key, sampleDataset("SPY", 510)))

	assert.Equal(t, 0, f.objects.Len(key.Bucket))
	var cached dataset.PricingDataset
	assert.ErrorIs(t, f.cache.Get(ctx, key.CacheKey(), &cached), ErrCacheMiss)

	stats := f.store.Stats()
	assert.EqualValues(t, 1, stats.SkippedUploads)
	assert.EqualValues(t, 1, stats.SkippedPublishes)
	assert.EqualValues(t, 0, stats.Publishes)
}

func TestStore_PublishSurvivesCacheOutage(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()
	key := dataset.LatestKey("SPY")

	// Cache tier down, durable tier up: publish degrades, not fails.
	f.srv.Stop()

	require.NoError(t, f.store.Publish(ctx, key, sampleDataset("SPY", 510)))
	assert.Equal(t, 1, f.objects.Len(key.Bucket))
	assert.EqualValues(t, 1, f.store.Stats().DegradedPublishes)
}

func TestStore_PublishDurableFailureIsTransient(t *testing.T) {
	f := newFixture(t, true, true)
	f.objects.PutErr = errors.New("connection refused")

	err := f.store.Publish(context.Background(), dataset.LatestKey("SPY"), sampleDataset("SPY", 510))
	require.Error(t, err)

	kind, retryable := tasks.Classify(err)
	assert.Equal(t, tasks.KindTransientInfra, kind)
	assert.True(t, retryable)
}

func TestStore_FetchReadsThroughAndRepopulates(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()
	key := dataset.LatestKey("SPY")

	require.NoError(t, f.store.Publish(ctx, key, sampleDataset("SPY", 510, 512)))
	require.NoError(t, f.store.Invalidate(ctx, key))

	got, err := f.store.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "SPY", got.Ticker)

	stats := f.store.Stats()
	assert.EqualValues(t, 1, stats.CacheMisses)
	assert.EqualValues(t, 1, stats.DurableReads)

	// Repopulated: the second read is a cache hit.
	_, err = f.store.Fetch(ctx, key)
	require.NoError(t, err)
	stats = f.store.Stats()
	assert.EqualValues(t, 1, stats.CacheHits)
	assert.EqualValues(t, 1, stats.DurableReads)
}

func TestStore_FetchMissingBothTiers(t *testing.T) {
	f := newFixture(t, true, true)

	_, err := f.store.Fetch(context.Background(), dataset.LatestKey("ABSENT"))
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestStore_FetchFreshBypassesCache(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()
	key := dataset.LatestKey("SPY")

	require.NoError(t, f.store.Publish(ctx, key, sampleDataset("SPY", 510)))

	// Durable tier moves on while the cache still holds the old version.
	fresh := sampleDataset("SPY", 510, 515)
	raw, err := fresh.Marshal()
	require.NoError(t, err)
	require.NoError(t, f.objects.Put(ctx, key.Bucket, key.Key, raw))

	stale, err := f.store.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Len(t, stale.Rows, 1)

	latest, err := f.store.FetchFresh(ctx, key)
	require.NoError(t, err)
	assert.Len(t, latest.Rows, 2)
}

func TestStore_FetchCorruptDurableIsPermanent(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()
	key := dataset.LatestKey("SPY")

	require.NoError(t, f.objects.Put(ctx, key.Bucket, key.Key, []byte("not a dataset")))

	_, err := f.store.Fetch(ctx, key)
	require.Error(t, err)
	kind, retryable := tasks.Classify(err)
	assert.Equal(t, tasks.KindDataUnavailable, kind)
	assert.False(t, retryable)
}

func TestStore_InvalidateLeavesDurableIntact(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()
	key := dataset.LatestKey("SPY")

	require.NoError(t, f.store.Publish(ctx, key, sampleDataset("SPY", 510)))
	require.NoError(t, f.store.Invalidate(ctx, key))

	var cached dataset.PricingDataset
	assert.ErrorIs(t, f.cache.Get(ctx, key.CacheKey(), &cached), ErrCacheMiss)
	assert.Equal(t, 1, f.objects.Len(key.Bucket))
}

func TestStore_AggregateRoundTrip(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()

	key := dataset.Key{Bucket: dataset.BucketCompiled, Key: dataset.AggregateKeyName([]string{"QQQ", "SPY"})}
	agg := &dataset.AggregateDataset{
		Tickers:    []string{"QQQ", "SPY"},
		CompiledAt: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Refs: map[string]dataset.Key{
			"SPY": dataset.LatestKey("SPY"),
			"QQQ": dataset.LatestKey("QQQ"),
		},
		RowCounts: map[string]int{"SPY": 250, "QQQ": 250},
	}
	require.NoError(t, f.store.PublishAggregate(ctx, key, agg))
	require.NoError(t, f.store.Invalidate(ctx, key))

	got, err := f.store.FetchAggregate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"QQQ", "SPY"}, got.Tickers)
	assert.False(t, got.Partial())

	// Second read comes from the repopulated cache.
	got, err = f.store.FetchAggregate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 250, got.RowCounts["SPY"])
	assert.EqualValues(t, 1, f.store.Stats().CacheHits)
}

func TestStore_PublishRawAndFetchRaw(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()
	key := dataset.RawKey("SPY")

	blob := []byte(`[{"date":"2024-03-01","close":511.7}]`)
	require.NoError(t, f.store.PublishRaw(ctx, key, blob))

	got, err := f.store.FetchRaw(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	cached, err := f.cache.GetRaw(ctx, key.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, blob, cached)
}

func TestStore_CachePublishHonorsToggleAndTTL(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()
	key := dataset.LatestKey("SPY")

	require.NoError(t, f.store.CachePublish(ctx, key, sampleDataset("SPY", 510), 120))
	var cached dataset.PricingDataset
	assert.ErrorIs(t, f.cache.Get(ctx, key.CacheKey(), &cached), ErrCacheMiss)

	enabled := newFixture(t, true, true)
	require.NoError(t, enabled.store.CachePublish(ctx, key, sampleDataset("SPY", 510), 120))
	require.NoError(t, enabled.cache.Get(ctx, key.CacheKey(), &cached))
	assert.Equal(t, "SPY", cached.Ticker)
}

func TestStore_EnsureBuckets(t *testing.T) {
	f := newFixture(t, true, true)
	require.NoError(t, f.store.EnsureBuckets(context.Background()))
	assert.Equal(t, 0, f.objects.Len(dataset.BucketPricing))
	assert.Equal(t, 0, f.objects.Len(dataset.BucketCompiled))
}
