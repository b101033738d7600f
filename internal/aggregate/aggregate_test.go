package aggregate

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
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/tasks"
)

type fixture struct {
	coord *Coordinator
	store *store.Store
}

func newFixture(t *testing.T, maxWait time.Duration) *fixture {
	t.Helper()
	srv := redistest.NewServer(t)
	cache := store.NewCache(store.CacheConfig{
		Redis: redisx.Config{Addr: srv.Addr(), DB: 1},
		TTL:   time.Hour,
		Log:   zerolog.Nop(),
	})
	t.Cleanup(func() { _ = cache.Close() })

	st := store.New(store.Config{
		Objects:        store.NewMemoryStore(),
		Cache:          cache,
		UploadEnabled:  true,
		PublishEnabled: true,
		Log:            zerolog.Nop(),
	})
	coord := New(Config{
		Store:        st,
		MaxWait:      maxWait,
		PollInterval: 10 * time.Millisecond,
		Log:          zerolog.Nop(),
	})
	return &fixture{coord: coord, store: st}
}

func publishLatest(t *testing.T, st *store.Store, ticker string, days int, asOf time.Time) {
	t.Helper()
	rows := make([]dataset.Row, days)
	for i := range rows {
		ts := asOf.AddDate(0, 0, i-days+1)
		rows[i] = dataset.Row{Timestamp: ts, Open: 100, High: 102, Low: 99, Close: 101, Volume: 1_000_000}
	}
	ds := &dataset.PricingDataset{Ticker: ticker, AsOf: asOf, Rows: rows, Source: "test"}
	require.NoError(t, st.Publish(context.Background(), dataset.LatestKey(ticker), ds))
}

func TestCoordinator_CompileAllPresent(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	spyAsOf := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	qqqAsOf := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	publishLatest(t, f.store, "SPY", 30, spyAsOf)
	publishLatest(t, f.store, "QQQ", 25, qqqAsOf)

	agg, err := f.coord.Compile(context.Background(), []string{"spy", "QQQ"})
	require.NoError(t, err)

	assert.Equal(t, []string{"QQQ", "SPY"}, agg.Tickers)
	assert.False(t, agg.Partial())
	assert.Empty(t, agg.Missing)
	assert.Equal(t, 30, agg.RowCounts["SPY"])
	assert.Equal(t, 25, agg.RowCounts["QQQ"])
	assert.Equal(t, dataset.LatestKey("SPY"), agg.Refs["SPY"])
	assert.True(t, agg.CompiledAt.Equal(spyAsOf), "compiled_at should track the newest member")
}

func TestCoordinator_PartialAfterBoundedWait(t *testing.T) {
	f := newFixture(t, 60*time.Millisecond)
	publishLatest(t, f.store, "SPY", 30, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))

	start := time.Now()
	agg, err := f.coord.Compile(context.Background(), []string{"SPY", "QQQ"})
	require.NoError(t, err)

	assert.True(t, agg.Partial())
	assert.Equal(t, []string{"QQQ"}, agg.Missing)
	assert.Contains(t, agg.Refs, "SPY")
	assert.NotContains(t, agg.Refs, "QQQ")
	assert.Less(t, time.Since(start), 3*time.Second, "wait window must be bounded")
}

func TestCoordinator_LateArrivalWithinWindow(t *testing.T) {
	f := newFixture(t, 2*time.Second)
	publishLatest(t, f.store, "SPY", 30, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))

	go func() {
		time.Sleep(30 * time.Millisecond)
		publishLatest(t, f.store, "QQQ", 25, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	}()

	agg, err := f.coord.Compile(context.Background(), []string{"SPY", "QQQ"})
	require.NoError(t, err)
	assert.False(t, agg.Partial())
	assert.Len(t, agg.Refs, 2)
}

func TestCoordinator_AllMissing(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	_, err := f.coord.Compile(context.Background(), []string{"SPY", "QQQ"})
	require.Error(t, err)

	kind, retryable := tasks.Classify(err)
	assert.Equal(t, tasks.KindDataUnavailable, kind)
	assert.False(t, retryable)
}

func TestCoordinator_EmptyTickers(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	_, err := f.coord.Compile(context.Background(), []string{" ", ""})
	require.Error(t, err)
	kind, _ := tasks.Classify(err)
	assert.Equal(t, tasks.KindValidation, kind)
}

func TestCoordinator_CancelledDuringWait(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := f.coord.Compile(ctx, []string{"SPY"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNormalizeTickers(t *testing.T) {
	got := normalizeTickers([]string{" spy ", "QQQ", "spy", "", "aapl"})
	assert.Equal(t, []string{"AAPL", "QQQ", "SPY"}, got)
}
