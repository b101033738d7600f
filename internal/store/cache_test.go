package store

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
)

func newTestCache(t *testing.T, srv *redistest.Server) *Cache {
	t.Helper()
	c := NewCache(CacheConfig{
		Redis: redisx.Config{Addr: srv.Addr(), DB: 1},
		TTL:   time.Hour,
		Log:   zerolog.Nop(),
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	srv := redistest.NewServer(t)
	c := newTestCache(t, srv)
	ctx := context.Background()

	in := &dataset.PricingDataset{
		Ticker: "SPY",
		AsOf:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Rows: []dataset.Row{
			{Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Open: 510.1, High: 512.4, Low: 508.9, Close: 511.7, Volume: 80_000_000},
		},
		Source: "provider",
	}
	require.NoError(t, c.Set(ctx, "pricing:SPY_latest", in))

	var out dataset.PricingDataset
	require.NoError(t, c.Get(ctx, "pricing:SPY_latest", &out))
	assert.Equal(t, "SPY", out.Ticker)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, in.Rows[0].Close, out.Rows[0].Close)
	assert.True(t, in.AsOf.Equal(out.AsOf))
}

func TestCache_MissIsTyped(t *testing.T) {
	srv := redistest.NewServer(t)
	c := newTestCache(t, srv)

	var out dataset.PricingDataset
	err := c.Get(context.Background(), "pricing:ABSENT_latest", &out)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCache_RawBytes(t *testing.T) {
	srv := redistest.NewServer(t)
	c := newTestCache(t, srv)
	ctx := context.Background()

	blob := []byte(`{"rows":[{"close":1.5}]}`)
	require.NoError(t, c.SetRaw(ctx, "pricing:SPY_raw", blob))

	got, err := c.GetRaw(ctx, "pricing:SPY_raw")
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestCache_Del(t *testing.T) {
	srv := redistest.NewServer(t)
	c := newTestCache(t, srv)
	ctx := context.Background()

	require.NoError(t, c.SetRaw(ctx, "k", []byte("v")))
	require.NoError(t, c.Del(ctx, "k"))

	_, err := c.GetRaw(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// Deleting an absent key stays quiet.
	require.NoError(t, c.Del(ctx, "k"))
}
