// Package aggregate compiles the latest published per-ticker datasets
// into one aggregate object. Missing members are re-polled inside a
// single bounded wait window; compilation then proceeds with whatever is
// available rather than blocking on stragglers.
package aggregate

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// Config holds coordinator configuration.
type Config struct {
	Store        *store.Store
	MaxWait      time.Duration
	PollInterval time.Duration
	Log          zerolog.Logger
}

// Coordinator compiles aggregate datasets.
type Coordinator struct {
	store   *store.Store
	maxWait time.Duration
	poll    time.Duration
	log     zerolog.Logger
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Coordinator{
		store:   cfg.Store,
		maxWait: cfg.MaxWait,
		poll:    cfg.PollInterval,
		log:     cfg.Log.With().Str("component", "aggregate").Logger(),
	}
}

// Compile fetches the latest dataset for every requested ticker and
// builds the aggregate. Tickers still unpublished when the wait window
// closes are recorded in Missing; only a fully empty result is an error.
// CompiledAt tracks the newest member dataset, so identical membership
// replays identically.
func (c *Coordinator) Compile(ctx context.Context, tickers []string) (*dataset.AggregateDataset, error) {
	requested := normalizeTickers(tickers)
	if len(requested) == 0 {
		return nil, tasks.NewValidationError("aggregate requires at least one ticker")
	}

	agg := &dataset.AggregateDataset{
		Tickers:   requested,
		Refs:      make(map[string]dataset.Key, len(requested)),
		RowCounts: make(map[string]int, len(requested)),
	}

	pending := make([]string, len(requested))
	copy(pending, requested)
	asOf := make(map[string]time.Time, len(requested))

	deadline := time.Now().Add(c.maxWait)
	for {
		var err error
		pending, err = c.collect(ctx, agg, asOf, pending)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 || !time.Now().Before(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.poll):
		}
	}

	if len(agg.Refs) == 0 {
		return nil, tasks.NewDataUnavailable(strings.Join(requested, ","),
			"no published dataset for any requested ticker", false)
	}

	sort.Strings(pending)
	agg.Missing = pending

	var newest time.Time
	for _, ts := range asOf {
		if ts.After(newest) {
			newest = ts
		}
	}
	agg.CompiledAt = newest

	if agg.Partial() {
		c.log.Warn().
			Strs("missing", agg.Missing).
			Int("included", len(agg.Refs)).
			Msg("Aggregate compiled with partial data")
	} else {
		c.log.Info().Int("tickers", len(agg.Refs)).Msg("Aggregate compiled")
	}
	return agg, nil
}

// collect tries each pending ticker once, filling the aggregate in place,
// and returns the tickers still missing.
func (c *Coordinator) collect(ctx context.Context, agg *dataset.AggregateDataset, asOf map[string]time.Time, pending []string) ([]string, error) {
	still := pending[:0]
	for _, ticker := range pending {
		key := dataset.LatestKey(ticker)
		ds, err := c.store.Fetch(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrObjectNotFound) {
				still = append(still, ticker)
				continue
			}
			return nil, err
		}
		agg.Refs[ticker] = key
		agg.RowCounts[ticker] = len(ds.Rows)
		asOf[ticker] = ds.AsOf
	}
	return still, nil
}

func normalizeTickers(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		symbol := strings.ToUpper(strings.TrimSpace(t))
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
