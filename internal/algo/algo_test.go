package algo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/tasks"
)

func testDataset(ticker string, closes ...float64) *dataset.PricingDataset {
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	rows := make([]dataset.Row, len(closes))
	for i, c := range closes {
		rows[i] = dataset.Row{
			Timestamp: base.AddDate(0, 0, i),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    2_000_000,
		}
	}
	return &dataset.PricingDataset{
		Ticker: ticker,
		AsOf:   rows[len(rows)-1].Timestamp,
		Rows:   rows,
		Source: "test",
	}
}

// trendCloses builds a flat, declining, then rising close series that
// forces a sell crossover followed by a buy crossover.
func trendCloses() []float64 {
	closes := make([]float64, 0, 35)
	for i := 0; i < 5; i++ {
		closes = append(closes, 100)
	}
	for i := 1; i <= 12; i++ {
		closes = append(closes, 100-float64(i)*1.5)
	}
	for i := 1; i <= 18; i++ {
		closes = append(closes, 82+float64(i)*2.5)
	}
	return closes
}

func TestSMACross_EmitsCrossoverSignals(t *testing.T) {
	a := NewSMACross(3, 5)
	ds := testDataset("SPY", trendCloses()...)

	res, err := a.Run(context.Background(), ds)
	require.NoError(t, err)

	assert.Equal(t, "SPY", res.Ticker)
	assert.Equal(t, SMACrossID, res.AlgoID)
	require.NotEmpty(t, res.Signals)

	var sawBuy, sawSell bool
	for _, sig := range res.Signals {
		switch sig.Action {
		case ActionBuy:
			sawBuy = true
		case ActionSell:
			sawSell = true
		case ActionHold:
		default:
			t.Fatalf("Unexpected signal action %q", sig.Action)
		}
		assert.False(t, sig.Date.Before(ds.Rows[0].Timestamp))
		assert.False(t, sig.Date.After(ds.AsOf))
		assert.Greater(t, sig.Price, 0.0)
	}
	assert.True(t, sawSell, "declining leg should produce a sell crossover")
	assert.True(t, sawBuy, "rising leg should produce a buy crossover")

	assert.Equal(t, float64(len(res.Signals)), res.Summary["signals"])
	assert.Contains(t, res.Summary, "close")
	assert.Contains(t, res.Summary, "sma_fast")
	assert.Contains(t, res.Summary, "sma_slow")
	assert.Contains(t, res.Summary, "rsi")
}

func TestSMACross_DeterministicReplay(t *testing.T) {
	a := NewSMACross(3, 5)
	ds := testDataset("SPY", trendCloses()...)

	first, err := a.Run(context.Background(), ds)
	require.NoError(t, err)
	second, err := a.Run(context.Background(), ds)
	require.NoError(t, err)

	rawFirst, err := first.Marshal()
	require.NoError(t, err)
	rawSecond, err := second.Marshal()
	require.NoError(t, err)
	assert.Equal(t, rawFirst, rawSecond)
	assert.True(t, first.GeneratedAt.Equal(ds.AsOf))
}

func TestSMACross_InsufficientRows(t *testing.T) {
	a := NewSMACross(3, 5)
	ds := testDataset("SPY", 100, 101, 102, 103, 104)

	_, err := a.Run(context.Background(), ds)
	require.Error(t, err)

	kind, retryable := tasks.Classify(err)
	assert.Equal(t, tasks.KindDataUnavailable, kind)
	assert.False(t, retryable)
}

func TestSMACross_PeriodFallbacks(t *testing.T) {
	assert.Equal(t, defaultFastPeriod, NewSMACross(0, 0).fast)
	assert.Equal(t, defaultSlowPeriod, NewSMACross(0, 0).slow)

	// Inverted periods are rejected, not silently swapped.
	inverted := NewSMACross(30, 10)
	assert.Equal(t, defaultFastPeriod, inverted.fast)
	assert.Equal(t, defaultSlowPeriod, inverted.slow)
}

func TestCrossoverDecision(t *testing.T) {
	nan := math.NaN()

	tests := []struct {
		name     string
		prevDiff float64
		diff     float64
		rsi      float64
		action   string
		ok       bool
	}{
		{"buy crossover", -0.5, 0.5, 55, ActionBuy, true},
		{"buy suppressed overbought", -0.5, 0.5, 75, ActionHold, true},
		{"buy with warmup rsi", -0.5, 0.5, nan, ActionBuy, true},
		{"sell crossover", 0.5, -0.5, 45, ActionSell, true},
		{"sell suppressed oversold", 0.5, -0.5, 25, ActionHold, true},
		{"sell with warmup rsi", 0.5, -0.5, nan, ActionSell, true},
		{"no crossover above", 0.5, 0.7, 50, "", false},
		{"no crossover below", -0.5, -0.7, 50, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, _, ok := crossoverDecision(tt.prevDiff, tt.diff, tt.rsi)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.action, action)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSMACross(3, 5)))

	got, ok := r.Get(SMACrossID)
	require.True(t, ok)
	assert.Equal(t, SMACrossID, got.ID())
	assert.True(t, r.Has(SMACrossID))
	assert.False(t, r.Has("momentum"))

	err := r.Register(NewSMACross(10, 30))
	assert.Error(t, err)

	assert.Equal(t, []string{SMACrossID}, r.IDs())
}

func TestResult_MarshalRoundTrip(t *testing.T) {
	res := &Result{
		Ticker:      "SPY",
		AlgoID:      SMACrossID,
		GeneratedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Signals: []Signal{
			{Date: time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC), Action: ActionBuy, Price: 502.4, Note: "fast sma crossed above slow"},
		},
		Summary: map[string]float64{"close": 511.7},
	}

	raw, err := res.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalResult(raw)
	require.NoError(t, err)
	assert.Equal(t, res.Ticker, got.Ticker)
	require.Len(t, got.Signals, 1)
	assert.Equal(t, ActionBuy, got.Signals[0].Action)
	assert.Equal(t, 511.7, got.Summary["close"])
}
