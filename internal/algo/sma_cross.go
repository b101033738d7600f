package algo

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// SMACrossID is the default algorithm id.
const SMACrossID = "sma_cross"

const (
	defaultFastPeriod = 10
	defaultSlowPeriod = 30
	rsiPeriod         = 14
	rsiOverbought     = 70
	rsiOversold       = 30
)

// SMACross emits buy/sell signals on fast/slow SMA crossovers, confirmed
// by RSI: a buy crossover into overbought territory and a sell crossover
// into oversold territory are downgraded to holds.
type SMACross struct {
	fast int
	slow int
}

// NewSMACross creates the crossover algorithm. Non-positive periods fall
// back to the defaults; fast must stay below slow.
func NewSMACross(fast, slow int) *SMACross {
	if fast <= 0 {
		fast = defaultFastPeriod
	}
	if slow <= 0 {
		slow = defaultSlowPeriod
	}
	if fast >= slow {
		fast, slow = defaultFastPeriod, defaultSlowPeriod
	}
	return &SMACross{fast: fast, slow: slow}
}

// ID implements Algorithm.
func (s *SMACross) ID() string { return SMACrossID }

// Run implements Algorithm.
func (s *SMACross) Run(ctx context.Context, ds *dataset.PricingDataset) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	closes := dataset.Closes(ds.Rows)
	if len(closes) < s.slow+1 {
		return nil, tasks.NewDataUnavailable(ds.Ticker,
			fmt.Sprintf("%d rows, need %d for sma_cross", len(closes), s.slow+1), false)
	}

	fastSMA := talib.Sma(closes, s.fast)
	slowSMA := talib.Sma(closes, s.slow)
	rsi := talib.Rsi(closes, rsiPeriod)

	signals := make([]Signal, 0, 4)
	buys, sells := 0, 0
	for i := s.slow; i < len(closes); i++ {
		prevDiff := fastSMA[i-1] - slowSMA[i-1]
		diff := fastSMA[i] - slowSMA[i]
		if isNaN(prevDiff) || isNaN(diff) {
			continue
		}

		action, note, ok := crossoverDecision(prevDiff, diff, rsi[i])
		if !ok {
			continue
		}
		switch action {
		case ActionBuy:
			buys++
		case ActionSell:
			sells++
		}
		signals = append(signals, Signal{
			Date:   ds.Rows[i].Timestamp,
			Action: action,
			Price:  closes[i],
			Note:   note,
		})
	}

	last := len(closes) - 1
	summary := map[string]float64{
		"close":    closes[last],
		"sma_fast": fastSMA[last],
		"sma_slow": slowSMA[last],
		"signals":  float64(len(signals)),
		"buys":     float64(buys),
		"sells":    float64(sells),
	}
	if !isNaN(rsi[last]) {
		summary["rsi"] = rsi[last]
	}

	return &Result{
		Ticker:      ds.Ticker,
		AlgoID:      s.ID(),
		GeneratedAt: ds.AsOf,
		Signals:     signals,
		Summary:     summary,
	}, nil
}

// crossoverDecision maps one bar's SMA relationship change and RSI level
// to a signal. ok is false when no crossover happened on this bar. An RSI
// still in its warmup NaN region never suppresses.
func crossoverDecision(prevDiff, diff, rsi float64) (action, note string, ok bool) {
	switch {
	case prevDiff <= 0 && diff > 0:
		if !isNaN(rsi) && rsi > rsiOverbought {
			return ActionHold, "buy crossover suppressed, rsi overbought", true
		}
		return ActionBuy, "fast sma crossed above slow", true
	case prevDiff >= 0 && diff < 0:
		if !isNaN(rsi) && rsi < rsiOversold {
			return ActionHold, "sell crossover suppressed, rsi oversold", true
		}
		return ActionSell, "fast sma crossed below slow", true
	}
	return "", "", false
}

func isNaN(f float64) bool {
	return f != f
}
