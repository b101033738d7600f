package stages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// ScreenerAnalysis walks a ticker universe, applies liquidity and stability
// filters to each ticker's latest dataset, and fans out one algorithm run
// per ticker that passes.
type ScreenerAnalysis struct {
	store    *store.Store
	universe UniverseSource
	minRows  int
	log      zerolog.Logger
}

// NewScreenerAnalysis creates the screener stage.
func NewScreenerAnalysis(st *store.Store, universe UniverseSource, defaults Defaults, log zerolog.Logger) *ScreenerAnalysis {
	minRows := defaults.MinRows
	if minRows < 1 {
		minRows = defaultMinRows
	}
	return &ScreenerAnalysis{
		store:    st,
		universe: universe,
		minRows:  minRows,
		log:      log.With().Str("component", "stage_screener").Logger(),
	}
}

// Name implements Stage.
func (s *ScreenerAnalysis) Name() tasks.Name { return tasks.TaskScreenerAnalysis }

// Execute screens the payload universe, or the active universe from the
// repository when the payload names none. Tickers without a readable latest
// dataset are skipped, not failed; only infrastructure errors abort the
// whole screen so the attempt can retry.
func (s *ScreenerAnalysis) Execute(ctx context.Context, payload tasks.Payload) (*Result, error) {
	tickers, err := s.resolveUniverse(payload)
	if err != nil {
		return nil, err
	}

	minRows := s.minRows
	if v, ok := payload.Int("min_rows"); ok && v > 0 {
		minRows = v
	}
	minAvgVolume, _ := payload.Float("min_avg_volume")
	maxVolatility, _ := payload.Float("max_volatility")
	algoID, _ := payload.String("algo")

	selected := make([]string, 0, len(tickers))
	skipped := make(map[string]interface{})

	for _, ticker := range tickers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ds, err := s.store.Fetch(ctx, dataset.LatestKey(ticker))
		if err != nil {
			var unavailable *tasks.DataUnavailableError
			switch {
			case errors.Is(err, store.ErrObjectNotFound):
				skipped[ticker] = "dataset missing"
			case errors.As(err, &unavailable):
				skipped[ticker] = "dataset unreadable"
			default:
				return nil, err
			}
			continue
		}

		if reason := evaluate(ds, minRows, minAvgVolume, maxVolatility); reason != "" {
			skipped[ticker] = reason
			continue
		}
		selected = append(selected, ticker)
	}

	followUps := make([]tasks.Envelope, 0, len(selected))
	for _, ticker := range selected {
		next := tasks.Payload{"ticker": ticker}
		if algoID != "" {
			next["algo"] = algoID
		}
		followUps = append(followUps, tasks.NewEnvelope(tasks.TaskRunAlgo, next))
	}

	s.log.Info().Int("evaluated", len(tickers)).Int("selected", len(selected)).
		Int("skipped", len(skipped)).Msg("Universe screened")

	return &Result{
		FollowUps: followUps,
		Detail: map[string]interface{}{
			"evaluated": len(tickers),
			"selected":  selected,
			"skipped":   skipped,
		},
	}, nil
}

// resolveUniverse picks the tickers to screen: the payload list wins,
// otherwise the active universe.
func (s *ScreenerAnalysis) resolveUniverse(payload tasks.Payload) ([]string, error) {
	if list, ok := payload.StringSlice("universe"); ok && len(list) > 0 {
		return dedupeTickers(list), nil
	}

	symbols, err := s.universe.ActiveSymbols()
	if err != nil {
		return nil, tasks.NewTransientError("universe query", err)
	}
	if len(symbols) == 0 {
		s.log.Warn().Msg("Universe is empty, nothing to screen")
	}
	return symbols, nil
}

// evaluate applies the screen filters to one dataset. An empty reason means
// the ticker passes.
func evaluate(ds *dataset.PricingDataset, minRows int, minAvgVolume, maxVolatility float64) string {
	if len(ds.Rows) < minRows {
		return fmt.Sprintf("too few rows: %d, need %d", len(ds.Rows), minRows)
	}

	if minAvgVolume > 0 {
		avg := stat.Mean(dataset.Volumes(ds.Rows), nil)
		if avg < minAvgVolume {
			return fmt.Sprintf("average volume %.0f below %.0f", avg, minAvgVolume)
		}
	}

	if maxVolatility > 0 {
		returns := logReturns(dataset.Closes(ds.Rows))
		if len(returns) >= 2 {
			vol := stat.StdDev(returns, nil)
			if vol > maxVolatility {
				return fmt.Sprintf("volatility %.4f above %.4f", vol, maxVolatility)
			}
		}
	}

	return ""
}

// logReturns computes day-over-day log returns of the close series,
// skipping non-positive closes.
func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out
}

// dedupeTickers normalizes a payload universe, preserving first-seen order.
func dedupeTickers(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, raw := range list {
		ticker := strings.ToUpper(strings.TrimSpace(raw))
		if ticker == "" {
			continue
		}
		if _, dup := seen[ticker]; dup {
			continue
		}
		seen[ticker] = struct{}{}
		out = append(out, ticker)
	}
	return out
}
