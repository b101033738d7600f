package stages

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/algo"
	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// RunAlgo executes a registered algorithm against a ticker's latest
// prepared dataset and publishes the signal output.
type RunAlgo struct {
	store       *store.Store
	algos       *algo.Registry
	defaultAlgo string
	log         zerolog.Logger
}

// NewRunAlgo creates the algorithm stage. An empty defaultAlgo falls back
// to sma_cross.
func NewRunAlgo(st *store.Store, algos *algo.Registry, defaultAlgo string, log zerolog.Logger) *RunAlgo {
	if defaultAlgo == "" {
		defaultAlgo = algo.SMACrossID
	}
	return &RunAlgo{
		store:       st,
		algos:       algos,
		defaultAlgo: defaultAlgo,
		log:         log.With().Str("component", "stage_algo").Logger(),
	}
}

// Name implements Stage.
func (s *RunAlgo) Name() tasks.Name { return tasks.TaskRunAlgo }

// Execute reads the dataset fresh from the durable tier, runs the named
// algorithm, and publishes its result under
// compileddatasets/{TICKER}_algo_{ALGO}. A missing dataset is permanent:
// the ingest chain re-dispatches algorithm runs after prepare, so blindly
// requeueing here would only spin.
func (s *RunAlgo) Execute(ctx context.Context, payload tasks.Payload) (*Result, error) {
	ticker, err := requireTicker(payload)
	if err != nil {
		return nil, err
	}

	algoID, _ := payload.String("algo")
	if algoID == "" {
		algoID = s.defaultAlgo
	}

	a, ok := s.algos.Get(algoID)
	if !ok {
		return nil, tasks.NewValidationError("unknown algorithm %q", algoID)
	}

	ds, err := s.store.FetchFresh(ctx, dataset.LatestKey(ticker))
	if err != nil {
		if errors.Is(err, store.ErrObjectNotFound) {
			return nil, tasks.NewDataUnavailable(ticker, "dataset not ready", false)
		}
		return nil, err
	}

	out, err := a.Run(ctx, ds)
	if err != nil {
		return nil, classifyAlgoError(algoID, err)
	}

	blob, err := out.Marshal()
	if err != nil {
		return nil, tasks.NewAlgorithmError(algoID, err)
	}

	key := dataset.AlgoKey(ticker, algoID)
	if err := s.store.PublishRaw(ctx, key, blob); err != nil {
		return nil, err
	}

	s.log.Info().Str("ticker", ticker).Str("algo", algoID).
		Int("signals", len(out.Signals)).Str("key", key.String()).
		Msg("Algorithm output published")

	return &Result{
		Ref: &key,
		Detail: map[string]interface{}{
			"ticker":  ticker,
			"algo":    algoID,
			"signals": len(out.Signals),
			"rows":    len(ds.Rows),
		},
	}, nil
}

// classifyAlgoError keeps already-classified pipeline errors intact and
// wraps everything else as an algorithm failure, which is permanent.
func classifyAlgoError(algoID string, err error) error {
	var unavailable *tasks.DataUnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return tasks.NewAlgorithmError(algoID, err)
}
