package stages

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/aggregate"
	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// PublishAggregate compiles a multi-ticker aggregate through the
// coordinator and publishes it to both tiers.
type PublishAggregate struct {
	store     *store.Store
	aggregate *aggregate.Coordinator
	universe  UniverseSource
	log       zerolog.Logger
}

// NewPublishAggregate creates the aggregate stage.
func NewPublishAggregate(st *store.Store, agg *aggregate.Coordinator, universe UniverseSource, log zerolog.Logger) *PublishAggregate {
	return &PublishAggregate{
		store:     st,
		aggregate: agg,
		universe:  universe,
		log:       log.With().Str("component", "stage_aggregate").Logger(),
	}
}

// Name implements Stage.
func (s *PublishAggregate) Name() tasks.Name { return tasks.TaskPublishAggregate }

// Execute compiles the payload tickers, or the active universe when the
// payload names none, and publishes the aggregate under
// compileddatasets/<dest_key>. A partial compilation is a degraded success;
// the skipped tickers ride along in the dataset and the result detail.
func (s *PublishAggregate) Execute(ctx context.Context, payload tasks.Payload) (*Result, error) {
	tickers, ok := payload.StringSlice("tickers")
	if !ok || len(tickers) == 0 {
		var err error
		tickers, err = s.universe.ActiveSymbols()
		if err != nil {
			return nil, tasks.NewTransientError("universe query", err)
		}
	}

	agg, err := s.aggregate.Compile(ctx, tickers)
	if err != nil {
		return nil, err
	}

	dest, _ := payload.String("dest_key")
	if dest == "" {
		dest = dataset.AggregateKeyName(agg.Tickers)
	}
	key := dataset.Key{Bucket: dataset.BucketCompiled, Key: dest}

	if err := s.store.PublishAggregate(ctx, key, agg); err != nil {
		return nil, err
	}

	s.log.Info().Strs("tickers", agg.Tickers).Int("missing", len(agg.Missing)).
		Str("key", key.String()).Msg("Aggregate published")

	return &Result{
		Ref: &key,
		Detail: map[string]interface{}{
			"tickers": agg.Tickers,
			"missing": agg.Missing,
			"partial": agg.Partial(),
		},
	}, nil
}
