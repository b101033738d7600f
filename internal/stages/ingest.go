package stages

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/provider"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// GetNewPricingData pulls fresh daily bars from the configured provider and
// hands them to the update distributor.
type GetNewPricingData struct {
	provider provider.PricingProvider
	log      zerolog.Logger
}

// NewGetNewPricingData creates the ingestion stage.
func NewGetNewPricingData(p provider.PricingProvider, log zerolog.Logger) *GetNewPricingData {
	return &GetNewPricingData{
		provider: p,
		log:      log.With().Str("component", "stage_ingest").Logger(),
	}
}

// Name implements Stage.
func (s *GetNewPricingData) Name() tasks.Name { return tasks.TaskGetNewPricingData }

// Execute fetches daily rows for the payload ticker. An empty provider
// response is retryable: the upstream feed may simply not have published
// today's bars yet.
func (s *GetNewPricingData) Execute(ctx context.Context, payload tasks.Payload) (*Result, error) {
	ticker, err := requireTicker(payload)
	if err != nil {
		return nil, err
	}

	start, err := optionalDate(payload, "start_date")
	if err != nil {
		return nil, err
	}
	end, err := optionalDate(payload, "end_date")
	if err != nil {
		return nil, err
	}

	rows, err := s.provider.Daily(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tasks.NewDataUnavailable(ticker, "provider returned no rows", true)
	}

	s.log.Info().Str("ticker", ticker).Int("rows", len(rows)).Msg("Pricing rows fetched")

	next := tasks.Payload{"ticker": ticker, "data": rows}
	if id, ok := payload.Int("ticker_id"); ok {
		next["ticker_id"] = id
	}

	return &Result{
		FollowUps: []tasks.Envelope{tasks.NewEnvelope(tasks.TaskHandlePricingUpdate, next)},
		Detail: map[string]interface{}{
			"ticker": ticker,
			"rows":   len(rows),
		},
	}, nil
}

// HandlePricingUpdate persists a raw pricing snapshot and fans the update
// out to the prepare and publish operations.
type HandlePricingUpdate struct {
	store *store.Store
	log   zerolog.Logger
}

// NewHandlePricingUpdate creates the update distribution stage.
func NewHandlePricingUpdate(st *store.Store, log zerolog.Logger) *HandlePricingUpdate {
	return &HandlePricingUpdate{
		store: st,
		log:   log.With().Str("component", "stage_update").Logger(),
	}
}

// Name implements Stage.
func (s *HandlePricingUpdate) Name() tasks.Name { return tasks.TaskHandlePricingUpdate }

// Execute writes the raw snapshot under pricing/{TICKER}_raw and returns the
// prepare and publish follow-ups. The snapshot write honors the store
// toggles, so a dry run still fans out.
func (s *HandlePricingUpdate) Execute(ctx context.Context, payload tasks.Payload) (*Result, error) {
	ticker, err := requireTicker(payload)
	if err != nil {
		return nil, err
	}

	rows, err := payload.Rows("data")
	if err != nil {
		return nil, tasks.NewValidationError("undecodable data rows: %v", err)
	}
	if len(rows) == 0 {
		return nil, tasks.NewValidationError("payload carries no rows for %s", ticker)
	}

	blob, err := json.Marshal(rows)
	if err != nil {
		return nil, tasks.NewValidationError("rows not serializable: %v", err)
	}

	key := dataset.RawKey(ticker)
	if err := s.store.PublishRaw(ctx, key, blob); err != nil {
		return nil, err
	}

	s.log.Info().Str("ticker", ticker).Int("rows", len(rows)).Str("key", key.String()).
		Msg("Raw snapshot persisted")

	prepare := tasks.Payload{"ticker": ticker, "data": rows}
	if minRows, ok := payload.Int("min_rows"); ok {
		prepare["min_rows"] = minRows
	}
	publish := tasks.Payload{"ticker": ticker, "data": rows}

	return &Result{
		Ref: &key,
		FollowUps: []tasks.Envelope{
			tasks.NewEnvelope(tasks.TaskPrepareDataset, prepare),
			tasks.NewEnvelope(tasks.TaskPublishUpdate, publish),
		},
		Detail: map[string]interface{}{
			"ticker": ticker,
			"rows":   len(rows),
		},
	}, nil
}
