package stages

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// defaultMinRows mirrors the MIN_DATASET_ROWS config default.
const defaultMinRows = 20

// PrepareDataset turns raw pricing rows into the canonical analysis-ready
// dataset for a ticker. The same raw input always republishes byte-identical
// dataset objects, so redelivered tasks are harmless.
type PrepareDataset struct {
	store   *store.Store
	minRows int
	log     zerolog.Logger
}

// NewPrepareDataset creates the prepare stage. minRows below one falls back
// to the package default.
func NewPrepareDataset(st *store.Store, minRows int, log zerolog.Logger) *PrepareDataset {
	if minRows < 1 {
		minRows = defaultMinRows
	}
	return &PrepareDataset{
		store:   st,
		minRows: minRows,
		log:     log.With().Str("component", "stage_prepare").Logger(),
	}
}

// Name implements Stage.
func (s *PrepareDataset) Name() tasks.Name { return tasks.TaskPrepareDataset }

// Execute normalizes rows from the payload, or from the persisted raw
// snapshot when the payload carries none, and publishes the result under
// pricing/{TICKER}_latest. Too few usable rows is permanent: retrying the
// same input cannot add rows.
func (s *PrepareDataset) Execute(ctx context.Context, payload tasks.Payload) (*Result, error) {
	ticker, err := requireTicker(payload)
	if err != nil {
		return nil, err
	}

	minRows := s.minRows
	if v, ok := payload.Int("min_rows"); ok && v > 0 {
		minRows = v
	}

	rows, err := s.loadRows(ctx, ticker, payload)
	if err != nil {
		return nil, err
	}

	source, _ := payload.String("source")
	if source == "" {
		source = "provider"
	}

	ds, stats, err := dataset.Normalize(ticker, rows, minRows, source)
	if err != nil {
		if errors.Is(err, dataset.ErrInsufficientData) {
			return nil, tasks.NewDataUnavailable(ticker, err.Error(), false)
		}
		return nil, err
	}

	key := dataset.LatestKey(ticker)
	if err := s.store.Publish(ctx, key, ds); err != nil {
		return nil, err
	}

	s.log.Info().Str("ticker", ticker).Int("rows", len(ds.Rows)).
		Int("dropped", stats.Dropped).Int("duplicates", stats.Duplicates).
		Str("key", key.String()).Msg("Dataset prepared")

	return &Result{
		Ref: &key,
		Detail: map[string]interface{}{
			"ticker":     ticker,
			"rows":       len(ds.Rows),
			"input":      stats.Input,
			"dropped":    stats.Dropped,
			"duplicates": stats.Duplicates,
			"as_of":      ds.AsOf.Format(time.RFC3339),
		},
	}, nil
}

// loadRows resolves the stage input: inline payload rows win, otherwise the
// persisted raw snapshot is read back. A missing snapshot is permanent
// because the ingest chain republishes it before re-dispatching prepare.
func (s *PrepareDataset) loadRows(ctx context.Context, ticker string, payload tasks.Payload) ([]dataset.Row, error) {
	if payload.Has("data") {
		rows, err := payload.Rows("data")
		if err != nil {
			return nil, tasks.NewValidationError("undecodable data rows: %v", err)
		}
		return rows, nil
	}

	key := dataset.RawKey(ticker)
	blob, err := s.store.FetchRaw(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrObjectNotFound) {
			return nil, tasks.NewDataUnavailable(ticker, "no raw snapshot to prepare", false)
		}
		return nil, err
	}

	var rows []dataset.Row
	if err := json.Unmarshal(blob, &rows); err != nil {
		return nil, tasks.NewDataUnavailable(key.String(), "raw snapshot is corrupt", false)
	}
	return rows, nil
}
