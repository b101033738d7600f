package tasks

import "github.com/aristath/tickerpipe/internal/dataset"

// ValidatePayload checks the operation-specific payload schema before an
// envelope is accepted onto the broker channel. Failures are permanent
// ValidationErrors; a malformed payload never reaches a worker.
func ValidatePayload(name Name, p Payload) error {
	if !Valid(name) {
		return NewValidationError("unknown task name %q", name)
	}

	switch name {
	case TaskGetNewPricingData:
		if err := requireTicker(p); err != nil {
			return err
		}
		if err := optionalDate(p, "start_date"); err != nil {
			return err
		}
		if err := optionalDate(p, "end_date"); err != nil {
			return err
		}

	case TaskHandlePricingUpdate, TaskPublishUpdate:
		if err := requireTicker(p); err != nil {
			return err
		}
		if !p.Has("data") {
			return NewValidationError("%s requires a data payload", name)
		}

	case TaskPrepareDataset:
		if err := requireTicker(p); err != nil {
			return err
		}
		if p.Has("min_rows") {
			minRows, ok := p.Int("min_rows")
			if !ok || minRows < 1 {
				return NewValidationError("min_rows must be a positive integer")
			}
		}

	case TaskPublishS3ToRedis:
		_, hasKey := p.String("key")
		_, hasTicker := p.String("ticker")
		if !hasKey && !hasTicker {
			return NewValidationError("%s requires a key or a ticker", name)
		}

	case TaskScreenerAnalysis:
		if p.Has("universe") {
			if _, ok := p.StringSlice("universe"); !ok {
				return NewValidationError("universe must be a list of tickers")
			}
		}

	case TaskPublishAggregate:
		if p.Has("tickers") {
			tickers, ok := p.StringSlice("tickers")
			if !ok {
				return NewValidationError("tickers must be a list of ticker symbols")
			}
			if len(tickers) == 0 {
				return NewValidationError("tickers must not be empty when present")
			}
		}

	case TaskRunAlgo:
		if err := requireTicker(p); err != nil {
			return err
		}
	}

	return nil
}

func requireTicker(p Payload) error {
	ticker, ok := p.String("ticker")
	if !ok || ticker == "" {
		return NewValidationError("ticker is required")
	}
	return nil
}

func optionalDate(p Payload, key string) error {
	if !p.Has(key) {
		return nil
	}
	value, ok := p.String(key)
	if !ok {
		return NewValidationError("%s must be a date string", key)
	}
	if _, err := dataset.ParseTimestamp(value); err != nil {
		return NewValidationError("%s: %v", key, err)
	}
	return nil
}
