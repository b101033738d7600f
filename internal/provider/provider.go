// Package provider fetches daily pricing rows from an upstream source.
// The production implementation is a JSON REST client; the synthetic one
// generates a deterministic series and backs dry runs and tests.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// PricingProvider fetches daily bars for a ticker. A provider returns an
// empty slice, not an error, when it simply has nothing for the range.
type PricingProvider interface {
	Daily(ctx context.Context, ticker string, start, end time.Time) ([]dataset.Row, error)
}

// HTTPConfig holds the REST provider settings.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Log     zerolog.Logger
}

// HTTPProvider is a JSON REST pricing client.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPProvider creates the REST provider.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     cfg.Log.With().Str("client", "pricing-provider").Logger(),
	}
}

// Daily implements PricingProvider.
func (p *HTTPProvider) Daily(ctx context.Context, ticker string, start, end time.Time) ([]dataset.Row, error) {
	query := url.Values{}
	query.Set("ticker", ticker)
	if p.apiKey != "" {
		query.Set("apikey", p.apiKey)
	}
	if !start.IsZero() {
		query.Set("start", start.UTC().Format("2006-01-02"))
	}
	if !end.IsZero() {
		query.Set("end", end.UTC().Format("2006-01-02"))
	}
	endpoint := fmt.Sprintf("%s/v1/pricing/daily?%s", p.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, tasks.NewValidationError("bad provider request: %v", err)
	}

	p.log.Debug().Str("ticker", ticker).Msg("Fetching daily pricing")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, tasks.NewTransientError("provider request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Nothing published for this ticker yet.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, tasks.NewTransientError("provider request",
			fmt.Errorf("API returned status %d", resp.StatusCode))
	}

	var result struct {
		Ticker string        `json:"ticker"`
		Rows   []dataset.Row `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, tasks.NewTransientError("provider response", err)
	}

	p.log.Debug().Str("ticker", ticker).Int("rows", len(result.Rows)).Msg("Fetched daily pricing")
	return result.Rows, nil
}
