// Package dataset defines the pricing dataset model shared by every
// pipeline stage and both storage tiers.
package dataset

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Logical bucket namespaces in the durable tier. Cache keys mirror them.
const (
	BucketPricing  = "pricing"
	BucketCompiled = "compileddatasets"
)

// Key addresses a dataset identically in both storage tiers.
type Key struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// LatestKey returns the canonical address of a ticker's prepared dataset.
func LatestKey(ticker string) Key {
	return Key{Bucket: BucketPricing, Key: strings.ToUpper(ticker) + "_latest"}
}

// RawKey returns the address of a ticker's raw ingestion snapshot.
func RawKey(ticker string) Key {
	return Key{Bucket: BucketPricing, Key: strings.ToUpper(ticker) + "_raw"}
}

// AlgoKey returns the aggregate-eligible address of an algorithm output.
func AlgoKey(ticker, algoID string) Key {
	return Key{Bucket: BucketCompiled, Key: strings.ToUpper(ticker) + "_algo_" + algoID}
}

// AggregateKeyName builds the default destination key for a compiled
// aggregate: sorted upper-case tickers joined by underscores. Deterministic
// so replayed compilations land on the same address.
func AggregateKeyName(tickers []string) string {
	upper := make([]string, 0, len(tickers))
	for _, t := range tickers {
		upper = append(upper, strings.ToUpper(t))
	}
	sort.Strings(upper)
	return strings.Join(upper, "_") + "_aggregate"
}

// CacheKey is the cache-tier rendering of the address.
func (k Key) CacheKey() string {
	return k.Bucket + ":" + k.Key
}

func (k Key) String() string {
	return k.Bucket + "/" + k.Key
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Bucket == "" && k.Key == ""
}

// Row is a single OHLCV bar.
type Row struct {
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Open      float64   `json:"open" msgpack:"open"`
	High      float64   `json:"high" msgpack:"high"`
	Low       float64   `json:"low" msgpack:"low"`
	Close     float64   `json:"close" msgpack:"close"`
	Volume    float64   `json:"volume" msgpack:"volume"`
}

// rowJSON mirrors Row with a string timestamp so payloads may carry either
// RFC3339 stamps or plain dates.
type rowJSON struct {
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// UnmarshalJSON accepts flexible timestamp formats.
func (r *Row) UnmarshalJSON(data []byte) error {
	var aux rowJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ts, err := ParseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}

	r.Timestamp = ts
	r.Open = aux.Open
	r.High = aux.High
	r.Low = aux.Low
	r.Close = aux.Close
	r.Volume = aux.Volume
	return nil
}

// timestampFormats are tried in order when decoding payload rows.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a row timestamp in any accepted format, in UTC.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// PricingDataset is an analysis-ready sequence of rows for one ticker.
// Immutable once published: a republish replaces the whole object.
type PricingDataset struct {
	Ticker string    `json:"ticker" msgpack:"ticker"`
	AsOf   time.Time `json:"as_of" msgpack:"as_of"`
	Rows   []Row     `json:"rows" msgpack:"rows"`
	Source string    `json:"source" msgpack:"source"`
}

// Marshal renders the dataset as its durable-tier JSON bytes. The row order
// is fixed by normalization, so identical inputs produce identical bytes.
func (d *PricingDataset) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalPricing decodes durable-tier bytes back into a dataset.
func UnmarshalPricing(data []byte) (*PricingDataset, error) {
	var ds PricingDataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to decode pricing dataset: %w", err)
	}
	return &ds, nil
}

// RowsFromAny decodes rows that arrived through a JSON task payload
// (slices of generic maps) into typed rows.
func RowsFromAny(value interface{}) ([]Row, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode payload rows: %w", err)
	}

	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode payload rows: %w", err)
	}
	return rows, nil
}

// AggregateDataset is a compiled view over several tickers' latest
// datasets. Read-only after compilation.
type AggregateDataset struct {
	Tickers    []string       `json:"tickers" msgpack:"tickers"`
	CompiledAt time.Time      `json:"compiled_at" msgpack:"compiled_at"`
	Refs       map[string]Key `json:"refs" msgpack:"refs"`
	Missing    []string       `json:"missing,omitempty" msgpack:"missing"`
	RowCounts  map[string]int `json:"row_counts,omitempty" msgpack:"row_counts"`
}

// Partial reports whether compilation proceeded without some tickers.
func (a *AggregateDataset) Partial() bool {
	return len(a.Missing) > 0
}

// Marshal renders the aggregate as durable-tier JSON bytes.
func (a *AggregateDataset) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalAggregate decodes durable-tier bytes back into an aggregate.
func UnmarshalAggregate(data []byte) (*AggregateDataset, error) {
	var agg AggregateDataset
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate dataset: %w", err)
	}
	return &agg, nil
}
