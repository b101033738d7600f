package dataset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInsufficientData is returned when normalization leaves fewer rows than
// the configured minimum. Retrying the same input cannot add rows, so
// callers treat it as terminal.
var ErrInsufficientData = errors.New("insufficient data")

// NormalizeStats describes what normalization did to the input.
type NormalizeStats struct {
	Input      int
	Dropped    int // rows rejected by validation
	Duplicates int // rows displaced by a later row with the same timestamp
}

// Normalize turns raw provider rows into an analysis-ready dataset:
// invalid rows are dropped, timestamps move to UTC, duplicates collapse
// with last-write-wins, and the result is sorted ascending by timestamp.
// Deterministic: the same input always yields the same dataset bytes.
func Normalize(ticker string, rows []Row, minRows int, source string) (*PricingDataset, NormalizeStats, error) {
	stats := NormalizeStats{Input: len(rows)}

	byTimestamp := make(map[int64]Row, len(rows))
	for _, row := range rows {
		if !validRow(row) {
			stats.Dropped++
			continue
		}

		row.Timestamp = row.Timestamp.UTC()
		key := row.Timestamp.UnixNano()
		if _, seen := byTimestamp[key]; seen {
			stats.Duplicates++
		}
		// Later rows win on duplicate timestamps.
		byTimestamp[key] = row
	}

	normalized := make([]Row, 0, len(byTimestamp))
	for _, row := range byTimestamp {
		normalized = append(normalized, row)
	}
	sort.Slice(normalized, func(i, j int) bool {
		return normalized[i].Timestamp.Before(normalized[j].Timestamp)
	})

	if len(normalized) < minRows {
		return nil, stats, fmt.Errorf("%w: %d rows after normalization, need %d",
			ErrInsufficientData, len(normalized), minRows)
	}

	ds := &PricingDataset{
		Ticker: strings.ToUpper(ticker),
		AsOf:   normalized[len(normalized)-1].Timestamp,
		Rows:   normalized,
		Source: source,
	}
	return ds, stats, nil
}

// validRow rejects rows a downstream algorithm cannot use.
func validRow(row Row) bool {
	if row.Timestamp.IsZero() {
		return false
	}
	if row.Close <= 0 || row.Open <= 0 || row.High <= 0 || row.Low <= 0 {
		return false
	}
	if row.High < row.Low {
		return false
	}
	if row.Volume < 0 {
		return false
	}
	return true
}

// Closes extracts the close series, oldest first.
func Closes(rows []Row) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i] = row.Close
	}
	return out
}

// Volumes extracts the volume series, oldest first.
func Volumes(rows []Row) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i] = row.Volume
	}
	return out
}
