// Package algo defines the pluggable analysis algorithm capability and a
// registry for it. Workers never hard-wire an algorithm; stages look one
// up by id at execution time.
package algo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/tickerpipe/internal/dataset"
)

// Signal actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Signal is one dated trading signal produced by an algorithm.
type Signal struct {
	Date   time.Time `json:"date"`
	Action string    `json:"action"`
	Price  float64   `json:"price"`
	Note   string    `json:"note,omitempty"`
}

// Result is the output of one algorithm run over one dataset. GeneratedAt
// is derived from the dataset, not the clock, so identical input replays
// to identical output.
type Result struct {
	Ticker      string             `json:"ticker"`
	AlgoID      string             `json:"algo_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	Signals     []Signal           `json:"signals"`
	Summary     map[string]float64 `json:"summary"`
}

// Marshal encodes the result for publication.
func (r *Result) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// UnmarshalResult decodes a published result.
func UnmarshalResult(raw []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode algo result: %w", err)
	}
	return &r, nil
}

// Algorithm analyses one pricing dataset and produces signals.
type Algorithm interface {
	ID() string
	Run(ctx context.Context, ds *dataset.PricingDataset) (*Result, error)
}

// Registry holds the available algorithms.
type Registry struct {
	mu    sync.RWMutex
	algos map[string]Algorithm
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{algos: make(map[string]Algorithm)}
}

// Register adds an algorithm. Registering the same id twice is a
// programming error and is rejected.
func (r *Registry) Register(a Algorithm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.algos[a.ID()]; exists {
		return fmt.Errorf("algorithm %s already registered", a.ID())
	}
	r.algos[a.ID()] = a
	return nil
}

// Get looks up an algorithm by id.
func (r *Registry) Get(id string) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.algos[id]
	return a, ok
}

// Has reports whether an algorithm id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs returns the registered algorithm ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.algos))
	for id := range r.algos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
