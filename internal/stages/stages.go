// Package stages implements the pipeline operations executed by the worker
// pool. Each stage is a pure executor: it reads its parameters from the task
// payload, performs one unit of pipeline work, and returns a Result. Stages
// never enqueue follow-up tasks themselves; they return the envelopes and
// the pool enqueues them after the attempt is acknowledged.
package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/aggregate"
	"github.com/aristath/tickerpipe/internal/algo"
	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/provider"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// Result is the successful outcome of a stage execution.
type Result struct {
	// Ref addresses the dataset this stage published, when it published one.
	Ref *dataset.Key

	// FollowUps are tasks the pool should enqueue after acking this one.
	FollowUps []tasks.Envelope

	// Detail carries stage-specific outcome fields into the result record.
	Detail map[string]interface{}
}

// Stage is one executable pipeline operation.
type Stage interface {
	// Name returns the operation this stage implements.
	Name() tasks.Name

	// Execute runs the stage against a task payload. Errors are classified
	// by the worker pool via tasks.Classify.
	Execute(ctx context.Context, payload tasks.Payload) (*Result, error)
}

// UniverseSource lists the tickers the pipeline watches. The SQLite
// repository satisfies it; tests use a fixed slice.
type UniverseSource interface {
	ActiveSymbols() ([]string, error)
}

// Defaults are the stage tunables not carried in task payloads.
type Defaults struct {
	// MinRows is the minimum dataset length prepare accepts.
	MinRows int

	// AlgoID runs when a task names no algorithm.
	AlgoID string
}

// Deps carries the shared dependencies the stages draw from.
type Deps struct {
	Provider  provider.PricingProvider
	Store     *store.Store
	Universe  UniverseSource
	Algos     *algo.Registry
	Aggregate *aggregate.Coordinator
	Defaults  Defaults
	Log       zerolog.Logger
}

// Registry maps operation names to their stage implementations.
type Registry struct {
	mu     sync.RWMutex
	stages map[tasks.Name]Stage
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[tasks.Name]Stage)}
}

// Register adds a stage. Registering the same operation twice is a wiring
// bug and fails loudly.
func (r *Registry) Register(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if _, exists := r.stages[name]; exists {
		return fmt.Errorf("stage %q already registered", name)
	}
	r.stages[name] = s
	return nil
}

// Get returns the stage for an operation.
func (r *Registry) Get(name tasks.Name) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stages[name]
	return s, ok
}

// Has reports whether an operation has a registered stage.
func (r *Registry) Has(name tasks.Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.stages[name]
	return ok
}

// Names returns the registered operations in a stable order.
func (r *Registry) Names() []tasks.Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]tasks.Name, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Count returns the number of registered stages.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.stages)
}

// RegisterAll wires every pipeline stage into the registry.
func RegisterAll(reg *Registry, deps Deps) error {
	all := []Stage{
		NewGetNewPricingData(deps.Provider, deps.Log),
		NewHandlePricingUpdate(deps.Store, deps.Log),
		NewPrepareDataset(deps.Store, deps.Defaults.MinRows, deps.Log),
		NewPublishUpdate(deps.Store, deps.Log),
		NewPublishS3ToRedis(deps.Store, deps.Log),
		NewScreenerAnalysis(deps.Store, deps.Universe, deps.Defaults, deps.Log),
		NewRunAlgo(deps.Store, deps.Algos, deps.Defaults.AlgoID, deps.Log),
		NewPublishAggregate(deps.Store, deps.Aggregate, deps.Universe, deps.Log),
	}
	for _, s := range all {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// requireTicker extracts the mandatory ticker parameter.
func requireTicker(payload tasks.Payload) (string, error) {
	raw, _ := payload.String("ticker")
	ticker := strings.ToUpper(strings.TrimSpace(raw))
	if ticker == "" {
		return "", tasks.NewValidationError("payload is missing ticker")
	}
	return ticker, nil
}

// optionalDate parses an optional date parameter. Absent keys return a zero
// time; malformed values are a payload error.
func optionalDate(payload tasks.Payload, key string) (time.Time, error) {
	raw, ok := payload.String(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	ts, err := dataset.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, tasks.NewValidationError("invalid %s: %v", key, err)
	}
	return ts, nil
}
