// Package di wires the pipeline's dependencies into a single container.
//
// Wire builds everything in dependency order: universe database, task
// channel (broker plus result backend), dual-tier store, pricing provider,
// algorithm and stage registries, worker pool, producer scheduler, and the
// status server. The container owns the connections; the entry point owns
// the lifecycle (Start/Stop ordering lives in cmd/worker).
package di

import (
	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/aggregate"
	"github.com/aristath/tickerpipe/internal/algo"
	"github.com/aristath/tickerpipe/internal/broker"
	"github.com/aristath/tickerpipe/internal/config"
	"github.com/aristath/tickerpipe/internal/database"
	"github.com/aristath/tickerpipe/internal/provider"
	"github.com/aristath/tickerpipe/internal/scheduler"
	"github.com/aristath/tickerpipe/internal/server"
	"github.com/aristath/tickerpipe/internal/stages"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/universe"
	"github.com/aristath/tickerpipe/internal/worker"
)

// Container holds every service instance the worker daemon runs.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	// Ticker universe
	UniverseDB *database.DB
	Universe   *universe.Repository

	// Task channel
	Broker  *broker.Broker
	Backend *broker.Backend

	// Dual-tier dataset store
	Cache *store.Cache
	Store *store.Store

	// Pipeline
	Provider  provider.PricingProvider
	Algos     *algo.Registry
	Aggregate *aggregate.Coordinator
	Stages    *stages.Registry

	// Execution
	Completion *worker.CompletionTracker
	Pool       *worker.Pool
	Scheduler  *scheduler.Scheduler
	Server     *server.Server
}

// Close releases the container's connections. Safe to call after a failed
// or partial startup; stop the pool and scheduler before calling it.
func (c *Container) Close() {
	if c.Broker != nil {
		if err := c.Broker.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close broker connection")
		}
	}
	if c.Backend != nil {
		if err := c.Backend.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close backend connection")
		}
	}
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close cache connection")
		}
	}
	if c.UniverseDB != nil {
		if err := c.UniverseDB.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close universe database")
		}
	}
}
