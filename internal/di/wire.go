package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/aggregate"
	"github.com/aristath/tickerpipe/internal/algo"
	"github.com/aristath/tickerpipe/internal/broker"
	"github.com/aristath/tickerpipe/internal/config"
	"github.com/aristath/tickerpipe/internal/database"
	"github.com/aristath/tickerpipe/internal/provider"
	"github.com/aristath/tickerpipe/internal/redisx"
	"github.com/aristath/tickerpipe/internal/server"
	"github.com/aristath/tickerpipe/internal/stages"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/universe"
	"github.com/aristath/tickerpipe/internal/worker"
)

// pingTimeout bounds the startup reachability checks.
const pingTimeout = 5 * time.Second

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Universe database (schema plus default ticker seed)
// 2. Task channel (broker and result backend, both pinged)
// 3. Dual-tier store (durable tier per the upload gate, cache tier)
// 4. Pipeline (provider, algorithms, aggregate coordinator, stages)
// 5. Worker pool and producer scheduler
// 6. Status server
//
// A ping failure on the broker or backend namespace fails the wire; the
// daemon must not start half-connected to its task channel.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Log: log}

	if err := initUniverse(c, cfg, log); err != nil {
		return nil, fmt.Errorf("failed to initialize universe database: %w", err)
	}

	if err := initChannel(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize task channel: %w", err)
	}

	if err := initStore(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize dataset store: %w", err)
	}

	if err := initPipeline(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	initWorkers(c, cfg, log)

	if err := registerJobs(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register scheduler jobs: %w", err)
	}

	c.Server = server.New(server.Config{
		Log:        log,
		Broker:     c.Broker,
		Backend:    c.Backend,
		Completion: c.Completion,
		Port:       cfg.Port,
	})

	log.Info().Msg("Dependency wiring completed")
	return c, nil
}

// initUniverse opens the ticker universe database, applies the schema, and
// seeds the configured default instrument when it is not present yet.
func initUniverse(c *Container, cfg *config.Config, log zerolog.Logger) error {
	db, err := database.New(database.Config{Path: cfg.UniverseDBPath, Name: "universe"})
	if err != nil {
		return err
	}
	c.UniverseDB = db
	c.Universe = universe.NewRepository(db.Conn(), log)

	if err := c.Universe.EnsureSchema(); err != nil {
		return err
	}

	existing, err := c.Universe.Get(cfg.Ticker)
	if err != nil {
		return err
	}
	if existing == nil {
		err := c.Universe.Upsert(universe.Ticker{
			Symbol:   cfg.Ticker,
			TickerID: int64(cfg.TickerID),
			Active:   true,
		})
		if err != nil {
			return err
		}
		log.Info().Str("ticker", cfg.Ticker).Msg("Seeded default ticker")
	}

	count, err := c.Universe.Count()
	if err != nil {
		return err
	}
	log.Info().Int("tickers", count).Str("path", db.Path()).Msg("Universe database ready")
	return nil
}

// initChannel builds the broker and result backend and verifies both Redis
// namespaces are reachable before anything gets enqueued.
func initChannel(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Broker = broker.New(broker.Config{
		Redis:             redisConfig(cfg.Broker),
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.DequeuePoll,
		Log:               log,
	})
	c.Backend = broker.NewBackend(broker.BackendConfig{
		Redis: redisConfig(cfg.Backend),
		Log:   log,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := c.Broker.Ping(ctx); err != nil {
		return fmt.Errorf("broker unreachable at %s: %w", cfg.Broker.Addr, err)
	}
	if err := c.Backend.Ping(ctx); err != nil {
		return fmt.Errorf("backend unreachable at %s: %w", cfg.Backend.Addr, err)
	}

	log.Info().
		Str("broker", cfg.Broker.Addr).Int("broker_db", cfg.Broker.DB).
		Str("backend", cfg.Backend.Addr).Int("backend_db", cfg.Backend.DB).
		Msg("Task channel connected")
	return nil
}

// initStore composes the dual-tier store. The durable tier is a real S3
// client only when uploads are enabled; otherwise an in-memory store backs
// reads within the process and dry runs cost nothing. The cache tier is
// best-effort, so an unreachable cache logs a warning instead of failing
// the wire.
func initStore(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Cache = store.NewCache(store.CacheConfig{
		Redis: redisConfig(cfg.Cache),
		TTL:   cfg.CacheTTL,
		Log:   log,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if cfg.EnabledRedisPublish {
		if err := c.Cache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Cache tier unreachable, publishes will degrade")
		}
	}

	var objects store.ObjectStore
	if cfg.EnabledS3Upload {
		s3Store, err := store.NewS3Store(ctx, store.S3Config{
			Address:   cfg.S3Address,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Secure:    cfg.S3Secure,
			Log:       log,
		})
		if err != nil {
			return err
		}
		objects = s3Store
		log.Info().Str("endpoint", cfg.S3Address).Msg("Durable tier connected")
	} else {
		objects = store.NewMemoryStore()
		log.Info().Msg("S3 uploads disabled, using in-memory durable tier")
	}

	c.Store = store.New(store.Config{
		Objects:        objects,
		Cache:          c.Cache,
		UploadEnabled:  cfg.EnabledS3Upload,
		PublishEnabled: cfg.EnabledRedisPublish,
		Log:            log,
	})
	return c.Store.EnsureBuckets(ctx)
}

// initPipeline builds the pricing provider, the algorithm registry, the
// aggregate coordinator, and the stage registry the workers execute.
func initPipeline(c *Container, cfg *config.Config, log zerolog.Logger) error {
	if cfg.ProviderBaseURL == "" {
		c.Provider = provider.NewSynthetic()
		log.Info().Msg("No provider URL configured, using synthetic pricing data")
	} else {
		c.Provider = provider.NewHTTPProvider(provider.HTTPConfig{
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
			Log:     log,
		})
		log.Info().Str("base_url", cfg.ProviderBaseURL).Msg("Using HTTP pricing provider")
	}

	c.Algos = algo.NewRegistry()
	if err := c.Algos.Register(algo.NewSMACross(0, 0)); err != nil {
		return err
	}

	c.Aggregate = aggregate.New(aggregate.Config{
		Store:        c.Store,
		MaxWait:      cfg.AggregateWait,
		PollInterval: cfg.AggregatePoll,
		Log:          log,
	})

	c.Stages = stages.NewRegistry()
	err := stages.RegisterAll(c.Stages, stages.Deps{
		Provider:  c.Provider,
		Store:     c.Store,
		Universe:  c.Universe,
		Algos:     c.Algos,
		Aggregate: c.Aggregate,
		Defaults: stages.Defaults{
			MinRows: cfg.MinDatasetRows,
			AlgoID:  algo.SMACrossID,
		},
		Log: log,
	})
	if err != nil {
		return err
	}

	log.Info().Int("stages", c.Stages.Count()).Int("algorithms", len(c.Algos.IDs())).Msg("Pipeline registered")
	return nil
}

// initWorkers builds the completion tracker and the worker pool.
func initWorkers(c *Container, cfg *config.Config, log zerolog.Logger) {
	c.Completion = worker.NewCompletionTracker()
	c.Pool = worker.NewPool(worker.Config{
		Broker:            c.Broker,
		Backend:           c.Backend,
		Registry:          c.Stages,
		Completion:        c.Completion,
		WorkerCount:       cfg.WorkerCount,
		MaxRetries:        cfg.MaxRetries,
		StageTimeout:      cfg.StageTimeout,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Log:               log,
	})
}

func redisConfig(a config.RedisAddr) redisx.Config {
	return redisx.Config{
		Addr:     a.Addr,
		Password: a.Password,
		DB:       a.DB,
	}
}
