package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// Config holds the dual-tier store configuration. The enable toggles gate
// writes per tier; a disabled tier is skipped and the write still reports
// success, which is how dry runs work.
type Config struct {
	Objects        ObjectStore
	Cache          *Cache
	UploadEnabled  bool
	PublishEnabled bool
	Log            zerolog.Logger
}

// Store is the dual-tier dataset store. The durable tier is written first
// and is the source of truth; the cache tier is best-effort, and a cache
// write failure degrades the publish instead of failing it.
type Store struct {
	objects        ObjectStore
	cache          *Cache
	uploadEnabled  bool
	publishEnabled bool
	log            zerolog.Logger

	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	durableReads     atomic.Int64
	publishes        atomic.Int64
	skippedUploads   atomic.Int64
	skippedPublishes atomic.Int64
	degraded         atomic.Int64
}

// New composes the two tiers into a Store.
func New(cfg Config) *Store {
	return &Store{
		objects:        cfg.Objects,
		cache:          cfg.Cache,
		uploadEnabled:  cfg.UploadEnabled,
		publishEnabled: cfg.PublishEnabled,
		log:            cfg.Log.With().Str("component", "store").Logger(),
	}
}

// EnsureBuckets creates the well-known buckets when the durable tier is
// enabled. Called once at startup.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	if !s.uploadEnabled {
		return nil
	}
	for _, bucket := range []string{dataset.BucketPricing, dataset.BucketCompiled} {
		if err := s.objects.EnsureBucket(ctx, bucket); err != nil {
			return tasks.NewTransientError("ensure bucket", err)
		}
	}
	return nil
}

// Publish writes a pricing dataset to both tiers, durable first.
func (s *Store) Publish(ctx context.Context, key dataset.Key, ds *dataset.PricingDataset) error {
	raw, err := ds.Marshal()
	if err != nil {
		return tasks.NewValidationError("dataset not serializable: %v", err)
	}
	return s.publish(ctx, key, raw, ds)
}

// PublishAggregate writes an aggregate dataset to both tiers.
func (s *Store) PublishAggregate(ctx context.Context, key dataset.Key, agg *dataset.AggregateDataset) error {
	raw, err := agg.Marshal()
	if err != nil {
		return tasks.NewValidationError("aggregate not serializable: %v", err)
	}
	return s.publish(ctx, key, raw, agg)
}

// PublishRaw writes an opaque payload snapshot to both tiers.
func (s *Store) PublishRaw(ctx context.Context, key dataset.Key, blob []byte) error {
	return s.publish(ctx, key, blob, nil)
}

func (s *Store) publish(ctx context.Context, key dataset.Key, raw []byte, cacheValue interface{}) error {
	if s.uploadEnabled {
		if err := s.objects.Put(ctx, key.Bucket, key.Key, raw); err != nil {
			return tasks.NewTransientError("durable publish", err)
		}
		s.publishes.Add(1)
		s.log.Debug().Str("key", key.String()).Int("bytes", len(raw)).Msg("Durable tier written")
	} else {
		s.skippedUploads.Add(1)
		s.log.Info().Str("key", key.String()).Msg("Durable upload disabled, skipping")
	}

	if !s.publishEnabled {
		s.skippedPublishes.Add(1)
		s.log.Info().Str("key", key.String()).Msg("Cache publish disabled, skipping")
		return nil
	}

	var err error
	if cacheValue != nil {
		err = s.cache.Set(ctx, key.CacheKey(), cacheValue)
	} else {
		err = s.cache.SetRaw(ctx, key.CacheKey(), raw)
	}
	if err != nil {
		// Durable write already stands; a cache failure degrades the
		// publish instead of failing it.
		s.degraded.Add(1)
		s.log.Warn().Err(err).Str("key", key.String()).Msg("Cache tier degraded")
	}
	return nil
}

// Fetch reads a pricing dataset, cache first, repopulating the cache on a
// durable hit. Absence from both tiers returns ErrObjectNotFound.
func (s *Store) Fetch(ctx context.Context, key dataset.Key) (*dataset.PricingDataset, error) {
	var cached dataset.PricingDataset
	err := s.cache.Get(ctx, key.CacheKey(), &cached)
	if err == nil {
		s.cacheHits.Add(1)
		return &cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.log.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, falling through to durable tier")
	}
	s.cacheMisses.Add(1)

	raw, err := s.fetchDurable(ctx, key)
	if err != nil {
		return nil, err
	}
	ds, err := dataset.UnmarshalPricing(raw)
	if err != nil {
		return nil, tasks.NewDataUnavailable(key.String(), "stored dataset is corrupt", false)
	}

	if s.publishEnabled {
		if err := s.cache.Set(ctx, key.CacheKey(), ds); err != nil {
			s.log.Warn().Err(err).Str("key", key.String()).Msg("Cache repopulation failed")
		}
	}
	return ds, nil
}

// FetchFresh reads a pricing dataset from the durable tier only, for
// consumers that must not see a stale cache entry.
func (s *Store) FetchFresh(ctx context.Context, key dataset.Key) (*dataset.PricingDataset, error) {
	raw, err := s.fetchDurable(ctx, key)
	if err != nil {
		return nil, err
	}
	ds, err := dataset.UnmarshalPricing(raw)
	if err != nil {
		return nil, tasks.NewDataUnavailable(key.String(), "stored dataset is corrupt", false)
	}
	return ds, nil
}

// FetchAggregate reads an aggregate dataset with the same read-through
// semantics as Fetch.
func (s *Store) FetchAggregate(ctx context.Context, key dataset.Key) (*dataset.AggregateDataset, error) {
	var cached dataset.AggregateDataset
	err := s.cache.Get(ctx, key.CacheKey(), &cached)
	if err == nil {
		s.cacheHits.Add(1)
		return &cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.log.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, falling through to durable tier")
	}
	s.cacheMisses.Add(1)

	raw, err := s.fetchDurable(ctx, key)
	if err != nil {
		return nil, err
	}
	agg, err := dataset.UnmarshalAggregate(raw)
	if err != nil {
		return nil, tasks.NewDataUnavailable(key.String(), "stored aggregate is corrupt", false)
	}

	if s.publishEnabled {
		if err := s.cache.Set(ctx, key.CacheKey(), agg); err != nil {
			s.log.Warn().Err(err).Str("key", key.String()).Msg("Cache repopulation failed")
		}
	}
	return agg, nil
}

// FetchRaw reads an opaque payload, durable tier only.
func (s *Store) FetchRaw(ctx context.Context, key dataset.Key) ([]byte, error) {
	return s.fetchDurable(ctx, key)
}

// Exists probes the durable tier for a key.
func (s *Store) Exists(ctx context.Context, key dataset.Key) (bool, error) {
	ok, err := s.objects.Exists(ctx, key.Bucket, key.Key)
	if err != nil {
		return false, tasks.NewTransientError("durable probe", err)
	}
	return ok, nil
}

// CachePublish writes a value to the cache tier only, honoring the
// publish toggle. Used by the durable-to-cache restore path.
func (s *Store) CachePublish(ctx context.Context, key dataset.Key, value interface{}, ttlSeconds int) error {
	if !s.publishEnabled {
		s.skippedPublishes.Add(1)
		s.log.Info().Str("key", key.String()).Msg("Cache publish disabled, skipping")
		return nil
	}
	var err error
	if ttlSeconds > 0 {
		err = s.cache.SetTTL(ctx, key.CacheKey(), value, time.Duration(ttlSeconds)*time.Second)
	} else {
		err = s.cache.Set(ctx, key.CacheKey(), value)
	}
	if err != nil {
		return tasks.NewTransientError("cache publish", err)
	}
	return nil
}

// CachePublishRaw writes opaque bytes under an explicit cache-tier name,
// honoring the publish toggle. Used when a publish names its own cache key
// instead of deriving one from a dataset address.
func (s *Store) CachePublishRaw(ctx context.Context, cacheKey string, blob []byte, ttlSeconds int) error {
	if !s.publishEnabled {
		s.skippedPublishes.Add(1)
		s.log.Info().Str("cache_key", cacheKey).Msg("Cache publish disabled, skipping")
		return nil
	}
	var err error
	if ttlSeconds > 0 {
		err = s.cache.SetRawTTL(ctx, cacheKey, blob, time.Duration(ttlSeconds)*time.Second)
	} else {
		err = s.cache.SetRaw(ctx, cacheKey, blob)
	}
	if err != nil {
		return tasks.NewTransientError("cache publish", err)
	}
	return nil
}

// Invalidate drops the cache entry for a key. The durable tier is never
// touched; the next Fetch repopulates from it.
func (s *Store) Invalidate(ctx context.Context, key dataset.Key) error {
	if err := s.cache.Del(ctx, key.CacheKey()); err != nil {
		return tasks.NewTransientError("cache invalidate", err)
	}
	s.log.Debug().Str("key", key.String()).Msg("Cache entry invalidated")
	return nil
}

func (s *Store) fetchDurable(ctx context.Context, key dataset.Key) ([]byte, error) {
	raw, err := s.objects.Get(ctx, key.Bucket, key.Key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, ErrObjectNotFound
		}
		return nil, tasks.NewTransientError("durable fetch", err)
	}
	s.durableReads.Add(1)
	return raw, nil
}

// Stats is a snapshot of the store counters.
type Stats struct {
	CacheHits         int64 `json:"cache_hits"`
	CacheMisses       int64 `json:"cache_misses"`
	DurableReads      int64 `json:"durable_reads"`
	Publishes         int64 `json:"publishes"`
	SkippedUploads    int64 `json:"skipped_uploads"`
	SkippedPublishes  int64 `json:"skipped_publishes"`
	DegradedPublishes int64 `json:"degraded_publishes"`
}

// Stats returns the current counter snapshot.
func (s *Store) Stats() Stats {
	return Stats{
		CacheHits:         s.cacheHits.Load(),
		CacheMisses:       s.cacheMisses.Load(),
		DurableReads:      s.durableReads.Load(),
		Publishes:         s.publishes.Load(),
		SkippedUploads:    s.skippedUploads.Load(),
		SkippedPublishes:  s.skippedPublishes.Load(),
		DegradedPublishes: s.degraded.Load(),
	}
}

