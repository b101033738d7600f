package stages

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/dataset"
	"github.com/aristath/tickerpipe/internal/store"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// PublishUpdate pushes a pricing snapshot to both storage tiers. The store
// toggles decide which tiers actually receive it, so with both gates off the
// stage is a dry run that still reports success.
type PublishUpdate struct {
	store *store.Store
	log   zerolog.Logger
}

// NewPublishUpdate creates the snapshot publish stage.
func NewPublishUpdate(st *store.Store, log zerolog.Logger) *PublishUpdate {
	return &PublishUpdate{
		store: st,
		log:   log.With().Str("component", "stage_publish").Logger(),
	}
}

// Name implements Stage.
func (s *PublishUpdate) Name() tasks.Name { return tasks.TaskPublishUpdate }

// Execute publishes the payload snapshot. s3_bucket and s3_key override the
// destination address; redis_key additionally mirrors the snapshot under an
// explicit cache name for consumers that subscribe by key.
func (s *PublishUpdate) Execute(ctx context.Context, payload tasks.Payload) (*Result, error) {
	ticker, err := requireTicker(payload)
	if err != nil {
		return nil, err
	}
	if !payload.Has("data") {
		return nil, tasks.NewValidationError("payload is missing data for %s", ticker)
	}

	blob, err := json.Marshal(payload["data"])
	if err != nil {
		return nil, tasks.NewValidationError("snapshot not serializable: %v", err)
	}

	dest := dataset.RawKey(ticker)
	if bucket, ok := payload.String("s3_bucket"); ok && bucket != "" {
		dest.Bucket = bucket
	}
	if key, ok := payload.String("s3_key"); ok && key != "" {
		dest.Key = key
	}

	if err := s.store.PublishRaw(ctx, dest, blob); err != nil {
		return nil, err
	}

	detail := map[string]interface{}{
		"ticker": ticker,
		"key":    dest.String(),
		"bytes":  len(blob),
	}

	if redisKey, ok := payload.String("redis_key"); ok && redisKey != "" {
		if err := s.store.CachePublishRaw(ctx, redisKey, blob, 0); err != nil {
			return nil, err
		}
		detail["redis_key"] = redisKey
	}

	s.log.Info().Str("ticker", ticker).Str("key", dest.String()).Int("bytes", len(blob)).
		Msg("Snapshot published")

	return &Result{Ref: &dest, Detail: detail}, nil
}

// PublishS3ToRedis restores a cache entry from the durable tier, the
// recovery path after a cache flush or eviction.
type PublishS3ToRedis struct {
	store *store.Store
	log   zerolog.Logger
}

// NewPublishS3ToRedis creates the cache restore stage.
func NewPublishS3ToRedis(st *store.Store, log zerolog.Logger) *PublishS3ToRedis {
	return &PublishS3ToRedis{
		store: st,
		log:   log.With().Str("component", "stage_restore").Logger(),
	}
}

// Name implements Stage.
func (s *PublishS3ToRedis) Name() tasks.Name { return tasks.TaskPublishS3ToRedis }

// Execute reads the named durable object and writes it back to the cache
// tier. Objects that decode as pricing datasets are restored in the cache's
// native encoding so read-through fetches hit; anything else is restored as
// opaque bytes. A missing durable object is permanent: there is nothing to
// restore until a publisher writes it.
func (s *PublishS3ToRedis) Execute(ctx context.Context, payload tasks.Payload) (*Result, error) {
	key, err := s.resolveKey(payload)
	if err != nil {
		return nil, err
	}

	blob, err := s.store.FetchRaw(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrObjectNotFound) {
			return nil, tasks.NewDataUnavailable(key.String(), "durable object missing", false)
		}
		return nil, err
	}

	ttl, _ := payload.Int("ttl_seconds")
	restored := "raw"

	if ds, derr := dataset.UnmarshalPricing(blob); derr == nil && ds.Ticker != "" {
		restored = "dataset"
		err = s.store.CachePublish(ctx, key, ds, ttl)
	} else {
		err = s.store.CachePublishRaw(ctx, key.CacheKey(), blob, ttl)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("key", key.String()).Str("restored", restored).Int("bytes", len(blob)).
		Msg("Cache entry restored from durable tier")

	detail := map[string]interface{}{
		"key":      key.String(),
		"restored": restored,
		"bytes":    len(blob),
	}
	if ttl > 0 {
		detail["ttl_seconds"] = ttl
	}

	return &Result{Ref: &key, Detail: detail}, nil
}

// resolveKey picks the durable address: an explicit key wins, otherwise the
// ticker's latest dataset.
func (s *PublishS3ToRedis) resolveKey(payload tasks.Payload) (dataset.Key, error) {
	if name, ok := payload.String("key"); ok && name != "" {
		key := dataset.Key{Bucket: dataset.BucketPricing, Key: name}
		if bucket, ok := payload.String("bucket"); ok && bucket != "" {
			key.Bucket = bucket
		}
		return key, nil
	}
	if ticker, ok := payload.String("ticker"); ok && ticker != "" {
		return dataset.LatestKey(ticker), nil
	}
	return dataset.Key{}, tasks.NewValidationError("payload needs key or ticker")
}
