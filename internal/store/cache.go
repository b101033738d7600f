package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tickerpipe/internal/redisx"
)

// ErrCacheMiss is returned when a key is absent from the cache tier.
var ErrCacheMiss = errors.New("cache miss")

// CacheConfig holds cache tier configuration.
type CacheConfig struct {
	Redis redisx.Config
	TTL   time.Duration
	Log   zerolog.Logger
}

// Cache is the Redis tier. Values are msgpack-encoded and carry a TTL so
// stale entries age out without intervention.
type Cache struct {
	client *redisx.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewCache creates a cache tier client.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Cache{
		client: redisx.New(cfg.Redis),
		ttl:    cfg.TTL,
		log:    cfg.Log.With().Str("component", "cache").Logger(),
	}
}

// Ping verifies the cache is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close releases the underlying connections.
func (c *Cache) Close() error {
	return c.client.Close()
}

// TTL reports the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Set encodes a value and stores it under the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetTTL(ctx, key, value, c.ttl)
}

// SetTTL encodes a value and stores it with an explicit TTL.
func (c *Cache) SetTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}
	return c.setRaw(ctx, key, raw, ttl)
}

// SetRaw stores opaque bytes with the default TTL.
func (c *Cache) SetRaw(ctx context.Context, key string, raw []byte) error {
	return c.setRaw(ctx, key, raw, c.ttl)
}

// SetRawTTL stores opaque bytes with an explicit TTL.
func (c *Cache) SetRawTTL(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	return c.setRaw(ctx, key, raw, ttl)
}

func (c *Cache) setRaw(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	seconds := int(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	if _, err := c.client.Do(ctx, "SET", key, string(raw), "EX", strconv.Itoa(seconds)); err != nil {
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}
	c.log.Debug().Str("key", key).Int("bytes", len(raw)).Dur("ttl", ttl).Msg("Cache entry set")
	return nil
}

// Get decodes the value stored under key into dest. A missing or expired
// entry returns ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, err := c.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode cache value for %s: %w", key, err)
	}
	return nil
}

// GetRaw fetches the opaque bytes stored under key.
func (c *Cache) GetRaw(ctx context.Context, key string) ([]byte, error) {
	reply, err := c.client.Do(ctx, "GET", key)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache %s: %w", key, err)
	}
	if reply.IsNil() {
		return nil, ErrCacheMiss
	}
	raw, ok := reply.Str()
	if !ok {
		return nil, fmt.Errorf("unexpected cache response for %s", key)
	}
	return []byte(raw), nil
}

// Del removes an entry. Removing an absent key is not an error.
func (c *Cache) Del(ctx context.Context, key string) error {
	if _, err := c.client.Do(ctx, "DEL", key); err != nil {
		return fmt.Errorf("failed to invalidate cache %s: %w", key, err)
	}
	return nil
}
