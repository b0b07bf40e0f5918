package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/redis"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Backend is the remote key-value cache. *redis.Client implements it.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Enabled() bool
}

// ErrMiss is returned by Get when the key is absent or the cache is down.
var ErrMiss = errors.New("cache miss")

// Cache is the single cache-aside entry point. Every consumer gets the same
// fallback semantics: a disabled or failing backend degrades to the loader.
type Cache struct {
	backend Backend
	log     zerolog.Logger
	group   singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	bypasses atomic.Int64
	errors   atomic.Int64
	loads    atomic.Int64
}

// New creates a new cache instance
func New(backend Backend, log zerolog.Logger) *Cache {
	return &Cache{backend: backend, log: log.With().Str("component", "cache").Logger()}
}

// Enabled reports whether the backend is currently used.
func (c *Cache) Enabled() bool {
	return c.backend.Enabled()
}

// Get decodes the cached value at key into dst.
func (c *Cache) Get(ctx context.Context, key string, dst any) error {
	if !c.backend.Enabled() {
		c.bypasses.Add(1)
		return ErrMiss
	}

	val, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			c.errors.Add(1)
			c.log.Debug().Err(err).Str("key", key).Msg("cache read failed")
		}
		c.misses.Add(1)
		return ErrMiss
	}

	if err := json.Unmarshal([]byte(val), dst); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		c.errors.Add(1)
		c.misses.Add(1)
		_ = c.backend.Del(ctx, key)
		return ErrMiss
	}

	c.hits.Add(1)
	return nil
}

// Set stores value at key with ttl. Failures are absorbed.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.backend.Enabled() {
		c.bypasses.Add(1)
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize cache value: %w", err)
	}

	if err := c.backend.Set(ctx, key, string(data), ttl); err != nil {
		c.errors.Add(1)
		c.log.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
	return nil
}

// SetNX stores value only when key is absent. It reports false without error
// when the cache is down.
func (c *Cache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if !c.backend.Enabled() {
		c.bypasses.Add(1)
		return false, redis.ErrUnavailable
	}
	ok, err := c.backend.SetNX(ctx, key, value, ttl)
	if err != nil {
		c.errors.Add(1)
		return false, err
	}
	return ok, nil
}

// Invalidate removes keys so the next read reconciles with the store.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if !c.backend.Enabled() {
		c.bypasses.Add(1)
		return redis.ErrUnavailable
	}
	if err := c.backend.Del(ctx, keys...); err != nil {
		c.errors.Add(1)
		c.log.Warn().Err(err).Strs("keys", keys).Msg("cache invalidation failed")
		return err
	}
	return nil
}

// loadTimeout bounds a shared load once it no longer follows any one
// caller's context.
const loadTimeout = 30 * time.Second

// GetOrLoad returns the cached value at key, or calls load, caches the result
// for ttl and returns it. Concurrent misses on the same key share one load,
// which runs detached from any single caller: a caller that gives up only
// abandons its own wait. Cache failures never surface; load errors always do.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var cached T
	if err := c.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		c.loads.Add(1)
		fresh, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		_ = c.Set(loadCtx, key, fresh, ttl)
		return fresh, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Stats are the cache-aside counters since start.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Bypasses int64 `json:"bypasses"`
	Errors   int64 `json:"errors"`
	Loads    int64 `json:"loads"`
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Bypasses: c.bypasses.Load(),
		Errors:   c.errors.Load(),
		Loads:    c.loads.Load(),
	}
}
