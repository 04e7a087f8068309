package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FailoverCache prefers the primary (Redis) backend and falls back to the
// durable store backend once the primary errors. Writes go through to both
// so the fallback never serves stale structure. After a minute the primary
// is probed again.
type FailoverCache struct {
	primary  ResponseCache
	fallback ResponseCache
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverCache(primary, fallback ResponseCache, logger *zerolog.Logger) *FailoverCache {
	return &FailoverCache{primary: primary, fallback: fallback, logger: logger}
}

func (c *FailoverCache) markDown(err error) {
	c.logger.Error().Err(err).Msg("primary response cache failed, falling back to store")
	c.isDown.Store(true)
	c.mu.Lock()
	c.lastCheck = time.Now()
	c.mu.Unlock()
}

func (c *FailoverCache) shouldRetryPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastCheck) > time.Minute {
		c.lastCheck = time.Now()
		return true
	}
	return false
}

func (c *FailoverCache) Get(ctx context.Context, key string) ([]byte, error) {
	if !c.isDown.Load() {
		val, err := c.primary.Get(ctx, key)
		if err == nil {
			if val != nil {
				return val, nil
			}
			// Primary miss may just be eviction; the store is authoritative.
			return c.fallback.Get(ctx, key)
		}
		c.markDown(err)
	}

	if c.isDown.Load() && c.shouldRetryPrimary() {
		if val, err := c.primary.Get(ctx, key); err == nil {
			c.isDown.Store(false)
			if val != nil {
				return val, nil
			}
		}
	}

	return c.fallback.Get(ctx, key)
}

func (c *FailoverCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.isDown.Load() {
		if err := c.primary.Set(ctx, key, value, ttl); err != nil {
			c.markDown(err)
		}
	}
	return c.fallback.Set(ctx, key, value, ttl)
}

func (c *FailoverCache) Delete(ctx context.Context, key string) error {
	if !c.isDown.Load() {
		if err := c.primary.Delete(ctx, key); err != nil {
			c.markDown(err)
		}
	}
	return c.fallback.Delete(ctx, key)
}
