package repository

import (
	"context"
	"fmt"
	"time"

	"kiaansync/internal/store"
)

// StoreCache keeps cached responses in the persistent store. Expiry is
// lazy: an expired entry is deleted on access, and the periodic sweep
// removes the rest.
type StoreCache struct {
	store     *store.Store
	partition string
}

func NewStoreCache(s *store.Store, partition string) *StoreCache {
	return &StoreCache{store: s, partition: partition}
}

func (c *StoreCache) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := c.store.Get(ctx, c.partition, key)
	if err != nil {
		return nil, fmt.Errorf("cache get %q: %w", key, err)
	}
	if item == nil {
		return nil, nil
	}
	if item.Expired(time.Now()) {
		// Expired on access: drop eagerly rather than wait for the sweep.
		_ = c.store.Delete(ctx, c.partition, key)
		return nil, nil
	}
	return item.Payload, nil
}

func (c *StoreCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := store.Item{
		ID:        key,
		Key:       key,
		Payload:   value,
		CreatedAt: time.Now(),
		TTL:       ttl,
	}
	if err := c.store.Put(ctx, c.partition, item); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (c *StoreCache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.partition, key)
}

// Cleanup removes every expired entry and returns the count deleted.
func (c *StoreCache) Cleanup(ctx context.Context) (int64, error) {
	return c.store.CleanupExpired(ctx, c.partition)
}
