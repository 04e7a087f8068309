// Package repository holds the response-cache backends used for offline
// fallback reads. The durable backend lives in the store's cached_responses
// partition; an optional Redis backend serves as fast path with failover
// back to the store.
package repository

import (
	"context"
	"time"
)

// ResponseCache stores serialized remote responses keyed by endpoint.
// Get returns nil on a miss or an expired entry; that is not an error.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
