package models

import "time"

// Profile names select the replay transport and default retry budget.
const (
	ProfileWeb    = "web"
	ProfileMobile = "mobile"
)

const (
	// DefaultMaxRetriesWeb and DefaultMaxRetriesMobile bound replay attempts
	// per operation before it is dropped.
	DefaultMaxRetriesWeb    = 3
	DefaultMaxRetriesMobile = 5

	// DefaultCacheTTL applies when cacheResponse is called without a TTL.
	DefaultCacheTTL = 24 * time.Hour

	// DefaultCleanupInterval spaces the expired-cache sweeps.
	DefaultCleanupInterval = time.Hour

	// DefaultRequestTimeout bounds a single replay HTTP request.
	DefaultRequestTimeout = 30 * time.Second
)
