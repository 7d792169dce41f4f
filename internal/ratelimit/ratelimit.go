// Package ratelimit limits how often one caller may hit the API. A nil
// Limiter disables limiting; there is no separate no-op type.
//
// MemoryLimiter is an in-process token bucket for single-node deployments.
// RedisLimiter keeps a fixed window per key in Redis so several instances
// share one budget.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers build it (for example "user:<id>"). An error means the
	// limiter itself failed and callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}
