// Package cachemanager provides typed in-process caches backed by go-cache.
package cachemanager

import (
	"context"
	"errors"
	"time"
)

// ErrExists is returned by Add when the key already holds a live value.
var ErrExists = errors.New("cache key already exists")

// CacheManager is a typed TTL cache.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)

	// Add stores value only if key is absent or expired.
	Add(ctx context.Context, key K, value V, ttl time.Duration) error
	Delete(ctx context.Context, keys ...K)
	Len() int
	Flush(ctx context.Context)
}
