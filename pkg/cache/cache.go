// Package cache provides the key-value coordination cache used for
// migration locks and rate-limit stamps. Redis is the primary backend;
// when Redis is unreachable callers fall back to the in-process cache.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key does not exist or has expired
var ErrNotFound = errors.New("cache: key not found")

// Cache is the coordination cache interface
type Cache interface {
	// SetNX sets key to value only if it does not exist. Returns true
	// when the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}
