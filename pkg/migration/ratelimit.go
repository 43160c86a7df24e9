package migration

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/burrowdb/burrow/pkg/cache"
	"github.com/burrowdb/burrow/pkg/errdefs"
)

// rateStampTTL keeps rate-limit stamps around long enough for any
// supported window
const rateStampTTL = 24 * time.Hour

// RateLimitError reports a rejected operation and when it may retry.
// It unwraps to errdefs.ErrRateLimited.
type RateLimitError struct {
	UserID            string
	Operation         string
	RetryAfterSeconds int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("user %q operation %q: %v (retry in %ds)",
		e.UserID, e.Operation, errdefs.ErrRateLimited, e.RetryAfterSeconds)
}

// Unwrap lets errors.Is match errdefs.ErrRateLimited
func (e *RateLimitError) Unwrap() error { return errdefs.ErrRateLimited }

// RateLimiter enforces the per-user minimum spacing between migration
// operations of the same kind
type RateLimiter struct {
	cache  cache.Cache
	window time.Duration
}

// NewRateLimiter creates a limiter with the given window between
// operations
func NewRateLimiter(c cache.Cache, window time.Duration) *RateLimiter {
	return &RateLimiter{cache: c, window: window}
}

func rateKey(userID, operation string) string {
	return fmt.Sprintf("migration_rate_limit:%s:%s", userID, operation)
}

// Check verifies the user may run the operation now. On rejection it
// returns the seconds until the window opens alongside
// errdefs.ErrRateLimited. Check never consumes the window; a run that
// actually completes stamps it via Record.
func (r *RateLimiter) Check(ctx context.Context, userID, operation string) (int64, error) {
	if r.window <= 0 {
		return 0, nil
	}

	raw, err := r.cache.Get(ctx, rateKey(userID, operation))
	if err == cache.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit lookup failed: %w", err)
	}

	lastUnix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	elapsed := time.Since(time.Unix(lastUnix, 0))
	if elapsed >= r.window {
		return 0, nil
	}

	retryAfter := int64((r.window - elapsed).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return retryAfter, &RateLimitError{
		UserID: userID, Operation: operation, RetryAfterSeconds: retryAfter,
	}
}

// Record stamps a completed operation, opening a fresh window for the
// user
func (r *RateLimiter) Record(ctx context.Context, userID, operation string) error {
	if r.window <= 0 {
		return nil
	}
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := r.cache.Set(ctx, rateKey(userID, operation), stamp, rateStampTTL); err != nil {
		return fmt.Errorf("failed to stamp rate limit: %w", err)
	}
	return nil
}
