// Package store defines the shared key-value abstraction behind the rate
// limiter, lockout tracker and CSRF store.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps backend failures so callers can choose a degraded mode.
var ErrUnavailable = errors.New("store unavailable")

// KV is a shared key-value store with read-time TTL semantics.
//
// Expired keys must never be returned by Get, regardless of whether a
// background sweep has reclaimed them yet.
type KV interface {
	// Get returns the value and true, or nil and false when absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value; a ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Incr increments a fixed-window counter. The window starts on the first
	// increment; it returns the new count and the time left in the window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Ping(ctx context.Context) error
}
