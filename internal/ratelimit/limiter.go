// Package ratelimit throttles authentication requests per network origin
// and per account identity over a shared fixed-window counter.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"session-service/internal/store"
)

const keyPrefix = "rate_limit:"

// Outcome is the result of one check.
type Outcome struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	// Degraded is set when the backing store failed and the request was let through
	Degraded bool
}

// RetryAfterSeconds rounds up so a rejected caller never sees zero.
func (o Outcome) RetryAfterSeconds() int {
	if o.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(o.RetryAfter.Seconds()))
}

type Config struct {
	Max    int
	Window time.Duration
}

type Limiter struct {
	kv     store.KV
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(kv store.KV, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{kv: kv, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the time source used for ResetAt.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// KeyFor builds the counter key for an endpoint scope, origin and identity.
// Either origin or identity may be empty.
func KeyFor(scope, origin, identity string) string {
	return scope + ":" + origin + ":" + identity
}

// Check counts the request and reports whether it may proceed. A store
// failure lets the request through and marks the outcome degraded.
func (l *Limiter) Check(ctx context.Context, key string) Outcome {
	count, ttl, err := l.kv.Incr(ctx, keyPrefix+key, l.cfg.Window)
	if err != nil {
		l.logger.Warn("rate limiter store unavailable, failing open",
			zap.String("key", key),
			zap.Error(err))
		return Outcome{Allowed: true, Limit: l.cfg.Max, Remaining: l.cfg.Max, Degraded: true}
	}
	if ttl <= 0 {
		ttl = l.cfg.Window
	}

	remaining := l.cfg.Max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	out := Outcome{
		Allowed:   count <= int64(l.cfg.Max),
		Limit:     l.cfg.Max,
		Remaining: remaining,
		ResetAt:   l.now().Add(ttl),
	}
	if !out.Allowed {
		out.RetryAfter = ttl
	}
	return out
}

// CheckAll counts the request against every non-empty key and returns the
// most restrictive outcome: any rejection wins, then the lowest remaining.
func (l *Limiter) CheckAll(ctx context.Context, keys ...string) Outcome {
	var out Outcome
	checked := false
	for _, key := range keys {
		if key == "" {
			continue
		}
		o := l.Check(ctx, key)
		if !checked {
			out, checked = o, true
			continue
		}
		out = tighter(out, o)
	}
	if !checked {
		return Outcome{Allowed: true, Limit: l.cfg.Max, Remaining: l.cfg.Max}
	}
	return out
}

func tighter(a, b Outcome) Outcome {
	out := a
	switch {
	case a.Allowed != b.Allowed:
		if !b.Allowed {
			out = b
		}
	case !a.Allowed:
		if b.RetryAfter > a.RetryAfter {
			out = b
		}
	case b.Remaining < a.Remaining:
		out = b
	}
	out.Degraded = a.Degraded || b.Degraded
	return out
}

// Reset clears the counter, used after a verified-successful authentication.
func (l *Limiter) Reset(ctx context.Context, key string) {
	if err := l.kv.Delete(ctx, keyPrefix+key); err != nil {
		l.logger.Warn("rate limiter reset failed", zap.String("key", key), zap.Error(err))
	}
}

// AddHeaders annotates a response with the standard rate-limit headers.
func AddHeaders(w http.ResponseWriter, o Outcome) {
	if o.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(o.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(o.Remaining))
	if !o.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(o.ResetAt.Unix(), 10))
	}
	if !o.Allowed {
		h.Set("Retry-After", strconv.Itoa(o.RetryAfterSeconds()))
	}
}
