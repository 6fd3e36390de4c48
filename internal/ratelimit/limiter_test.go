package ratelimit

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/store"
)

type brokenKV struct{ store.KV }

func (brokenKV) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func (brokenKV) Delete(context.Context, ...string) error {
	return errors.New("connection refused")
}

func TestLimiter_RejectsAfterMax(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	kv := store.NewMemoryKV(func() time.Time { return now })
	l := New(kv, Config{Max: 3, Window: time.Minute}, nil).WithClock(func() time.Time { return now })

	key := KeyFor("login", "10.0.0.1", "a@x.com")
	for i := 0; i < 3; i++ {
		out := l.Check(ctx, key)
		require.True(t, out.Allowed, "attempt %d", i+1)
		assert.Equal(t, 3-(i+1), out.Remaining)
	}

	out := l.Check(ctx, key)
	assert.False(t, out.Allowed)
	assert.Equal(t, 0, out.Remaining)
	assert.Equal(t, 60, out.RetryAfterSeconds())
	assert.Equal(t, now.Add(time.Minute), out.ResetAt)
}

func TestLimiter_ResetClearsCounter(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryKV(nil), Config{Max: 1, Window: time.Minute}, nil)

	key := KeyFor("login", "", "a@x.com")
	require.True(t, l.Check(ctx, key).Allowed)
	require.False(t, l.Check(ctx, key).Allowed)

	l.Reset(ctx, key)
	assert.True(t, l.Check(ctx, key).Allowed)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryKV(nil), Config{Max: 1, Window: time.Minute}, nil)

	require.True(t, l.Check(ctx, KeyFor("login", "1.1.1.1", "")).Allowed)
	assert.True(t, l.Check(ctx, KeyFor("login", "2.2.2.2", "")).Allowed)
}

func TestLimiter_FailsOpen(t *testing.T) {
	l := New(brokenKV{}, Config{Max: 1, Window: time.Minute}, nil)

	for i := 0; i < 5; i++ {
		out := l.Check(context.Background(), "k")
		assert.True(t, out.Allowed)
		assert.True(t, out.Degraded)
	}
	l.Reset(context.Background(), "k")
}

func TestAddHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	AddHeaders(rec, Outcome{
		Allowed:    false,
		Limit:      10,
		Remaining:  0,
		RetryAfter: 1500 * time.Millisecond,
		ResetAt:    time.Unix(1700000000, 0),
	})

	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000000", rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestLimiter_CheckAllReturnsTightest(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryKV(nil), Config{Max: 3, Window: time.Minute}, nil)

	origin := KeyFor("login", "10.0.0.1", "")
	for i, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		out := l.CheckAll(ctx, origin, KeyFor("login", "", email))
		require.True(t, out.Allowed, email)
		assert.Equal(t, 3-(i+1), out.Remaining, "origin bucket is the tighter one")
	}

	out := l.CheckAll(ctx, origin, KeyFor("login", "", "d@x.com"))
	assert.False(t, out.Allowed, "a fresh identity does not escape an exhausted origin")
	assert.Positive(t, out.RetryAfterSeconds())

	out = l.CheckAll(ctx, KeyFor("login", "10.0.0.2", ""), KeyFor("login", "", "d@x.com"))
	assert.True(t, out.Allowed)
	assert.Equal(t, 1, out.Remaining, "identity bucket already counted one attempt")
}

func TestLimiter_CheckAllSkipsEmptyKeys(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryKV(nil), Config{Max: 1, Window: time.Minute}, nil)

	out := l.CheckAll(ctx, "", "")
	assert.True(t, out.Allowed)
	assert.Equal(t, 1, out.Remaining)

	require.True(t, l.CheckAll(ctx, KeyFor("login", "10.0.0.1", ""), "").Allowed)
	assert.False(t, l.Check(ctx, KeyFor("login", "10.0.0.1", "")).Allowed)
}

func TestLimiter_CheckAllDegraded(t *testing.T) {
	out := New(brokenKV{}, Config{Max: 2, Window: time.Minute}, nil).
		CheckAll(context.Background(), "a", "b")
	assert.True(t, out.Allowed)
	assert.True(t, out.Degraded)
}
