package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/client"
	"session-service/internal/models"
	"session-service/internal/repository"
	"session-service/internal/store"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.WrapRedisClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	return mr, rc
}

func TestKVStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	_, rc := newTestClient(t)
	kv := NewKVStore(rc, "test:", nil)

	_, ok, err := kv.Get(ctx, "csrf:s1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "csrf:s1", []byte(`{"token":"abc"}`), time.Hour))
	got, ok, err := kv.Get(ctx, "csrf:s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"token":"abc"}`, string(got))

	require.NoError(t, kv.Delete(ctx, "csrf:s1"))
	_, ok, err = kv.Get(ctx, "csrf:s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	mr, rc := newTestClient(t)
	kv := NewKVStore(rc, "test:", nil)

	require.NoError(t, kv.Set(ctx, "lockout:a@x.com", []byte("x"), time.Minute))
	mr.FastForward(time.Minute + time.Second)

	_, ok, err := kv.Get(ctx, "lockout:a@x.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVStore_IncrFixedWindow(t *testing.T) {
	ctx := context.Background()
	mr, rc := newTestClient(t)
	kv := NewKVStore(rc, "test:", nil)

	n, ttl, err := kv.Incr(ctx, "rl:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, ttl)

	n, _, err = kv.Incr(ctx, "rl:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(time.Minute + time.Second)
	n, _, err = kv.Incr(ctx, "rl:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestKVStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	mr, rc := newTestClient(t)
	kv := NewKVStore(rc, "test:", nil)
	mr.Close()

	_, _, err := kv.Incr(ctx, "rl:x", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))

	_, _, err = kv.Get(ctx, "x")
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestSessionCache_Lifecycle(t *testing.T) {
	ctx := context.Background()
	_, rc := newTestClient(t)
	sc := NewSessionCache(rc, "test:", nil)

	now := time.Now().UTC().Truncate(time.Second)
	sess := &models.Session{
		SessionID:    "s1",
		UserID:       "u1",
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(time.Hour),
	}
	require.NoError(t, sc.CreateSession(ctx, sess))

	got, err := sc.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.ExpiresAt.Equal(sess.ExpiresAt))

	got.LastActivity = now.Add(time.Minute)
	require.NoError(t, sc.UpdateSession(ctx, got))

	list, err := sc.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].LastActivity.Equal(now.Add(time.Minute)))

	active, err := sc.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, sc.DeleteSession(ctx, "s1"))
	_, err = sc.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)

	active, err = sc.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSessionCache_UpdateMissing(t *testing.T) {
	_, rc := newTestClient(t)
	sc := NewSessionCache(rc, "test:", nil)

	err := sc.UpdateSession(context.Background(), &models.Session{SessionID: "nope"})
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestPubSub_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, rc := newTestClient(t)
	ps := NewPubSub(rc, "session-events", nil)

	got := make(chan string, 1)
	stop, err := ps.Subscribe(ctx, func(b []byte) { got <- string(b) })
	require.NoError(t, err)
	defer func() { _ = stop() }()

	require.NoError(t, ps.Publish(ctx, []byte("hello")))

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
