package lockout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/store"
)

const identity = "a@x.com"

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTracker(t *testing.T) (*Tracker, *clock, *store.MemoryKV) {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryKV(c.now)
	tr := NewTracker(kv, Config{MaxAttempts: 5, Duration: 15 * time.Minute, Window: time.Hour}, nil).WithClock(c.now)
	return tr, c, kv
}

func TestTracker_LocksAtThreshold(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTracker(t)

	for i := 1; i <= 4; i++ {
		assert.Equal(t, i, tr.RecordFailure(ctx, identity))
		assert.False(t, tr.CheckLockout(ctx, identity).IsLocked, "locked too early at %d", i)
	}

	tr.RecordFailure(ctx, identity)
	st := tr.CheckLockout(ctx, identity)
	assert.True(t, st.IsLocked)
	assert.Equal(t, 15*60, st.RetryAfterSeconds)
}

func TestTracker_UnlocksAfterDuration(t *testing.T) {
	ctx := context.Background()
	tr, c, _ := newTracker(t)

	for i := 0; i < 5; i++ {
		tr.RecordFailure(ctx, identity)
	}
	c.advance(10 * time.Minute)
	st := tr.CheckLockout(ctx, identity)
	require.True(t, st.IsLocked)
	assert.Equal(t, 5*60, st.RetryAfterSeconds)

	c.advance(5 * time.Minute)
	assert.False(t, tr.CheckLockout(ctx, identity).IsLocked)

	// attempts are treated as reset
	assert.Equal(t, 1, tr.RecordFailure(ctx, identity))
	assert.False(t, tr.CheckLockout(ctx, identity).IsLocked)
}

func TestTracker_ClearResetsCounter(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTracker(t)

	for i := 0; i < 4; i++ {
		tr.RecordFailure(ctx, identity)
	}
	tr.Clear(ctx, identity)

	assert.False(t, tr.CheckLockout(ctx, identity).IsLocked)
	assert.Equal(t, 1, tr.RecordFailure(ctx, identity))
	assert.False(t, tr.CheckLockout(ctx, identity).IsLocked)
}

func TestTracker_IdentitiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTracker(t)

	for i := 0; i < 5; i++ {
		tr.RecordFailure(ctx, identity)
	}
	assert.True(t, tr.CheckLockout(ctx, identity).IsLocked)
	assert.False(t, tr.CheckLockout(ctx, "b@x.com").IsLocked)
}

func TestTracker_CorruptRecordIsIgnored(t *testing.T) {
	ctx := context.Background()
	tr, _, kv := newTracker(t)

	require.NoError(t, kv.Set(ctx, keyPrefix+identity, []byte("{not json"), time.Hour))
	assert.False(t, tr.CheckLockout(ctx, identity).IsLocked)
	assert.Equal(t, 1, tr.RecordFailure(ctx, identity))
}

type failingKV struct{ store.KV }

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}

func TestTracker_StoreFailureMeansNotLocked(t *testing.T) {
	tr := NewTracker(failingKV{}, Config{}, nil)
	st := tr.CheckLockout(context.Background(), identity)
	assert.False(t, st.IsLocked)
	assert.Equal(t, 0, tr.RecordFailure(context.Background(), identity))
}
