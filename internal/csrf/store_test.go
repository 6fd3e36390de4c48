package csrf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/store"
)

func TestStore_IssueAndValidate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemoryKV(nil), time.Hour, nil)

	tok, err := s.Issue(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, tok, 64)

	assert.True(t, s.Validate(ctx, "A", tok))
	assert.False(t, s.Validate(ctx, "A", tok+"0"))
}

func TestStore_BoundToSession(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemoryKV(nil), time.Hour, nil)

	tok, err := s.Issue(ctx, "A")
	require.NoError(t, err)
	_, err = s.Issue(ctx, "B")
	require.NoError(t, err)

	for _, other := range []string{"B", "C", ""} {
		assert.False(t, s.Validate(ctx, other, tok), "session %q", other)
	}
}

func TestStore_ReissueInvalidatesPrevious(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemoryKV(nil), time.Hour, nil)

	first, err := s.Issue(ctx, "A")
	require.NoError(t, err)
	second, err := s.Issue(ctx, "A")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.False(t, s.Validate(ctx, "A", first))
	assert.True(t, s.Validate(ctx, "A", second))
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewStore(store.NewMemoryKV(clock), time.Hour, nil).WithClock(clock)

	tok, err := s.Issue(ctx, "A")
	require.NoError(t, err)

	now = now.Add(59 * time.Minute)
	assert.True(t, s.Validate(ctx, "A", tok))

	now = now.Add(time.Minute)
	assert.False(t, s.Validate(ctx, "A", tok))
}

func TestStore_MissingInputs(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemoryKV(nil), 0, nil)

	assert.False(t, s.Validate(ctx, "", "x"))
	assert.False(t, s.Validate(ctx, "A", ""))
	assert.False(t, s.Validate(ctx, "A", "never-issued"))

	_, err := s.Issue(ctx, "")
	assert.Error(t, err)
}

type downKV struct{ store.KV }

func (downKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}

func TestStore_FailsClosedOnStoreError(t *testing.T) {
	s := NewStore(downKV{}, time.Hour, nil)
	assert.False(t, s.Validate(context.Background(), "A", "tok"))
}
