package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, time.Hour)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store, mr
}

func TestRedisStoreRememberAndLookup(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStore(t)
	ctx := context.Background()

	_, found, err := store.Lookup(ctx, "owner-a", "key-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Remember(ctx, "owner-a", "key-1", "job-1"))

	jobID, found, err := store.Lookup(ctx, "owner-a", "key-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "job-1", jobID)
}

func TestRedisStoreKeysScopedByOwner(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Remember(ctx, "owner-a", "key-1", "job-1"))

	_, found, err := store.Lookup(ctx, "owner-b", "key-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRedisStoreFirstWriterWins(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Remember(ctx, "owner-a", "key-1", "job-1"))
	require.NoError(t, store.Remember(ctx, "owner-a", "key-1", "job-2"))

	jobID, found, err := store.Lookup(ctx, "owner-a", "key-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "job-1", jobID)
}

func TestRedisStoreWindowExpiry(t *testing.T) {
	t.Parallel()

	store, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Remember(ctx, "owner-a", "key-1", "job-1"))

	mr.FastForward(2 * time.Hour)

	_, found, err := store.Lookup(ctx, "owner-a", "key-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemoryStoreExpiry(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(1000, 0)}
	store := NewMemoryStore(time.Minute, clock)
	ctx := context.Background()

	require.NoError(t, store.Remember(ctx, "owner-a", "key-1", "job-1"))
	jobID, found, err := store.Lookup(ctx, "owner-a", "key-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "job-1", jobID)

	clock.now = clock.now.Add(2 * time.Minute)
	_, found, err = store.Lookup(ctx, "owner-a", "key-1")
	require.NoError(t, err)
	require.False(t, found)
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }
