package plots

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLockerExcludesConcurrentHolders(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, time.Minute, 60*time.Millisecond)
	ctx := context.Background()

	release, err := locker.Lock(ctx, 7)
	require.NoError(t, err)
	require.True(t, mr.Exists("plots:lock:7"))

	_, err = locker.Lock(ctx, 7)
	require.ErrorIs(t, err, ErrLockTimeout)

	other, err := locker.Lock(ctx, 8)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.False(t, mr.Exists("plots:lock:7"))

	again, err := locker.Lock(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	stale, err := locker.Lock(ctx, 3)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := locker.Lock(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	require.True(t, mr.Exists("plots:lock:3"), "expired holder must not delete the new lock")
	require.NoError(t, fresh(ctx))
	require.False(t, mr.Exists("plots:lock:3"))
}

func TestRedisLockerHonoursContext(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisLocker(client, time.Minute, time.Minute)
	release, err := locker.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer func() { _ = release(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, 1)
	require.Error(t, err)
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker(30 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Lock(ctx, 1)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, 1)
	require.ErrorIs(t, err, ErrLockTimeout)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = locker.Lock(cancelled, 1)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx), "release is idempotent")

	next, err := locker.Lock(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, next(ctx))
}
