package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, l Locker) {
	ctx := context.Background()

	lease, ok, err := l.TryAcquire(ctx, "poller:ledger", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "poller:ledger", lease.Key())

	_, ok, err = l.TryAcquire(ctx, "poller:ledger", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder acquired a held lock")

	_, ok, err = l.TryAcquire(ctx, "poller:payouts", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "distinct keys should not contend")

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, ok, err := l.TryAcquire(ctx, "poller:ledger", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLocker(t *testing.T) {
	exerciseLocker(t, NewMemoryLocker())
}

func TestMemoryLockerExpires(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Now()
	l.now = func() time.Time { return now }

	stale, ok, _ := l.TryAcquire(context.Background(), "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.TryAcquire(context.Background(), "k", time.Second)
	require.True(t, ok, "expired lease should be reclaimable")

	require.NoError(t, stale.Release(context.Background()))
	_, ok, _ = l.TryAcquire(context.Background(), "k", time.Second)
	assert.False(t, ok, "stale lease released the new holder")
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseLocker(t, NewRedisLocker(client, "test:"))
}

func TestRedisLockerTokenCheckedRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedisLocker(client, "test:")
	ctx := context.Background()

	stale, ok, err := l.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("test:k"), "stale lease deleted the new holder's key")
}

func exerciseExtend(t *testing.T, l Locker, advance func(time.Duration)) {
	ctx := context.Background()
	lease, ok, err := l.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	advance(700 * time.Millisecond)
	ok, err = lease.Extend(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	advance(700 * time.Millisecond)
	_, ok, err = l.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "extended lease was taken over")

	advance(2 * time.Second)
	taken, ok, err := l.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lease.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lost lease extended")
	require.NoError(t, taken.Release(ctx))
}

func TestMemoryLeaseExtend(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Now()
	l.now = func() time.Time { return now }
	exerciseExtend(t, l, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisLeaseExtend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	exerciseExtend(t, NewRedisLocker(client, "test:"), mr.FastForward)
}
