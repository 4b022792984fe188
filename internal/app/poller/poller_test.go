package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/request_router/internal/app/domain/ledger"
	"github.com/R3E-Network/request_router/internal/app/locks"
	"github.com/R3E-Network/request_router/internal/app/storage/memory"
	"github.com/R3E-Network/request_router/internal/logging"
)

type entrySource struct{ store *memory.Memory }

func (s entrySource) ListPending(ctx context.Context) ([]ledger.Entry, error) {
	return s.store.ListPendingEntries(ctx, 100)
}

func (s entrySource) Settle(ctx context.Context, e ledger.Entry, res Resolution) (bool, error) {
	final := ledger.StatusFailed
	if res.Success {
		final = ledger.StatusCompleted
	}
	return s.store.Settle(ctx, e.ID, final, res.Message)
}

// slowResolver blocks every resolution until release is closed.
type slowResolver struct {
	calls   atomic.Int32
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (r *slowResolver) Key(e ledger.Entry) string { return e.ID }

func (r *slowResolver) Resolve(ctx context.Context, _ ledger.Entry) (Resolution, error) {
	r.calls.Add(1)
	r.once.Do(func() { close(r.entered) })
	select {
	case <-r.release:
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
	return Resolution{Done: true, Success: true}, nil
}

type resolverFunc func(ledger.Entry) (Resolution, error)

func (f resolverFunc) Key(e ledger.Entry) string { return e.ID }
func (f resolverFunc) Resolve(_ context.Context, e ledger.Entry) (Resolution, error) {
	return f(e)
}

func seedFee(t *testing.T, store *memory.Memory) ledger.Entry {
	t.Helper()
	e, err := store.CreateEntry(context.Background(), ledger.Entry{
		ID: "fee-1", AccountID: "acct-1", RequestID: "req_1",
		Kind: ledger.KindFee, Amount: 10, Status: ledger.StatusPending, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return e
}

func newPoller(t *testing.T, store *memory.Memory, locker locks.Locker, resolver Resolver[ledger.Entry]) *Poller[ledger.Entry] {
	t.Helper()
	p, err := New[ledger.Entry](Config{
		Name:     "ledger",
		Interval: time.Hour,
		Locker:   locker,
		Logger:   logging.NewDiscard("poller"),
	}, entrySource{store: store}, resolver)
	require.NoError(t, err)
	return p
}

func TestOverlappingTicksSettleOnce(t *testing.T) {
	store := memory.New()
	entry := seedFee(t, store)
	res := &slowResolver{entered: make(chan struct{}), release: make(chan struct{})}
	p := newPoller(t, store, locks.NewMemoryLocker(), res)

	ctx := context.Background()
	results := make(chan int, 2)
	go func() { results <- p.Tick(ctx) }()
	<-res.entered
	go func() { results <- p.Tick(ctx) }()
	second := <-results
	close(res.release)
	first := <-results

	assert.Equal(t, 1, first+second)
	assert.Equal(t, int32(1), res.calls.Load())

	got, err := store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	bal, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Pending)
	assert.Equal(t, int64(-10), bal.Available)
}

func TestInstancesWithoutSharedLeaseStillSettleOnce(t *testing.T) {
	store := memory.New()
	entry := seedFee(t, store)
	release := make(chan struct{})
	var calls atomic.Int32
	blocking := resolverFunc(func(ledger.Entry) (Resolution, error) {
		calls.Add(1)
		<-release
		return Resolution{Done: true, Success: true}, nil
	})
	a := newPoller(t, store, locks.NewMemoryLocker(), blocking)
	b := newPoller(t, store, locks.NewMemoryLocker(), blocking)

	ctx := context.Background()
	results := make(chan int, 2)
	go func() { results <- a.Tick(ctx) }()
	go func() { results <- b.Tick(ctx) }()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(release)

	total := <-results + <-results
	assert.Equal(t, 1, total)

	bal, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-10), bal.Available)
	got, _ := store.GetEntry(ctx, entry.ID)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
}

func TestSharedLeaseBlocksSecondInstance(t *testing.T) {
	store := memory.New()
	seedFee(t, store)
	locker := locks.NewMemoryLocker()
	res := &slowResolver{entered: make(chan struct{}), release: make(chan struct{})}
	a := newPoller(t, store, locker, res)
	b := newPoller(t, store, locker, res)

	ctx := context.Background()
	done := make(chan int, 1)
	go func() { done <- a.Tick(ctx) }()
	<-res.entered
	assert.Equal(t, 0, b.Tick(ctx))
	close(res.release)
	assert.Equal(t, 1, <-done)
}

func TestNotDoneIsRescheduled(t *testing.T) {
	store := memory.New()
	seedFee(t, store)
	var calls atomic.Int32
	pending := resolverFunc(func(ledger.Entry) (Resolution, error) {
		calls.Add(1)
		return Resolution{RetryAfter: time.Minute}, nil
	})
	p := newPoller(t, store, locks.NewMemoryLocker(), pending)
	now := time.Now()
	p.now = func() time.Time { return now }

	ctx := context.Background()
	assert.Equal(t, 0, p.Tick(ctx))
	assert.Equal(t, 0, p.Tick(ctx))
	assert.Equal(t, int32(1), calls.Load(), "item retried before RetryAfter")

	now = now.Add(2 * time.Minute)
	p.Tick(ctx)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolverErrorDoesNotSettle(t *testing.T) {
	store := memory.New()
	entry := seedFee(t, store)
	p := newPoller(t, store, locks.NewMemoryLocker(), resolverFunc(func(ledger.Entry) (Resolution, error) {
		return Resolution{}, errors.New("rpc unavailable")
	}))
	assert.Equal(t, 0, p.Tick(context.Background()))
	got, _ := store.GetEntry(context.Background(), entry.ID)
	assert.Equal(t, ledger.StatusPending, got.Status)
}

// renewLocker wraps a locker and counts lease renewals. After keep renewals
// the lease reports itself lost.
type renewLocker struct {
	locks.Locker
	keep    int32
	renewed atomic.Int32
}

func (l *renewLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (locks.Lease, bool, error) {
	lease, ok, err := l.Locker.TryAcquire(ctx, key, ttl)
	if !ok || err != nil {
		return lease, ok, err
	}
	return &renewLease{Lease: lease, locker: l}, true, nil
}

type renewLease struct {
	locks.Lease
	locker *renewLocker
}

func (l *renewLease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if l.locker.renewed.Add(1) > l.locker.keep {
		return false, nil
	}
	return l.Lease.Extend(ctx, ttl)
}

func seedFees(t *testing.T, store *memory.Memory, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.CreateEntry(context.Background(), ledger.Entry{
			ID: fmt.Sprintf("fee-%d", i), AccountID: "acct-1", RequestID: fmt.Sprintf("req_%d", i),
			Kind: ledger.KindFee, Amount: 10, Status: ledger.StatusPending, CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
}

func settleAllResolver() resolverFunc {
	return func(ledger.Entry) (Resolution, error) {
		return Resolution{Done: true, Success: true}, nil
	}
}

func TestLeaseRenewedAfterEveryItem(t *testing.T) {
	store := memory.New()
	seedFees(t, store, 3)
	locker := &renewLocker{Locker: locks.NewMemoryLocker(), keep: 100}
	p := newPoller(t, store, locker, settleAllResolver())

	assert.Equal(t, 3, p.Tick(context.Background()))
	assert.Equal(t, int32(3), locker.renewed.Load())
}

func TestLostLeaseEndsPass(t *testing.T) {
	store := memory.New()
	seedFees(t, store, 3)
	locker := &renewLocker{Locker: locks.NewMemoryLocker(), keep: 0}
	p := newPoller(t, store, locker, settleAllResolver())

	ctx := context.Background()
	assert.Equal(t, 1, p.Tick(ctx), "pass continued without the lease")
	pending, err := store.ListPendingEntries(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestStartStop(t *testing.T) {
	store := memory.New()
	p, err := New[ledger.Entry](Config{Name: "ledger", Interval: 10 * time.Millisecond, Logger: logging.NewDiscard("poller")},
		entrySource{store: store}, resolverFunc(func(ledger.Entry) (Resolution, error) {
			return Resolution{Done: true, Success: false, Message: "timeout"}, nil
		}))
	require.NoError(t, err)
	entry := seedFee(t, store)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		got, _ := store.GetEntry(context.Background(), entry.ID)
		return got.Status == ledger.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))

	bal, _ := store.GetBalance(context.Background(), "acct-1")
	assert.Equal(t, int64(0), bal.Available, "failed fee is refunded")
}
