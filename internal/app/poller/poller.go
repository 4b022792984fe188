// Package poller runs periodic settlement loops over pending items.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/request_router/internal/app/locks"
	"github.com/R3E-Network/request_router/internal/app/metrics"
	"github.com/R3E-Network/request_router/internal/app/system"
	"github.com/R3E-Network/request_router/internal/logging"
)

// Resolution is a resolver's verdict on one item.
type Resolution struct {
	Done       bool
	Success    bool
	Message    string
	RetryAfter time.Duration
}

// Source lists pending items and settles them. Settle must be a
// compare-and-set: applied is false when another settlement won.
type Source[T any] interface {
	ListPending(ctx context.Context) ([]T, error)
	Settle(ctx context.Context, item T, res Resolution) (applied bool, err error)
}

// Resolver decides whether an item is settled.
type Resolver[T any] interface {
	Key(item T) string
	Resolve(ctx context.Context, item T) (Resolution, error)
}

// Config configures a Poller.
type Config struct {
	Name     string
	Interval time.Duration
	// LeaseTTL bounds how long one instance owns the poller without
	// progress. The lease is renewed after every item. Defaults to twice
	// the interval, at least 30s.
	LeaseTTL time.Duration
	Locker   locks.Locker
	Logger   *logging.Logger
}

// Poller resolves pending items on a fixed interval. A lease on
// "poller:<name>" keeps one active instance per resource, and an in-flight
// set keeps overlapping ticks from resolving the same item twice.
type Poller[T any] struct {
	name     string
	interval time.Duration
	leaseTTL time.Duration
	locker   locks.Locker
	source   Source[T]
	resolver Resolver[T]
	log      *logging.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
	inflight    map[string]struct{}
	now         func() time.Time
}

var _ system.Service = (*Poller[struct{}])(nil)

// New creates a poller.
func New[T any](cfg Config, source Source[T], resolver Resolver[T]) (*Poller[T], error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("poller: name is required")
	}
	if source == nil || resolver == nil {
		return nil, fmt.Errorf("poller %s: source and resolver are required", cfg.Name)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * cfg.Interval
		if cfg.LeaseTTL < 30*time.Second {
			cfg.LeaseTTL = 30 * time.Second
		}
	}
	if cfg.Locker == nil {
		cfg.Locker = locks.NewMemoryLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault(cfg.Name)
	}
	return &Poller[T]{
		name:        cfg.Name,
		interval:    cfg.Interval,
		leaseTTL:    cfg.LeaseTTL,
		locker:      cfg.Locker,
		source:      source,
		resolver:    resolver,
		log:         cfg.Logger,
		nextAttempt: make(map[string]time.Time),
		inflight:    make(map[string]struct{}),
		now:         time.Now,
	}, nil
}

func (p *Poller[T]) Name() string { return p.name }

func (p *Poller[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.Tick(runCtx)
			}
		}
	}()

	p.log.WithField("interval", p.interval).Info("poller started")
	return nil
}

func (p *Poller[T]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("poller stopped")
	return nil
}

// Tick runs one pass when this instance holds the lease. It returns the
// number of items settled by this pass.
func (p *Poller[T]) Tick(ctx context.Context) int {
	lease, ok, err := p.locker.TryAcquire(ctx, "poller:"+p.name, p.leaseTTL)
	if err != nil {
		p.log.WithError(err).Warn("poller lease unavailable")
		return 0
	}
	metrics.RecordPollerTick(p.name, ok)
	if !ok {
		return 0
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			p.log.WithError(err).Warn("release poller lease failed")
		}
	}()

	items, err := p.source.ListPending(ctx)
	if err != nil {
		p.log.WithError(err).Warn("poller list pending failed")
		return 0
	}

	settled := 0
	now := p.now()
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		key := p.resolver.Key(item)
		if !p.begin(key, now) {
			continue
		}
		if p.resolveOne(ctx, key, item) {
			settled++
		}
		p.end(key)

		held, err := lease.Extend(ctx, p.leaseTTL)
		if err != nil || !held {
			p.log.WithError(err).WithField("settled", settled).Warn("poller lease lost; ending pass")
			break
		}
	}
	return settled
}

func (p *Poller[T]) resolveOne(ctx context.Context, key string, item T) bool {
	res, err := p.resolver.Resolve(ctx, item)
	if err != nil {
		p.log.WithError(err).WithField("key", key).Warn("resolver error")
		p.scheduleNext(key, res.RetryAfter)
		return false
	}
	if !res.Done {
		p.scheduleNext(key, res.RetryAfter)
		return false
	}

	applied, err := p.source.Settle(ctx, item, res)
	if err != nil {
		p.log.WithError(err).WithField("key", key).Warn("settle failed")
		p.scheduleNext(key, res.RetryAfter)
		return false
	}
	p.clearSchedule(key)
	if !applied {
		p.log.WithField("key", key).Debug("item already settled")
		return false
	}
	metrics.RecordSettlement(p.name, res.Success)
	p.log.WithField("key", key).WithField("success", res.Success).Info("item settled")
	return true
}

// begin claims key for this pass unless it is in flight or not yet due.
func (p *Poller[T]) begin(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	if next, ok := p.nextAttempt[key]; ok && now.Before(next) {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Poller[T]) end(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

func (p *Poller[T]) scheduleNext(key string, after time.Duration) {
	if after <= 0 {
		after = p.interval
	}
	p.mu.Lock()
	p.nextAttempt[key] = p.now().Add(after)
	p.mu.Unlock()
}

func (p *Poller[T]) clearSchedule(key string) {
	p.mu.Lock()
	delete(p.nextAttempt, key)
	p.mu.Unlock()
}
