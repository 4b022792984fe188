package datafeed

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/request_router/internal/app/system"
	"github.com/R3E-Network/request_router/internal/logging"
)

var _ system.Service = (*Refresher)(nil)

// Refresher keeps every feed warm on a fixed interval.
type Refresher struct {
	service  *Service
	log      *logging.Logger
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRefresher creates a lifecycle-managed feed refresher.
func NewRefresher(service *Service, interval time.Duration, log *logging.Logger) *Refresher {
	if log == nil {
		log = logging.NewDefault("datafeed-refresher")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Refresher{
		service:  service,
		log:      log,
		interval: interval,
		timeout:  interval,
	}
}

func (r *Refresher) Name() string { return "datafeed-refresher" }

func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.tick(runCtx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.WithField("feeds", len(r.service.sources)).Info("data feed refresher started")
	return nil
}

func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("data feed refresher stopped")
	return nil
}

func (r *Refresher) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.service.RefreshAll(ctx); err != nil {
		r.log.WithError(err).Warn("data feed refresh incomplete")
	}
}
