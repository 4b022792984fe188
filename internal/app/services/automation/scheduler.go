package automation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/request_router/internal/app/domain/automation"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/locks"
	"github.com/R3E-Network/request_router/internal/app/metrics"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/app/system"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// RequestCreator submits automation requests to the router.
type RequestCreator interface {
	CreateRequest(ctx context.Context, accountID string, st request.ServiceType, payload map[string]any, opts ...router.RequestOption) (*request.Request, error)
}

// SchedulerConfig tunes trigger evaluation.
type SchedulerConfig struct {
	Interval      time.Duration
	MaxConcurrent int
	ScriptTimeout time.Duration
	LeaseTTL      time.Duration
	Locker        locks.Locker
	Logger        *logging.Logger
}

// Scheduler evaluates task triggers and turns satisfied ones into
// automation requests, one nonce per firing.
type Scheduler struct {
	cfg     SchedulerConfig
	store   storage.TaskStore
	creator RequestCreator
	eval    *evaluator
	log     *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	now     func() time.Time
}

var _ system.Service = (*Scheduler)(nil)

// NewScheduler creates a scheduler. Sources may be nil when no task uses
// the matching trigger type.
func NewScheduler(cfg SchedulerConfig, store storage.TaskStore, creator RequestCreator, prices PriceSource, balances BalanceSource, events EventSource) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 3 * cfg.Interval
	}
	if cfg.Locker == nil {
		cfg.Locker = locks.NewMemoryLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("automation-scheduler")
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		creator: creator,
		eval: &evaluator{
			prices:        prices,
			balances:      balances,
			events:        events,
			scriptTimeout: cfg.ScriptTimeout,
		},
		log: cfg.Logger,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Name() string { return "automation-scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx)
			}
		}
	}()
	s.log.WithField("interval", s.cfg.Interval).Info("automation scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("automation scheduler stopped")
	return nil
}

// Tick evaluates every enabled task once and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	lease, ok, err := s.cfg.Locker.TryAcquire(ctx, "automation:scheduler", s.cfg.LeaseTTL)
	if err != nil {
		s.log.WithError(err).Warn("scheduler lease unavailable")
		return 0
	}
	metrics.RecordPollerTick("automation", ok)
	if !ok {
		return 0
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.WithError(err).Warn("release scheduler lease failed")
		}
	}()

	tasks, err := s.store.ListTasks(ctx, "")
	if err != nil {
		s.log.WithError(err).Warn("list tasks failed")
		return 0
	}

	now := s.now()
	var (
		fired int
		fmu   sync.Mutex
		g     errgroup.Group
	)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, task := range tasks {
		if !task.Enabled || task.Exhausted() {
			continue
		}
		task := task
		g.Go(func() error {
			if s.runTask(ctx, task, now) {
				fmu.Lock()
				fired++
				fmu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return fired
}

func (s *Scheduler) runTask(ctx context.Context, task automation.Task, now time.Time) bool {
	entry := s.log.WithField("task_id", task.ID).WithField("trigger", task.Trigger.Type)

	fire, next, data, err := s.eval.evaluate(ctx, task, now)
	if err != nil {
		entry.WithError(err).Warn("trigger evaluation failed")
	}
	if !fire {
		if bookkeepingChanged(task, next) {
			s.save(ctx, next, entry)
		}
		return false
	}
	metrics.RecordAutomationTrigger(string(task.Trigger.Type))

	nonce, err := s.store.ReserveNonce(ctx, task.ID, task.Nonce)
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			entry.Debug("nonce already reserved elsewhere")
		} else {
			entry.WithError(err).Warn("reserve nonce failed")
		}
		return false
	}

	payload := map[string]any{
		"task_id":  task.ID,
		"nonce":    nonce,
		"contract": task.Target.Contract,
		"method":   task.Target.Method,
		"args":     task.Target.Args,
		"trigger":  data,
	}
	req, err := s.creator.CreateRequest(ctx, task.AccountID, request.ServiceAutomation, payload,
		router.WithExternalID(automation.ExternalID(task.ID, nonce)),
		router.WithServiceID(task.ID),
	)
	switch {
	case err == nil:
	case errors.IsCapacity(err) && req != nil:
		entry.WithField("request_id", req.ID).Warn("router queue full; request left for resweep")
	default:
		entry.WithError(err).WithField("nonce", nonce).Error("create automation request failed")
		return false
	}

	next.LastRunAt = now
	next.Executions++
	s.save(ctx, next, entry)
	entry.WithField("nonce", nonce).WithField("request_id", req.ID).Info("automation task fired")
	return true
}

// save writes the trigger bookkeeping of next onto the stored task, so a
// concurrent disable is not overwritten.
func (s *Scheduler) save(ctx context.Context, next automation.Task, entry *logrus.Entry) {
	cur, err := s.store.GetTask(ctx, next.ID)
	if err != nil {
		entry.WithError(err).Warn("reload task failed")
		return
	}
	cur.NextRunAt = next.NextRunAt
	cur.LastRoundID = next.LastRoundID
	cur.LastBlock = next.LastBlock
	cur.LastRunAt = next.LastRunAt
	cur.Executions = next.Executions
	if cur.Exhausted() {
		cur.Enabled = false
	}
	if _, err := s.store.UpdateTask(ctx, cur); err != nil {
		entry.WithError(err).Warn("update task failed")
	}
}

func bookkeepingChanged(a, b automation.Task) bool {
	return !a.NextRunAt.Equal(b.NextRunAt) || a.LastRoundID != b.LastRoundID || a.LastBlock != b.LastBlock
}
