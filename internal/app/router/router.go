// Package router accepts service requests, queues them and drives each one
// through its handler until it reaches a terminal status.
package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/metrics"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/app/system"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
	"github.com/R3E-Network/request_router/internal/resilience"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = stderrors.New("router stopped")

const (
	defaultQueueSize    = 500
	defaultWorkers      = 4
	defaultResweepLimit = 100

	metaDeferred     = "deferred"
	metaCancelReason = "cancel_reason"
)

// Config configures a Router.
type Config struct {
	Store          storage.RequestStore
	Logger         *logging.Logger
	Handlers       []Handler
	DefaultHandler Handler

	QueueSize   int
	Workers     int
	MaxAttempts int
	// HandlerTimeout bounds one ProcessRequest call. Zero means no bound.
	HandlerTimeout time.Duration
	// ResweepInterval enables periodic re-enqueueing of pending requests.
	// Zero sweeps once at startup only.
	ResweepInterval time.Duration
	ResweepLimit    int
	Fulfill         resilience.RetryConfig

	Accounts AccountChecker
	Fees     FeeCollector
}

// Stats is a snapshot of router activity.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Workers       int    `json:"workers"`
	InFlight      int    `json:"in_flight"`
	Handlers      int    `json:"handlers"`
	Created       uint64 `json:"created"`
	Processed     uint64 `json:"processed"`
	Succeeded     uint64 `json:"succeeded"`
	Failed        uint64 `json:"failed"`
	Retried       uint64 `json:"retried"`
	Rejected      uint64 `json:"rejected"`
}

// Router owns the request queue and worker pool.
type Router struct {
	cfg   Config
	store storage.RequestStore
	log   *logging.Logger

	hmu      sync.RWMutex
	handlers map[request.ServiceType]Handler

	queue    chan string
	qmu      sync.Mutex
	queued   map[string]struct{}
	inflight map[string]context.CancelFunc

	lmu        sync.Mutex
	running    bool
	stopped    bool
	quit       chan struct{}
	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	created, processed, succeeded, failed, retried, rejected atomic.Uint64

	now   func() time.Time
	newID func() string
}

var _ system.Service = (*Router)(nil)

// New validates cfg and returns a router. Handlers in cfg are registered.
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("router: store is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = request.DefaultMaxAttempts
	}
	if cfg.ResweepLimit <= 0 {
		cfg.ResweepLimit = defaultResweepLimit
	}
	if cfg.Fulfill.MaxAttempts <= 0 {
		cfg.Fulfill = resilience.DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("router")
	}

	r := &Router{
		cfg:      cfg,
		store:    cfg.Store,
		log:      cfg.Logger,
		handlers: make(map[request.ServiceType]Handler),
		queue:    make(chan string, cfg.QueueSize),
		queued:   make(map[string]struct{}),
		inflight: make(map[string]context.CancelFunc),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
	for _, h := range cfg.Handlers {
		if err := r.RegisterHandler(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Router) Name() string { return "router" }

// RegisterHandler installs h for its service type, replacing any previous one.
func (r *Router) RegisterHandler(h Handler) error {
	if h == nil {
		return fmt.Errorf("router: nil handler")
	}
	st := h.ServiceType()
	if !st.Valid() {
		return fmt.Errorf("router: unsupported service type %q", st)
	}
	r.hmu.Lock()
	r.handlers[st] = h
	r.hmu.Unlock()
	r.log.WithField("service_type", st).Debug("handler registered")
	return nil
}

// UnregisterHandler removes the handler for st.
func (r *Router) UnregisterHandler(st request.ServiceType) {
	r.hmu.Lock()
	delete(r.handlers, st)
	r.hmu.Unlock()
}

// Handler returns the handler registered for st.
func (r *Router) Handler(st request.ServiceType) (Handler, bool) {
	r.hmu.RLock()
	defer r.hmu.RUnlock()
	h, ok := r.handlers[st]
	return h, ok
}

func (r *Router) handlerFor(st request.ServiceType) Handler {
	if h, ok := r.Handler(st); ok {
		return h
	}
	if r.cfg.DefaultHandler != nil {
		return r.cfg.DefaultHandler
	}
	return NoopHandler{Type: st}
}

// CreateRequest validates, persists and enqueues a new request. A request
// with an already known external id is returned unchanged. When the queue is
// full the persisted pending request is returned together with a capacity
// error; the resweep picks it up later.
func (r *Router) CreateRequest(ctx context.Context, accountID string, st request.ServiceType, payload map[string]any, opts ...RequestOption) (*request.Request, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.Validation("account_id", "required")
	}
	if !st.Valid() {
		return nil, errors.Validation("service_type", fmt.Sprintf("unsupported service type %q", st))
	}
	h, ok := r.Handler(st)
	if !ok {
		if r.cfg.DefaultHandler == nil {
			return nil, errors.Validation("service_type", fmt.Sprintf("no handler registered for %q", st))
		}
		h = r.cfg.DefaultHandler
	}
	if o.fee < 0 {
		return nil, errors.Validation("fee", "must not be negative")
	}
	if o.maxAttempts < 0 {
		return nil, errors.Validation("max_attempts", "must not be negative")
	}

	if o.externalID != "" {
		existing, err := r.store.GetByExternalID(ctx, o.externalID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, errors.ErrNotFound) {
			return nil, errors.DatabaseError("lookup external id", err)
		}
	}

	if r.cfg.Accounts != nil {
		if err := r.cfg.Accounts.AccountExists(ctx, accountID); err != nil {
			return nil, err
		}
	}

	now := r.now()
	req := &request.Request{
		ID:           r.newID(),
		ExternalID:   o.externalID,
		AccountID:    accountID,
		ServiceType:  st,
		ServiceID:    o.serviceID,
		Status:       request.StatusPending,
		Payload:      payload,
		Fee:          o.fee,
		TxHash:       o.txHash,
		CallbackHash: o.callbackHash,
		MaxAttempts:  r.cfg.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     o.metadata,
	}
	if o.maxAttempts > 0 {
		req.MaxAttempts = o.maxAttempts
	}
	req = req.Clone()

	if v, ok := h.(Validator); ok {
		if err := v.ValidateRequest(req.Clone()); err != nil {
			if !errors.IsValidation(err) {
				err = errors.Validation("payload", err.Error())
			}
			return nil, err
		}
	}

	if err := r.store.Create(ctx, req); err != nil {
		if errors.Is(err, errors.ErrDuplicate) && req.ExternalID != "" {
			if existing, getErr := r.store.GetByExternalID(ctx, req.ExternalID); getErr == nil {
				return existing, nil
			}
		}
		return nil, errors.DatabaseError("create request", err)
	}
	r.created.Add(1)
	metrics.RecordRequestCreated(string(st))
	metrics.RecordTransition(string(st), string(request.StatusPending))

	if req.Fee > 0 && r.cfg.Fees != nil {
		feeID, err := r.cfg.Fees.Collect(ctx, req.Clone())
		if err != nil {
			r.log.WithContext(ctx).WithError(err).WithField("request_id", req.ID).Warn("fee collection failed")
			_, _ = r.transition(ctx, req.ID, func(cur *request.Request) error {
				cur.Status = request.StatusCancelled
				cur.Error = errors.Sanitize(err)
				return nil
			})
			return nil, err
		}
		updated, err := r.transition(ctx, req.ID, func(cur *request.Request) error {
			cur.FeeID = feeID
			return nil
		})
		if err != nil {
			return nil, errors.DatabaseError("record fee", err)
		}
		req = updated
	}

	r.log.WithContext(ctx).WithFields(map[string]interface{}{
		"request_id":   req.ID,
		"service_type": st,
		"account_id":   accountID,
	}).Info("request created")

	if err := r.Submit(req.ID); err != nil {
		return req.Clone(), err
	}
	return req.Clone(), nil
}

// Submit enqueues id without blocking. An id already waiting is not queued
// twice. A full queue returns a capacity error.
func (r *Router) Submit(id string) error {
	r.lmu.Lock()
	stopped := r.stopped
	r.lmu.Unlock()
	if stopped {
		return ErrStopped
	}

	r.qmu.Lock()
	defer r.qmu.Unlock()
	if _, ok := r.queued[id]; ok {
		return nil
	}
	select {
	case r.queue <- id:
		r.queued[id] = struct{}{}
		metrics.SetQueueDepth(len(r.queue))
		return nil
	default:
		r.rejected.Add(1)
		metrics.RecordCapacityRejection()
		return errors.Capacity(cap(r.queue))
	}
}

// Start launches the workers and sweeps persisted work back into the queue.
func (r *Router) Start(ctx context.Context) error {
	r.lmu.Lock()
	if r.running {
		r.lmu.Unlock()
		return nil
	}
	if r.stopped {
		r.lmu.Unlock()
		return ErrStopped
	}
	r.running = true
	r.quit = make(chan struct{})
	r.base, r.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	r.lmu.Unlock()

	r.recoverRunning(ctx)
	r.resweep(ctx)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	if r.cfg.ResweepInterval > 0 {
		r.wg.Add(1)
		go r.resweepLoop()
	}

	r.log.WithField("workers", r.cfg.Workers).WithField("queue_size", r.cfg.QueueSize).Info("router started")
	return nil
}

// Stop stops accepting work and waits for in-flight requests. When ctx ends
// first, in-flight handlers are cancelled.
func (r *Router) Stop(ctx context.Context) error {
	r.lmu.Lock()
	r.stopped = true
	if !r.running {
		r.lmu.Unlock()
		return nil
	}
	r.running = false
	close(r.quit)
	cancelBase := r.cancelBase
	r.lmu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		cancelBase()
	case <-ctx.Done():
		cancelBase()
		return ctx.Err()
	}
	r.log.Info("router stopped")
	return nil
}

func (r *Router) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		case id := <-r.queue:
			r.qmu.Lock()
			delete(r.queued, id)
			metrics.SetQueueDepth(len(r.queue))
			r.qmu.Unlock()

			if _, err := r.process(r.base, id); err != nil && !errors.Is(err, errSkipped) {
				r.log.WithError(err).WithField("request_id", id).Debug("attempt ended with error")
			}
		}
	}
}

func (r *Router) resweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ResweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.resweep(r.base)
		}
	}
}

// resweep re-enqueues persisted pending requests, oldest first, until the
// queue is full.
func (r *Router) resweep(ctx context.Context) {
	pending, err := r.store.ListPending(ctx, "", r.cfg.ResweepLimit)
	if err != nil {
		r.log.WithError(err).Warn("resweep: list pending failed")
		return
	}
	n := 0
	for _, req := range pending {
		if r.isInflight(req.ID) {
			continue
		}
		if err := r.Submit(req.ID); err != nil {
			break
		}
		n++
	}
	if n > 0 {
		r.log.WithField("count", n).Info("resweep enqueued pending requests")
	}
}

// recoverRunning returns requests left running by a previous process to the
// queue. Deferred requests are owned by their handler and stay running.
func (r *Router) recoverRunning(ctx context.Context) {
	running, err := r.store.List(ctx, storage.RequestFilter{Status: request.StatusRunning, Limit: r.cfg.ResweepLimit})
	if err != nil {
		r.log.WithError(err).Warn("recover: list running failed")
		return
	}
	for _, req := range running {
		if req.Metadata[metaDeferred] == "true" {
			continue
		}
		_, err := r.transition(ctx, req.ID, func(cur *request.Request) error {
			if cur.Attempts >= cur.MaxAttempts {
				cur.Status = request.StatusFailed
				cur.Error = errors.Sanitize(errors.Handler("attempt interrupted", nil))
				return nil
			}
			cur.Status = request.StatusPending
			return nil
		})
		if err != nil {
			r.log.WithError(err).WithField("request_id", req.ID).Warn("recover: requeue failed")
		}
	}
}

var errSkipped = stderrors.New("request not pending")

// process runs one attempt of id and returns the request as persisted after it.
func (r *Router) process(ctx context.Context, id string) (*request.Request, error) {
	if !r.claim(id) {
		return nil, errSkipped
	}
	hctx, cancel := r.handlerContext(ctx)
	r.setInflight(id, cancel)
	defer func() {
		cancel()
		r.release(id)
	}()

	// Routers sharing a store race here. Only one Claim succeeds.
	req, err := r.store.Claim(ctx, id, r.now())
	if err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			return nil, errSkipped
		}
		return nil, err
	}
	metrics.RecordTransition(string(req.ServiceType), string(req.Status))
	r.processed.Add(1)

	h := r.handlerFor(req.ServiceType)
	entry := r.log.WithFields(map[string]interface{}{
		"request_id":   req.ID,
		"service_type": req.ServiceType,
		"attempt":      req.Attempts,
	})
	entry.Debug("dispatching request")

	start := time.Now()
	outcome, err := r.invoke(hctx, h, req.Clone())
	metrics.RecordHandler(string(req.ServiceType), time.Since(start), err)

	if err != nil {
		if hctx.Err() != nil && ctx.Err() == nil && r.cancelledInStore(ctx, id) {
			entry.Info("request cancelled during processing")
			return r.store.Get(ctx, id)
		}
		return r.handleFailure(ctx, req, h, err)
	}

	if outcome.Deferred {
		entry.Debug("request deferred")
		return r.transition(ctx, id, func(cur *request.Request) error {
			if cur.Status != request.StatusRunning {
				return errSkipped
			}
			if outcome.Result != nil {
				cur.Result = outcome.Result
			}
			cur.SetMetadata(metaDeferred, "true")
			return nil
		})
	}
	return r.finish(ctx, req, h, outcome.Result)
}

// invoke calls the handler, turning a panic into a handler error.
func (r *Router) invoke(ctx context.Context, h Handler, req *request.Request) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Handler("handler panicked", fmt.Errorf("%v", p))
		}
	}()
	return h.ProcessRequest(ctx, req)
}

func (r *Router) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.HandlerTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	}
	return context.WithCancel(ctx)
}

// handleFailure requeues the request while attempts remain and the error
// allows it; otherwise the request fails.
func (r *Router) handleFailure(ctx context.Context, req *request.Request, h Handler, cause error) (*request.Request, error) {
	if errors.GetServiceError(cause) == nil {
		cause = errors.Handler("handler failed", cause)
	}
	entry := r.log.WithError(cause).WithFields(map[string]interface{}{
		"request_id":   req.ID,
		"service_type": req.ServiceType,
		"attempt":      req.Attempts,
	})

	if errors.IsRetryable(cause) && req.Attempts < req.MaxAttempts {
		updated, err := r.transition(ctx, req.ID, func(cur *request.Request) error {
			if cur.Status != request.StatusRunning {
				return errSkipped
			}
			cur.Status = request.StatusPending
			cur.Error = errors.Sanitize(cause)
			return nil
		})
		if err != nil {
			return updated, err
		}
		r.retried.Add(1)
		entry.Warn("request attempt failed; retrying")
		if err := r.Submit(req.ID); err != nil {
			entry.WithField("submit_error", err.Error()).Warn("requeue deferred to resweep")
		}
		return updated, cause
	}

	entry.Error("request failed")
	failed, err := r.fail(ctx, req.ID, cause)
	if err != nil {
		return failed, err
	}
	r.notifyFailure(ctx, failed, h)
	return failed, cause
}

func (r *Router) fail(ctx context.Context, id string, cause error) (*request.Request, error) {
	out, err := r.transition(ctx, id, func(cur *request.Request) error {
		if cur.Status != request.StatusRunning {
			return fmt.Errorf("request %s is %s: %w", id, cur.Status, errors.ErrInvalidTransition)
		}
		cur.Status = request.StatusFailed
		cur.Error = errors.Sanitize(cause)
		delete(cur.Metadata, metaDeferred)
		return nil
	})
	if err == nil {
		r.failed.Add(1)
	}
	return out, err
}

// finish delivers result and records the terminal status. The delivery has
// its own retry budget; exhausting it fails the request but keeps the result.
func (r *Router) finish(ctx context.Context, req *request.Request, h Handler, result map[string]any) (*request.Request, error) {
	entry := r.log.WithFields(map[string]interface{}{
		"request_id":   req.ID,
		"service_type": req.ServiceType,
		"attempt":      req.Attempts,
	})

	if cur, err := r.store.Get(ctx, req.ID); err != nil {
		return nil, err
	} else if cur.Status != request.StatusRunning {
		return cur, errSkipped
	}

	fcfg := r.cfg.Fulfill
	fcfg.OnRetry = func(n int, delay time.Duration, err error) {
		entry.WithError(err).WithField("fulfill_attempt", n).WithField("backoff", delay).Warn("fulfillment failed; retrying")
	}
	snapshot := req.Clone()
	snapshot.Result = result
	ferr := resilience.Retry(ctx, fcfg, func() error {
		err := h.FulfillRequest(ctx, snapshot.Clone(), result)
		metrics.RecordFulfillment(string(req.ServiceType), err)
		if errors.IsValidation(err) || errors.IsConfidentialBoundary(err) {
			return resilience.Permanent(err)
		}
		return err
	})

	out, err := r.transition(ctx, req.ID, func(cur *request.Request) error {
		if cur.Status != request.StatusRunning {
			return errSkipped
		}
		cur.Result = result
		delete(cur.Metadata, metaDeferred)
		if ferr != nil {
			cause := ferr
			if errors.GetServiceError(cause) == nil {
				cause = errors.ChainSubmission("fulfill", ferr)
			}
			cur.Status = request.StatusFailed
			cur.Error = errors.Sanitize(cause)
			return nil
		}
		cur.Status = request.StatusSucceeded
		cur.Error = ""
		return nil
	})
	if err != nil {
		return out, err
	}
	if ferr != nil {
		r.failed.Add(1)
		entry.WithError(ferr).Error("fulfillment exhausted")
		return out, ferr
	}
	r.succeeded.Add(1)
	entry.Info("request succeeded")
	return out, nil
}

// notifyFailure delivers a failure result when the request names a callback.
// Delivery errors are logged only.
func (r *Router) notifyFailure(ctx context.Context, req *request.Request, h Handler) {
	if req == nil || req.CallbackHash == "" {
		return
	}
	fcfg := r.cfg.Fulfill
	err := resilience.Retry(ctx, fcfg, func() error {
		err := h.FulfillRequest(ctx, req.Clone(), nil)
		metrics.RecordFulfillment(string(req.ServiceType), err)
		if errors.IsValidation(err) || errors.IsConfidentialBoundary(err) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		r.log.WithError(err).WithField("request_id", req.ID).Warn("failure notification not delivered")
	}
}

// transition reads id, applies mutate and writes it back. Status changes
// are counted.
func (r *Router) transition(ctx context.Context, id string, mutate func(*request.Request) error) (*request.Request, error) {
	cur, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := cur.Status
	if err := mutate(cur); err != nil {
		return cur, err
	}
	cur.UpdatedAt = r.now()
	if err := r.store.Update(ctx, cur); err != nil {
		return nil, err
	}
	if cur.Status != prev {
		metrics.RecordTransition(string(cur.ServiceType), string(cur.Status))
	}
	return r.store.Get(ctx, id)
}

// claim marks id as being processed by this router.
func (r *Router) claim(id string) bool {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if _, ok := r.inflight[id]; ok {
		return false
	}
	r.inflight[id] = func() {}
	return true
}

func (r *Router) setInflight(id string, cancel context.CancelFunc) {
	r.qmu.Lock()
	r.inflight[id] = cancel
	r.qmu.Unlock()
}

func (r *Router) release(id string) {
	r.qmu.Lock()
	delete(r.inflight, id)
	r.qmu.Unlock()
}

func (r *Router) isInflight(id string) bool {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	_, ok := r.inflight[id]
	return ok
}

func (r *Router) cancelledInStore(ctx context.Context, id string) bool {
	cur, err := r.store.Get(ctx, id)
	return err == nil && cur.Status == request.StatusCancelled
}

// ProcessRequestSync runs one attempt of a pending request inline and
// returns the persisted request. The error is the attempt's failure, if any.
func (r *Router) ProcessRequestSync(ctx context.Context, id string) (*request.Request, error) {
	out, err := r.process(ctx, id)
	if errors.Is(err, errSkipped) {
		cur, getErr := r.store.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return cur, fmt.Errorf("request %s is %s: %w", id, cur.Status, errors.ErrInvalidTransition)
	}
	return out, err
}

// CompleteRequest finishes a deferred request with result.
func (r *Router) CompleteRequest(ctx context.Context, id string, result map[string]any) (*request.Request, error) {
	req, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != request.StatusRunning {
		if req.Status.Terminal() {
			return req, fmt.Errorf("request %s is %s: %w", id, req.Status, errors.ErrTerminal)
		}
		return req, fmt.Errorf("request %s is %s: %w", id, req.Status, errors.ErrInvalidTransition)
	}
	out, err := r.finish(ctx, req, r.handlerFor(req.ServiceType), result)
	if errors.Is(err, errSkipped) {
		return out, fmt.Errorf("request %s changed during completion: %w", id, errors.ErrConflict)
	}
	return out, err
}

// FailRequest fails a deferred request. cause is sanitized before it is stored.
func (r *Router) FailRequest(ctx context.Context, id string, cause error) (*request.Request, error) {
	if cause == nil {
		cause = errors.Handler("request failed", nil)
	}
	if errors.GetServiceError(cause) == nil {
		cause = errors.Handler(cause.Error(), nil)
	}
	out, err := r.fail(ctx, id, cause)
	if err != nil {
		return out, err
	}
	r.log.WithError(cause).WithField("request_id", id).Warn("request failed by handler")
	r.notifyFailure(ctx, out, r.handlerFor(out.ServiceType))
	return out, nil
}

// CancelRequest marks a pending or running request cancelled and cancels its
// in-flight handler context.
func (r *Router) CancelRequest(ctx context.Context, id, reason string) (*request.Request, error) {
	out, err := r.transition(ctx, id, func(cur *request.Request) error {
		if cur.Status.Terminal() {
			return fmt.Errorf("request %s is %s: %w", id, cur.Status, errors.ErrTerminal)
		}
		cur.Status = request.StatusCancelled
		delete(cur.Metadata, metaDeferred)
		if reason != "" {
			cur.SetMetadata(metaCancelReason, reason)
		}
		return nil
	})
	if err != nil {
		return out, err
	}

	r.qmu.Lock()
	cancel := r.inflight[id]
	r.qmu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.log.WithField("request_id", id).WithField("reason", reason).Info("request cancelled")
	return out, nil
}

func (r *Router) GetRequest(ctx context.Context, id string) (*request.Request, error) {
	return r.store.Get(ctx, id)
}

func (r *Router) GetRequestByExternalID(ctx context.Context, externalID string) (*request.Request, error) {
	return r.store.GetByExternalID(ctx, externalID)
}

func (r *Router) ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*request.Request, error) {
	return r.store.List(ctx, filter)
}

// Stats returns current counters.
func (r *Router) Stats() Stats {
	r.qmu.Lock()
	inflight := len(r.inflight)
	r.qmu.Unlock()
	r.hmu.RLock()
	handlers := len(r.handlers)
	r.hmu.RUnlock()

	return Stats{
		QueueDepth:    len(r.queue),
		QueueCapacity: cap(r.queue),
		Workers:       r.cfg.Workers,
		InFlight:      inflight,
		Handlers:      handlers,
		Created:       r.created.Load(),
		Processed:     r.processed.Load(),
		Succeeded:     r.succeeded.Load(),
		Failed:        r.failed.Load(),
		Retried:       r.retried.Load(),
		Rejected:      r.rejected.Load(),
	}
}
