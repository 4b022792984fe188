package automation

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/wallet"

	"github.com/R3E-Network/request_router/internal/app/domain/automation"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/locks"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/app/storage/memory"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
	"github.com/R3E-Network/request_router/pkg/testutil"
)

const (
	targetHash = "0x1234567890abcdef1234567890abcdef12345678"
	anchorHash = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
)

type created struct {
	accountID string
	payload   map[string]any
	external  string
}

type stubHandler struct{}

func (stubHandler) ServiceType() request.ServiceType { return request.ServiceAutomation }

func (stubHandler) ProcessRequest(context.Context, *request.Request) (router.Outcome, error) {
	return router.Deferred(), nil
}

func (stubHandler) FulfillRequest(context.Context, *request.Request, map[string]any) error {
	return nil
}

// recordingCreator wraps an idle router and records each created request.
type recordingCreator struct {
	rt    *router.Router
	mu    sync.Mutex
	calls []created
}

func newRecordingCreator(t *testing.T, store *memory.Memory) *recordingCreator {
	t.Helper()
	rt, err := router.New(router.Config{
		Store:    store,
		Logger:   logging.NewDiscard("router"),
		Handlers: []router.Handler{stubHandler{}},
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return &recordingCreator{rt: rt}
}

func (c *recordingCreator) CreateRequest(ctx context.Context, accountID string, st request.ServiceType, payload map[string]any, opts ...router.RequestOption) (*request.Request, error) {
	req, err := c.rt.CreateRequest(ctx, accountID, st, payload, opts...)
	if err != nil {
		return req, err
	}
	c.mu.Lock()
	c.calls = append(c.calls, created{accountID: accountID, payload: payload, external: req.ExternalID})
	c.mu.Unlock()
	return req, nil
}

func (c *recordingCreator) snapshot() []created {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]created(nil), c.calls...)
}

type fakeEvents struct {
	seen bool
	tip  uint32
}

func (f *fakeEvents) Scan(_ context.Context, _, _ string, after uint32) (bool, uint32, error) {
	if f.seen {
		f.seen = false
		return true, f.tip, nil
	}
	return false, f.tip, nil
}

type fakeBalances map[string]int64

func (f fakeBalances) BalanceOf(_ context.Context, _, addr string) (*big.Int, error) {
	return big.NewInt(f[addr]), nil
}

func newTask(t *testing.T, store *memory.Memory, trigger automation.Trigger) automation.Task {
	t.Helper()
	svc := New(nil, store, logging.NewDiscard("automation"))
	task, err := svc.CreateTask(context.Background(), automation.Task{
		AccountID: "acct-1",
		Target:    automation.Target{Contract: targetHash, Method: "rebalance", Args: []any{"pool-a", int64(3)}},
		Trigger:   trigger,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func newScheduler(store *memory.Memory, creator RequestCreator, prices PriceSource, balances BalanceSource, events EventSource) *Scheduler {
	return NewScheduler(SchedulerConfig{
		Interval:      time.Hour,
		ScriptTimeout: 50 * time.Millisecond,
		Logger:        logging.NewDiscard("scheduler"),
	}, store, creator, prices, balances, events)
}

func TestIntervalTaskFiresWithIncreasingNonce(t *testing.T) {
	store := memory.New()
	task := newTask(t, store, automation.Trigger{Type: automation.TriggerInterval, Interval: time.Minute})
	creator := newRecordingCreator(t, store)
	s := newScheduler(store, creator, nil, nil, nil)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if n := s.Tick(ctx); n != 1 {
		t.Fatalf("first tick fired %d", n)
	}
	if n := s.Tick(ctx); n != 0 {
		t.Fatalf("tick inside the interval fired %d", n)
	}
	now = now.Add(2 * time.Minute)
	if n := s.Tick(ctx); n != 1 {
		t.Fatalf("tick after the interval fired %d", n)
	}

	calls := creator.snapshot()
	if len(calls) != 2 {
		t.Fatalf("requests = %d", len(calls))
	}
	if calls[0].external != automation.ExternalID(task.ID, 1) || calls[1].external != automation.ExternalID(task.ID, 2) {
		t.Fatalf("external ids = %q, %q", calls[0].external, calls[1].external)
	}
	if calls[1].payload["nonce"] != uint64(2) {
		t.Fatalf("nonce = %v", calls[1].payload["nonce"])
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Nonce != 2 || got.Executions != 2 {
		t.Fatalf("task nonce/executions = %d/%d", got.Nonce, got.Executions)
	}
}

func TestPriceTriggerEvaluatedOncePerRound(t *testing.T) {
	store := memory.New()
	newTask(t, store, automation.Trigger{Type: automation.TriggerPrice, FeedID: "NEO/USD", Operator: ">", Threshold: 100})
	prices := testutil.NewStaticPriceSource()
	prices.Set("NEO/USD", 150)
	creator := newRecordingCreator(t, store)
	s := newScheduler(store, creator, prices, nil, nil)
	ctx := context.Background()

	s.Tick(ctx)
	s.Tick(ctx)
	if n := len(creator.snapshot()); n != 1 {
		t.Fatalf("same round fired %d times", n)
	}
	prices.Set("NEO/USD", 90)
	s.Tick(ctx)
	if n := len(creator.snapshot()); n != 1 {
		t.Fatal("fired below threshold")
	}
	prices.Set("NEO/USD", 120)
	s.Tick(ctx)
	if n := len(creator.snapshot()); n != 2 {
		t.Fatalf("new round above threshold: requests = %d", n)
	}
}

func TestCronTriggerResyncsWhenStale(t *testing.T) {
	store := memory.New()
	task := newTask(t, store, automation.Trigger{Type: automation.TriggerCron, Schedule: "*/5 * * * *"})
	creator := newRecordingCreator(t, store)
	s := newScheduler(store, creator, nil, nil, nil)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Tick(ctx)
	got, _ := store.GetTask(ctx, task.ID)
	if want := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC); !got.NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", got.NextRunAt, want)
	}

	s.now = func() time.Time { return base.Add(4*time.Minute + 10*time.Second) }
	if n := s.Tick(ctx); n != 1 {
		t.Fatalf("due cron fired %d", n)
	}

	// Missed by more than a minute: skip and resync.
	s.now = func() time.Time { return base.Add(20 * time.Minute) }
	if n := s.Tick(ctx); n != 0 {
		t.Fatalf("stale cron fired %d", n)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if want := time.Date(2026, 1, 1, 10, 25, 0, 0, time.UTC); !got.NextRunAt.Equal(want) {
		t.Fatalf("resynced next run = %v, want %v", got.NextRunAt, want)
	}
}

func TestBalanceEventAndScriptTriggers(t *testing.T) {
	acct, err := wallet.NewAccount()
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	store := memory.New()
	newTask(t, store, automation.Trigger{Type: automation.TriggerBalance, Account: acct.Address, Operator: "<", Threshold: 10})
	newTask(t, store, automation.Trigger{Type: automation.TriggerEvent, Contract: targetHash, Event: "Deposited"})
	newTask(t, store, automation.Trigger{Type: automation.TriggerScript, Account: acct.Address, Script: "balance < 10 && now > 0"})
	looping := newTask(t, store, automation.Trigger{Type: automation.TriggerScript, Script: "while (true) {}"})

	events := &fakeEvents{seen: true, tip: 42}
	creator := newRecordingCreator(t, store)
	s := newScheduler(store, creator, nil, fakeBalances{acct.Address: 5}, events)
	ctx := context.Background()

	if n := s.Tick(ctx); n != 3 {
		t.Fatalf("fired %d, want balance, event and script", n)
	}
	got, _ := store.GetTask(ctx, looping.ID)
	if got.Nonce != 0 {
		t.Fatal("interrupted script fired")
	}
	if n := s.Tick(ctx); n != 2 {
		t.Fatalf("second tick fired %d, want balance and script only", n)
	}
}

func TestDisabledAndExhaustedTasksDoNotFire(t *testing.T) {
	store := memory.New()
	svc := New(nil, store, logging.NewDiscard("automation"))
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, automation.Task{
		AccountID:     "acct-1",
		Target:        automation.Target{Contract: targetHash, Method: "ping"},
		Trigger:       automation.Trigger{Type: automation.TriggerInterval, Interval: time.Second},
		MaxExecutions: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	creator := newRecordingCreator(t, store)
	s := newScheduler(store, creator, nil, nil, nil)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	s.Tick(ctx)
	now = now.Add(time.Hour)
	s.Tick(ctx)
	if n := len(creator.snapshot()); n != 1 {
		t.Fatalf("exhausted task fired %d times", n)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Enabled {
		t.Fatal("exhausted task still enabled")
	}

	other := newTask(t, store, automation.Trigger{Type: automation.TriggerInterval, Interval: time.Second})
	if _, err := svc.DisableTask(ctx, "acct-1", other.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	s.Tick(ctx)
	if n := len(creator.snapshot()); n != 1 {
		t.Fatal("disabled task fired")
	}
}

func TestSchedulerLeaseBlocksSecondInstance(t *testing.T) {
	store := memory.New()
	newTask(t, store, automation.Trigger{Type: automation.TriggerInterval, Interval: time.Minute})
	locker := locks.NewMemoryLocker()
	lease, ok, err := locker.TryAcquire(context.Background(), "automation:scheduler", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	defer lease.Release(context.Background())

	creator := newRecordingCreator(t, store)
	s := NewScheduler(SchedulerConfig{Locker: locker, Logger: logging.NewDiscard("scheduler")}, store, creator, nil, nil, nil)
	if n := s.Tick(context.Background()); n != 0 {
		t.Fatalf("fired %d without the lease", n)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	store := memory.New()
	svc := New(testutil.NewMockAccountChecker("acct-1"), store, logging.NewDiscard("automation"))
	ctx := context.Background()
	target := automation.Target{Contract: targetHash, Method: "ping"}

	cases := map[string]automation.Task{
		"unknown account": {AccountID: "acct-x", Target: target, Trigger: automation.Trigger{Type: automation.TriggerInterval, Interval: time.Minute}},
		"bad cron":        {AccountID: "acct-1", Target: target, Trigger: automation.Trigger{Type: automation.TriggerCron, Schedule: "every day"}},
		"bad operator":    {AccountID: "acct-1", Target: target, Trigger: automation.Trigger{Type: automation.TriggerPrice, FeedID: "NEO/USD", Operator: "!="}},
		"bad script":      {AccountID: "acct-1", Target: target, Trigger: automation.Trigger{Type: automation.TriggerScript, Script: "return ("}},
		"bad contract":    {AccountID: "acct-1", Target: automation.Target{Contract: "nope", Method: "ping"}, Trigger: automation.Trigger{Type: automation.TriggerInterval, Interval: time.Minute}},
		"short interval":  {AccountID: "acct-1", Target: target, Trigger: automation.Trigger{Type: automation.TriggerInterval, Interval: time.Millisecond}},
		"bad arg":         {AccountID: "acct-1", Target: automation.Target{Contract: targetHash, Method: "ping", Args: []any{1.5}}, Trigger: automation.Trigger{Type: automation.TriggerInterval, Interval: time.Minute}},
	}
	for name, task := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.CreateTask(ctx, task); !errors.IsValidation(err) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}

	task, err := svc.CreateTask(ctx, automation.Task{AccountID: "acct-1", Name: "ping", Target: target,
		Trigger: automation.Trigger{Type: automation.TriggerInterval, Interval: time.Minute}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.GetTask(ctx, "acct-2", task.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("cross-account get err = %v", err)
	}
	if _, err := svc.CreateTask(ctx, automation.Task{AccountID: "acct-1", Name: "PING", Target: target,
		Trigger: automation.Trigger{Type: automation.TriggerInterval, Interval: time.Minute}}); err == nil {
		t.Fatal("duplicate task name accepted")
	}
}

type handlerFixture struct {
	inv     *testutil.FakeInvoker
	store   *memory.Memory
	handler *Handler
	req     *request.Request
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	acct, err := wallet.NewAccount()
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	inv := testutil.NewFakeInvoker()
	store := memory.New()
	anchor := chain.NewAutomationAnchor(inv, anchorHash, acct)
	h := NewHandler(anchor, inv, acct, store, nil, logging.NewDiscard("automation"))
	req := &request.Request{
		ID:          "req_auto",
		ServiceType: request.ServiceAutomation,
		Payload: map[string]any{
			"task_id":  "task-1",
			"nonce":    uint64(1),
			"contract": targetHash,
			"method":   "rebalance",
			"args":     []any{"pool-a", float64(3)},
		},
	}
	return &handlerFixture{inv: inv, store: store, handler: h, req: req}
}

func (f *handlerFixture) methods() []string {
	var out []string
	for _, c := range f.inv.Calls() {
		out = append(out, c.Method)
	}
	return out
}

func TestHandlerInvokesTargetAndAnchors(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	out, err := f.handler.ProcessRequest(ctx, f.req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := f.handler.FulfillRequest(ctx, f.req, out.Result); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	got := f.methods()
	if len(got) != 2 || got[0] != "rebalance" || got[1] != "markExecuted" {
		t.Fatalf("calls = %v", got)
	}
	exec, err := f.store.GetExecution(ctx, "task-1", 1)
	if err != nil || exec.TargetTx == "" || exec.AnchorTx == "" {
		t.Fatalf("execution = %+v, %v", exec, err)
	}
}

func TestHandlerSkipsAnchoredNonce(t *testing.T) {
	f := newHandlerFixture(t)
	f.inv.SetResult(anchorHash, "isNonceUsed", testutil.BoolItem(true))
	ctx := context.Background()

	out, err := f.handler.ProcessRequest(ctx, f.req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Result["already_executed"] != true {
		t.Fatalf("result = %v", out.Result)
	}
	if err := f.handler.FulfillRequest(ctx, f.req, out.Result); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if calls := f.methods(); len(calls) != 0 {
		t.Fatalf("signed calls = %v, want none", calls)
	}
}

func TestHandlerResumesFromCheckpoint(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	if _, err := f.handler.ProcessRequest(ctx, f.req); err != nil {
		t.Fatalf("process: %v", err)
	}
	out, err := f.handler.ProcessRequest(ctx, f.req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls := f.methods(); len(calls) != 1 {
		t.Fatalf("target invoked %d times", len(calls))
	}
	if out.Result["target_tx"] == "" {
		t.Fatal("resumed result lost the target tx")
	}
}

func TestUsedNonceFaultCountsAsDelivered(t *testing.T) {
	f := newHandlerFixture(t)
	f.inv.FailMethod("markExecuted", "nonce already used")
	ctx := context.Background()
	out, err := f.handler.ProcessRequest(ctx, f.req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := f.handler.FulfillRequest(ctx, f.req, out.Result); err != nil {
		t.Fatalf("fulfill with used nonce: %v", err)
	}
}

func TestTargetFaultIsChainSubmissionError(t *testing.T) {
	f := newHandlerFixture(t)
	f.inv.FailMethod("rebalance", "boom")
	_, err := f.handler.ProcessRequest(context.Background(), f.req)
	if !errors.IsChainSubmission(err) {
		t.Fatalf("err = %v, want chain submission", err)
	}
	if _, err := f.store.GetExecution(context.Background(), "task-1", 1); !errors.Is(err, errors.ErrNotFound) {
		t.Fatal("checkpoint written for a failed target call")
	}
}

// unconfirmedInvoker broadcasts the target but loses sight of it: the wait
// fails and the node does not report the transaction until confirm is called.
type unconfirmedInvoker struct {
	*testutil.FakeInvoker
	mu     sync.Mutex
	hidden map[string]bool
}

func (u *unconfirmedInvoker) InvokeFunctionWithSignerAndWait(ctx context.Context, contract, method string, params []chain.ContractParam, signer chain.TxSigner, scope transaction.WitnessScope, wait bool) (*chain.TxResult, error) {
	res, err := u.FakeInvoker.InvokeFunctionWithSignerAndWait(ctx, contract, method, params, signer, scope, wait)
	if err != nil || method != "rebalance" {
		return res, err
	}
	u.mu.Lock()
	u.hidden[res.TxHash] = true
	u.mu.Unlock()
	return &chain.TxResult{TxHash: res.TxHash}, fmt.Errorf("wait for %s execution: %w", method, context.DeadlineExceeded)
}

func (u *unconfirmedInvoker) GetApplicationLog(ctx context.Context, txHash string) (*chain.ApplicationLog, error) {
	u.mu.Lock()
	hidden := u.hidden[txHash]
	u.mu.Unlock()
	if hidden {
		return nil, &chain.RPCError{Code: -100, Message: "Unknown transaction"}
	}
	return u.FakeInvoker.GetApplicationLog(ctx, txHash)
}

func (u *unconfirmedInvoker) confirm() {
	u.mu.Lock()
	u.hidden = map[string]bool{}
	u.mu.Unlock()
}

func TestUnconfirmedTargetIsNotInvokedAgain(t *testing.T) {
	f := newHandlerFixture(t)
	inv := &unconfirmedInvoker{FakeInvoker: f.inv, hidden: map[string]bool{}}
	f.handler.inv = inv
	ctx := context.Background()

	_, err := f.handler.ProcessRequest(ctx, f.req)
	if !errors.IsChainSubmission(err) {
		t.Fatalf("err = %v, want chain submission", err)
	}
	exec, err := f.store.GetExecution(ctx, "task-1", 1)
	if err != nil || exec.TargetTx == "" {
		t.Fatalf("checkpoint = %+v, %v", exec, err)
	}

	if _, err := f.handler.ProcessRequest(ctx, f.req); !errors.IsRetryable(err) {
		t.Fatalf("retry while unconfirmed: %v", err)
	}
	if calls := f.methods(); len(calls) != 1 {
		t.Fatalf("target invoked %d times", len(calls))
	}

	inv.confirm()
	out, err := f.handler.ProcessRequest(ctx, f.req)
	if err != nil {
		t.Fatalf("retry after confirmation: %v", err)
	}
	if out.Result["target_tx"] != exec.TargetTx {
		t.Fatalf("target_tx = %v, want %s", out.Result["target_tx"], exec.TargetTx)
	}
	if calls := f.methods(); len(calls) != 1 {
		t.Fatalf("target invoked %d times", len(calls))
	}
}

func TestFaultedCheckpointInvokesAgain(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	acct, err := wallet.NewAccount()
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	f.inv.FailMethod("rebalance", "boom")
	res, _ := f.inv.InvokeFunctionWithSignerAndWait(ctx, targetHash, "rebalance", nil, acct, transaction.CalledByEntry, true)
	f.inv.FailMethod("rebalance", "")
	if err := f.store.SaveExecution(ctx, automation.Execution{TaskID: "task-1", Nonce: 1, RequestID: f.req.ID, TargetTx: res.TxHash}); err != nil {
		t.Fatal(err)
	}

	out, err := f.handler.ProcessRequest(ctx, f.req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Result["target_tx"] == res.TxHash {
		t.Fatal("faulted transaction reported as the execution")
	}
	if calls := f.methods(); len(calls) != 2 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestValidateRequest(t *testing.T) {
	f := newHandlerFixture(t)
	bad := f.req.Clone()
	bad.Payload["nonce"] = 0
	if err := f.handler.ValidateRequest(bad); !errors.IsValidation(err) {
		t.Fatalf("zero nonce: %v", err)
	}
	bad = f.req.Clone()
	bad.Payload["args"] = []any{[]int{1}}
	if err := f.handler.ValidateRequest(bad); !errors.IsValidation(err) {
		t.Fatalf("bad arg: %v", err)
	}
}
