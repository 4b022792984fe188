package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/request_router/internal/app/domain/ledger"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/poller"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/app/storage/memory"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
	"github.com/R3E-Network/request_router/pkg/testutil"
)

const depositTx = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func appLog(state, exception string) *chain.ApplicationLog {
	return &chain.ApplicationLog{TxID: depositTx, Executions: []chain.Execution{{VMState: state, Exception: exception}}}
}

func newSettlementPoller(t *testing.T, s *Settlement) *poller.Poller[ledger.Entry] {
	t.Helper()
	p, err := poller.New[ledger.Entry](poller.Config{
		Name:     "ledger",
		Interval: time.Hour,
		Logger:   logging.NewDiscard("poller"),
	}, s, s)
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	return p
}

func TestDepositBecomesAvailableOnceConfirmed(t *testing.T) {
	store := memory.New()
	inv := testutil.NewFakeInvoker()
	svc := New(store, false, logging.NewDiscard("ledger"))
	s := NewSettlement(SettlementConfig{ConfirmationTimeout: time.Minute}, store, inv, logging.NewDiscard("ledger"))
	p := newSettlementPoller(t, s)
	ctx := context.Background()

	e, err := svc.Deposit(ctx, "acct-1", 500, depositTx)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if n := p.Tick(ctx); n != 0 {
		t.Fatalf("unconfirmed deposit settled: %d", n)
	}
	bal, _ := svc.Balance(ctx, "acct-1")
	if bal.Available != 0 || bal.Pending != 500 {
		t.Fatalf("balance before confirmation = %+v", bal)
	}

	inv.SetApplicationLog(depositTx, appLog(chain.VMStateHalt, ""))
	s.now = func() time.Time { return time.Now().UTC().Add(time.Second) }
	// The first miss scheduled a retry; resolve directly to skip the wait.
	res, err := s.Resolve(ctx, e)
	if err != nil || !res.Done || !res.Success {
		t.Fatalf("resolve = %+v, %v", res, err)
	}
	if applied, err := s.Settle(ctx, e, res); err != nil || !applied {
		t.Fatalf("settle = %v, %v", applied, err)
	}
	if applied, _ := s.Settle(ctx, e, res); applied {
		t.Fatal("entry settled twice")
	}
	bal, _ = svc.Balance(ctx, "acct-1")
	if bal.Available != 500 || bal.Pending != 0 {
		t.Fatalf("balance after confirmation = %+v", bal)
	}
}

func TestFaultedAndTimedOutDeposits(t *testing.T) {
	store := memory.New()
	inv := testutil.NewFakeInvoker()
	svc := New(store, false, logging.NewDiscard("ledger"))
	s := NewSettlement(SettlementConfig{ConfirmationTimeout: time.Minute}, store, inv, logging.NewDiscard("ledger"))
	p := newSettlementPoller(t, s)
	ctx := context.Background()

	faulted, _ := svc.Deposit(ctx, "acct-1", 100, depositTx)
	inv.SetApplicationLog(depositTx, appLog(chain.VMStateFault, "insufficient funds"))
	lost, _ := svc.Deposit(ctx, "acct-1", 50, "0xmissing")

	if n := p.Tick(ctx); n != 1 {
		t.Fatalf("first tick settled %d", n)
	}
	got, _ := svc.Entry(ctx, faulted.ID)
	if got.Status != ledger.StatusFailed || got.Message != "transaction faulted: insufficient funds" {
		t.Fatalf("faulted entry = %+v", got)
	}

	res, _ := s.Resolve(ctx, lost)
	if res.Done {
		t.Fatal("fresh unknown tx resolved")
	}
	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	res, _ = s.Resolve(ctx, lost)
	if !res.Done || res.Success || res.Message != msgConfirmTimeout {
		t.Fatalf("timed out resolution = %+v", res)
	}

	bal, _ := svc.Balance(ctx, "acct-1")
	if bal.Available != 0 {
		t.Fatalf("failed deposits credited: %+v", bal)
	}
}

func TestCollectIsIdempotentAndChecksFunds(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	req := &request.Request{ID: "req_1", AccountID: "acct-1", Fee: 30}

	strict := New(store, true, logging.NewDiscard("ledger"))
	if _, err := strict.Collect(ctx, req); !errors.IsValidation(err) {
		t.Fatalf("unfunded fee err = %v", err)
	}

	svc := New(store, false, logging.NewDiscard("ledger"))
	id1, err := svc.Collect(ctx, req)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	id2, err := svc.Collect(ctx, req)
	if err != nil || id2 != id1 {
		t.Fatalf("second collect = %q, %v; want %q", id2, err, id1)
	}
	bal, _ := svc.Balance(ctx, "acct-1")
	if bal.Available != -30 || bal.Pending != 30 {
		t.Fatalf("balance = %+v", bal)
	}

	if _, err := svc.Collect(ctx, &request.Request{ID: "req_2", AccountID: "acct-1"}); !errors.IsValidation(err) {
		t.Fatalf("zero fee err = %v", err)
	}
}

func TestFailedFeeIsRefunded(t *testing.T) {
	store := memory.New()
	inv := testutil.NewFakeInvoker()
	svc := New(store, false, logging.NewDiscard("ledger"))
	s := NewSettlement(SettlementConfig{}, store, inv, logging.NewDiscard("ledger"))
	ctx := context.Background()

	inv.SetApplicationLog(depositTx, appLog(chain.VMStateFault, ""))
	id, err := svc.Collect(ctx, &request.Request{ID: "req_1", AccountID: "acct-1", Fee: 10, TxHash: depositTx})
	if err != nil {
		t.Fatal(err)
	}
	if n := newSettlementPoller(t, s).Tick(ctx); n != 1 {
		t.Fatalf("settled %d", n)
	}
	e, _ := svc.Entry(ctx, id)
	if e.Status != ledger.StatusFailed {
		t.Fatalf("fee status = %s", e.Status)
	}
	bal, _ := svc.Balance(ctx, "acct-1")
	if bal.Available != 0 || bal.Pending != 0 {
		t.Fatalf("fee not refunded: %+v", bal)
	}
}

type idleHandler struct{}

func (idleHandler) ServiceType() request.ServiceType { return request.ServiceRandomness }

func (idleHandler) ProcessRequest(context.Context, *request.Request) (router.Outcome, error) {
	return router.Deferred(), nil
}

func (idleHandler) FulfillRequest(context.Context, *request.Request, map[string]any) error {
	return nil
}

func TestRouterChargesFeeThroughLedger(t *testing.T) {
	store := memory.New()
	svc := New(store, true, logging.NewDiscard("ledger"))
	s := NewSettlement(SettlementConfig{}, store, testutil.NewFakeInvoker(), logging.NewDiscard("ledger"))
	ctx := context.Background()

	rt, err := router.New(router.Config{
		Store:    store,
		Logger:   logging.NewDiscard("router"),
		Handlers: []router.Handler{idleHandler{}},
		Fees:     svc,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := rt.CreateRequest(ctx, "acct-1", request.ServiceRandomness, map[string]any{}, router.WithFee(5)); !errors.IsValidation(err) {
		t.Fatalf("unfunded create err = %v", err)
	}

	e, _ := svc.Deposit(ctx, "acct-1", 20, depositTx)
	if applied, err := s.Settle(ctx, e, poller.Resolution{Done: true, Success: true}); err != nil || !applied {
		t.Fatalf("settle deposit: %v %v", applied, err)
	}

	req, err := rt.CreateRequest(ctx, "acct-1", request.ServiceRandomness, map[string]any{}, router.WithFee(5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.FeeID == "" {
		t.Fatal("fee id not recorded")
	}
	bal, _ := svc.Balance(ctx, "acct-1")
	if bal.Available != 15 || bal.Pending != 5 {
		t.Fatalf("balance = %+v", bal)
	}
}
