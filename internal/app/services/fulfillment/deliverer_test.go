package fulfillment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/storage/memory"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

type fakeFulfiller struct {
	got []chain.Fulfillment
	err error
}

func (f *fakeFulfiller) Fulfill(_ context.Context, ful chain.Fulfillment) (string, error) {
	f.got = append(f.got, ful)
	if f.err != nil {
		return "", f.err
	}
	return "0xfeed", nil
}

func seed(t *testing.T, store *memory.Memory, callback string) *request.Request {
	t.Helper()
	now := time.Now().UTC()
	req := &request.Request{
		ID: "req_1", ExternalID: "77", AccountID: "acct", ServiceType: request.ServiceRandomness,
		Status: request.StatusPending, CallbackHash: callback, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	req.Status = request.StatusRunning
	req.Attempts = 1
	if err := store.Update(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	return req
}

func TestDeliverWithoutCallbackIsNoop(t *testing.T) {
	f := &fakeFulfiller{}
	d := NewDeliverer(f, memory.New(), logging.NewDiscard("t"))
	if err := d.Deliver(context.Background(), &request.Request{ID: "req_1"}, map[string]any{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if len(f.got) != 0 {
		t.Fatal("fulfiller called without callback")
	}
}

func TestDeliverSuccessRecordsTx(t *testing.T) {
	store := memory.New()
	req := seed(t, store, "0x0102030405060708090a0b0c0d0e0f1011121314:onRandom")
	f := &fakeFulfiller{}
	d := NewDeliverer(f, store, logging.NewDiscard("t"))

	if err := d.Deliver(context.Background(), req, map[string]any{"value": "1"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got := f.got[0]
	if !got.Success || got.Method != "onRandom" || got.OnChainID.Int64() != 77 {
		t.Fatalf("unexpected fulfillment %+v", got)
	}
	var decoded map[string]any
	if err := json.Unmarshal(got.Result, &decoded); err != nil || decoded["value"] != "1" {
		t.Fatalf("result bytes %s", got.Result)
	}
	stored, _ := store.Get(context.Background(), req.ID)
	if stored.Metadata[MetaFulfillmentTx] != "0xfeed" {
		t.Fatalf("metadata %v", stored.Metadata)
	}
}

func TestDeliverFailureCarriesSanitizedError(t *testing.T) {
	store := memory.New()
	req := seed(t, store, "0x0102030405060708090a0b0c0d0e0f1011121314")
	req.Status = request.StatusFailed
	req.Error = "SVC_5007: handler failed"
	f := &fakeFulfiller{}
	d := NewDeliverer(f, store, logging.NewDiscard("t"))

	if err := d.Deliver(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}
	if f.got[0].Success || f.got[0].Error != req.Error || f.got[0].Result != nil {
		t.Fatalf("unexpected failure fulfillment %+v", f.got[0])
	}
}

func TestDeliverUsedNonceCountsAsDelivered(t *testing.T) {
	store := memory.New()
	req := seed(t, store, "0x01")
	d := NewDeliverer(&fakeFulfiller{err: chain.ErrNonceUsed}, store, logging.NewDiscard("t"))
	if err := d.Deliver(context.Background(), req, map[string]any{}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestDeliverWithoutChainRejectsCallback(t *testing.T) {
	d := NewDeliverer(nil, memory.New(), logging.NewDiscard("t"))
	err := d.Deliver(context.Background(), &request.Request{ID: "req_1", CallbackHash: "0x01"}, map[string]any{})
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
