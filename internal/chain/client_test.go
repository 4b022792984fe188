package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/wallet"

	"github.com/R3E-Network/request_router/internal/errors"
)

// rpcStub answers JSON-RPC methods from a table of handlers.
type rpcStub struct {
	mu      sync.Mutex
	calls   map[string]int
	params  map[string][]json.RawMessage
	methods map[string]func(n int) (any, *RPCError)
}

func newRPCStub(t *testing.T, methods map[string]func(n int) (any, *RPCError)) (*Client, *rpcStub) {
	t.Helper()
	stub := &rpcStub{calls: map[string]int{}, params: map[string][]json.RawMessage{}, methods: methods}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int64             `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stub.mu.Lock()
		stub.calls[req.Method]++
		n := stub.calls[req.Method]
		stub.params[req.Method] = req.Params
		fn := stub.methods[req.Method]
		stub.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if fn == nil {
			resp["error"] = RPCError{Code: -32601, Message: "method not found"}
		} else if result, rpcErr := fn(n); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{RPCURL: srv.URL, NetworkID: 894710606})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, stub
}

func (s *rpcStub) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func newAccount(t *testing.T) *wallet.Account {
	t.Helper()
	pk, err := keys.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	return wallet.NewAccountFromPrivateKey(pk)
}

// accountSigner adapts a wallet account for fulfiller tests.
type accountSigner struct{ *wallet.Account }

func (a accountSigner) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	return a.Account.PrivateKey().Sign(msg), nil
}

func (a accountSigner) PublicKey() *keys.PublicKey { return a.Account.PrivateKey().PublicKey() }

func halt(stack ...StackItem) func(int) (any, *RPCError) {
	return func(int) (any, *RPCError) {
		return InvokeResult{Script: "EQ==", State: VMStateHalt, GasConsumed: "1000000", Stack: stack}, nil
	}
}

func appLog(state, exception string) func(int) (any, *RPCError) {
	return func(int) (any, *RPCError) {
		return ApplicationLog{TxID: "0x01", Executions: []Execution{{VMState: state, Exception: exception}}}, nil
	}
}

func txMethods(invoke, log func(int) (any, *RPCError)) map[string]func(int) (any, *RPCError) {
	return map[string]func(int) (any, *RPCError){
		"invokefunction":      invoke,
		"getblockcount":       func(int) (any, *RPCError) { return 1000, nil },
		"calculatenetworkfee": func(int) (any, *RPCError) { return map[string]string{"networkfee": "123456"}, nil },
		"sendrawtransaction":  func(int) (any, *RPCError) { return map[string]string{"hash": "0xabc"}, nil },
		"getapplicationlog":   log,
	}
}

func TestCallReturnsRPCError(t *testing.T) {
	client, _ := newRPCStub(t, nil)
	_, err := client.Call(context.Background(), "nosuchmethod", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected RPC error, got %v", err)
	}
}

func TestWaitForApplicationLogRetriesUnknownTx(t *testing.T) {
	client, stub := newRPCStub(t, map[string]func(int) (any, *RPCError){
		"getapplicationlog": func(n int) (any, *RPCError) {
			if n < 3 {
				return nil, &RPCError{Code: -100, Message: "Unknown transaction"}
			}
			return ApplicationLog{TxID: "0x01", Executions: []Execution{{VMState: VMStateHalt}}}, nil
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log, err := client.WaitForApplicationLog(ctx, "0x01", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if log.VMState() != VMStateHalt || stub.count("getapplicationlog") != 3 {
		t.Fatalf("state %s after %d polls", log.VMState(), stub.count("getapplicationlog"))
	}
}

func TestInvokeWithSignerBuildsSignsAndWaits(t *testing.T) {
	client, stub := newRPCStub(t, txMethods(halt(), appLog(VMStateHalt, "")))
	acct := newAccount(t)

	res, err := client.InvokeFunctionWithSignerAndWait(context.Background(), GasTokenHash, "transfer", nil, acct, 1, true)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.TxHash != "0xabc" || res.VMState != VMStateHalt {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, m := range []string{"invokefunction", "getblockcount", "calculatenetworkfee", "sendrawtransaction", "getapplicationlog"} {
		if stub.count(m) != 1 {
			t.Fatalf("%s called %d times", m, stub.count(m))
		}
	}
}

func TestInvokeWithSignerReportsFault(t *testing.T) {
	client, _ := newRPCStub(t, txMethods(halt(), appLog(VMStateFault, "insufficient funds")))
	res, err := client.InvokeFunctionWithSignerAndWait(context.Background(), GasTokenHash, "transfer", nil, newAccount(t), 1, true)
	var fault *FaultError
	if !errors.As(err, &fault) || fault.Exception != "insufficient funds" {
		t.Fatalf("expected fault, got %v", err)
	}
	if res == nil || res.TxHash != "0xabc" {
		t.Fatal("faulted execution should still report its hash")
	}
}

func TestFulfillmentNonceIsDeterministic(t *testing.T) {
	a := FulfillmentNonce("req_1")
	b := FulfillmentNonce("req_1")
	c := FulfillmentNonce("req_2")
	if a.Cmp(b) != 0 {
		t.Fatal("nonce differs between attempts")
	}
	if a.Cmp(c) == 0 {
		t.Fatal("distinct requests share a nonce")
	}
}

func TestFulfillMapsUsedNonce(t *testing.T) {
	client, _ := newRPCStub(t, txMethods(func(int) (any, *RPCError) {
		return InvokeResult{State: VMStateFault, Exception: "Nonce already used"}, nil
	}, appLog(VMStateHalt, "")))
	f := NewFulfiller(client, accountSigner{newAccount(t)}, "0x0102030405060708090a0b0c0d0e0f1011121314")

	_, err := f.Fulfill(context.Background(), Fulfillment{RequestID: "req_1", OnChainID: big.NewInt(7), Success: true, Result: []byte(`{}`)})
	if !errors.Is(err, ErrNonceUsed) {
		t.Fatalf("expected ErrNonceUsed, got %v", err)
	}
}

func TestFulfillOtherFaultIsChainSubmission(t *testing.T) {
	client, _ := newRPCStub(t, txMethods(func(int) (any, *RPCError) {
		return InvokeResult{State: VMStateFault, Exception: "callback reverted"}, nil
	}, appLog(VMStateHalt, "")))
	f := NewFulfiller(client, accountSigner{newAccount(t)}, "0x0102030405060708090a0b0c0d0e0f1011121314")

	_, err := f.Fulfill(context.Background(), Fulfillment{RequestID: "req_1", OnChainID: big.NewInt(7)})
	if !errors.IsChainSubmission(err) {
		t.Fatalf("expected chain submission error, got %v", err)
	}
}

func TestFulfillSignsVerifiableMessage(t *testing.T) {
	client, stub := newRPCStub(t, txMethods(halt(), appLog(VMStateHalt, "")))
	acct := newAccount(t)
	f := NewFulfiller(client, accountSigner{acct}, "0x0102030405060708090a0b0c0d0e0f1011121314")

	ful := Fulfillment{RequestID: "req_9", OnChainID: big.NewInt(9), Success: true, Result: []byte("ok")}
	if _, err := f.Fulfill(context.Background(), ful); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	stub.mu.Lock()
	raw := stub.params["invokefunction"][2]
	stub.mu.Unlock()
	var params []ContractParam
	if err := json.Unmarshal(raw, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params) != 6 {
		t.Fatalf("expected 6 params, got %d", len(params))
	}
	sigHex, _ := params[5].Value.(string)
	sig := mustHex(t, sigHex)
	if !f.PublicKey().Verify(sig, hashSHA256(ful.Message(FulfillmentNonce("req_9")))) {
		t.Fatal("signature does not verify")
	}
}

func TestAnchorIsNonceUsed(t *testing.T) {
	client, _ := newRPCStub(t, map[string]func(int) (any, *RPCError){
		"invokefunction": halt(StackItem{Type: "Boolean", Value: json.RawMessage(`true`)}),
	})
	anchor := NewAutomationAnchor(client, "0x0102030405060708090a0b0c0d0e0f1011121314", newAccount(t))
	used, err := anchor.IsNonceUsed(context.Background(), "task-1", 3)
	if err != nil || !used {
		t.Fatalf("IsNonceUsed = %v, %v", used, err)
	}
}

func TestParseGasValue(t *testing.T) {
	cases := map[string]int64{"": 0, "997775": 997775, "0.0123": 1230000, "1.5": 150000000}
	for in, want := range cases {
		got, err := ParseGasValue(in)
		if err != nil || got != want {
			t.Errorf("ParseGasValue(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
}

func TestParsers(t *testing.T) {
	n, err := ParseInteger(StackItem{Type: "Integer", Value: json.RawMessage(`"12345678901234567890"`)})
	if err != nil || n.String() != "12345678901234567890" {
		t.Fatalf("ParseInteger = %v, %v", n, err)
	}
	s, err := ParseString(StackItem{Type: "ByteString", Value: json.RawMessage(`"aGVsbG8="`)})
	if err != nil || s != "hello" {
		t.Fatalf("ParseString = %q, %v", s, err)
	}
	b, err := ParseBoolean(StackItem{Type: "Integer", Value: json.RawMessage(`"0"`)})
	if err != nil || b {
		t.Fatalf("ParseBoolean(0) = %v, %v", b, err)
	}
	items, err := ParseArray(StackItem{Type: "Array", Value: json.RawMessage(`[{"type":"Boolean","value":true}]`)})
	if err != nil || len(items) != 1 {
		t.Fatalf("ParseArray = %v, %v", items, err)
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	return b
}

func hashSHA256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
