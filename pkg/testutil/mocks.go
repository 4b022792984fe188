// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/request_router/internal/app/domain/datafeed"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/errors"
)

// MockAccountChecker is a test implementation of the router's AccountChecker.
type MockAccountChecker struct {
	mu       sync.RWMutex
	accounts map[string]struct{}
}

// NewMockAccountChecker creates a new mock account checker with the given account IDs.
func NewMockAccountChecker(accountIDs ...string) *MockAccountChecker {
	m := &MockAccountChecker{accounts: make(map[string]struct{})}
	for _, id := range accountIDs {
		m.accounts[id] = struct{}{}
	}
	return m
}

// AddAccount adds an account to the mock checker.
func (m *MockAccountChecker) AddAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = struct{}{}
}

// AccountExists returns a validation error for unknown accounts.
func (m *MockAccountChecker) AccountExists(_ context.Context, accountID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[accountID]; !ok {
		return errors.Validation("account_id", "account not found: "+accountID)
	}
	return nil
}

// StaticPriceSource serves fixed quotes keyed by feed id.
type StaticPriceSource struct {
	mu     sync.RWMutex
	quotes map[string]datafeed.Quote
}

// NewStaticPriceSource creates an empty price source.
func NewStaticPriceSource() *StaticPriceSource {
	return &StaticPriceSource{quotes: make(map[string]datafeed.Quote)}
}

// Set publishes price for feedID as a new round.
func (s *StaticPriceSource) Set(feedID string, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quotes[feedID]
	s.quotes[feedID] = datafeed.Quote{FeedID: feedID, Price: price, Round: q.Round + 1, Timestamp: time.Now().UTC()}
}

// Price returns the latest quote of feedID.
func (s *StaticPriceSource) Price(_ context.Context, feedID string) (datafeed.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[feedID]
	if !ok {
		return datafeed.Quote{}, errors.NotFound("feed", feedID)
	}
	return q, nil
}

// FakeCall records one signed invocation sent to a FakeInvoker.
type FakeCall struct {
	Contract string
	Method   string
	Params   []chain.ContractParam
	Signer   util.Uint160
	TxHash   string
}

// Transfer is a NEP-17 transfer observed by a FakeInvoker.
type Transfer struct {
	Token  string
	From   string
	To     string
	Amount int64
	TxHash string
}

// FakeInvoker is a scripted chain. Read calls return configured stack items,
// NEP-17 balances are tracked per token and address, and signed invocations
// are recorded and confirmed immediately.
type FakeInvoker struct {
	mu        sync.Mutex
	balances  map[string]*big.Int
	results   map[string][]chain.StackItem
	faults    map[string]string
	logs      map[string]*chain.ApplicationLog
	calls     []FakeCall
	transfers []Transfer
	height    uint64
	seq       int
}

var _ chain.Invoker = (*FakeInvoker)(nil)

// NewFakeInvoker creates an empty scripted chain.
func NewFakeInvoker() *FakeInvoker {
	return &FakeInvoker{
		balances: make(map[string]*big.Int),
		results:  make(map[string][]chain.StackItem),
		faults:   make(map[string]string),
		logs:     make(map[string]*chain.ApplicationLog),
		height:   1000,
	}
}

func balanceKey(token, addr string) string { return strings.ToLower(token) + "|" + addr }

// SetBalance sets the token balance of a Neo address.
func (f *FakeInvoker) SetBalance(token, addr string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balanceKey(token, addr)] = big.NewInt(amount)
}

// Balance returns the token balance of a Neo address.
func (f *FakeInvoker) Balance(token, addr string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[balanceKey(token, addr)]; ok {
		return b.Int64()
	}
	return 0
}

// SetResult scripts the stack returned by read calls to contract.method.
func (f *FakeInvoker) SetResult(contract, method string, stack ...chain.StackItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[contract+"."+method] = stack
}

// FailMethod makes signed invocations of method fault with exception.
// An empty exception clears the fault.
func (f *FakeInvoker) FailMethod(method, exception string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exception == "" {
		delete(f.faults, method)
		return
	}
	f.faults[method] = exception
}

// SetApplicationLog scripts the log returned for txHash.
func (f *FakeInvoker) SetApplicationLog(txHash string, log *chain.ApplicationLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[txHash] = log
}

// Calls returns the signed invocations seen so far.
func (f *FakeInvoker) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// Transfers returns the successful NEP-17 transfers seen so far.
func (f *FakeInvoker) Transfers() []Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transfer(nil), f.transfers...)
}

// BoolItem and IntItem build stack items for SetResult.
func BoolItem(v bool) chain.StackItem {
	return chain.StackItem{Type: "Boolean", Value: json.RawMessage(fmt.Sprintf("%t", v))}
}

func IntItem(v int64) chain.StackItem {
	return chain.StackItem{Type: "Integer", Value: json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(v)))}
}

func (f *FakeInvoker) InvokeFunction(_ context.Context, contract, method string, params []chain.ContractParam) (*chain.InvokeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if method == "balanceOf" && len(params) == 1 {
		addr, err := paramAddress(params[0])
		if err != nil {
			return nil, err
		}
		bal := f.balances[balanceKey(contract, addr)]
		if bal == nil {
			bal = new(big.Int)
		}
		return halt(IntItem(bal.Int64())), nil
	}
	if stack, ok := f.results[contract+"."+method]; ok {
		return halt(stack...), nil
	}
	return halt(BoolItem(false)), nil
}

func (f *FakeInvoker) InvokeFunctionWithSignerAndWait(_ context.Context, contract, method string, params []chain.ContractParam, signer chain.TxSigner, _ transaction.WitnessScope, _ bool) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	txHash := fmt.Sprintf("0x%064x", f.seq)
	f.calls = append(f.calls, FakeCall{Contract: contract, Method: method, Params: params, Signer: signer.ScriptHash(), TxHash: txHash})

	if exception, ok := f.faults[method]; ok {
		log := &chain.ApplicationLog{TxID: txHash, Executions: []chain.Execution{{VMState: chain.VMStateFault, Exception: exception}}}
		f.logs[txHash] = log
		return &chain.TxResult{TxHash: txHash, VMState: chain.VMStateFault, AppLog: log}, &chain.FaultError{Method: method, TxHash: txHash, Exception: exception}
	}

	ok := true
	if method == "transfer" {
		ok = f.transfer(contract, signer, params, txHash)
	}
	log := &chain.ApplicationLog{TxID: txHash, Executions: []chain.Execution{{VMState: chain.VMStateHalt, Stack: []chain.StackItem{BoolItem(ok)}}}}
	f.logs[txHash] = log
	return &chain.TxResult{TxHash: txHash, VMState: chain.VMStateHalt, AppLog: log}, nil
}

// transfer moves funds when the sender holds enough; the caller holds f.mu.
func (f *FakeInvoker) transfer(token string, signer chain.TxSigner, params []chain.ContractParam, txHash string) bool {
	if len(params) < 3 {
		return false
	}
	to, err := paramAddress(params[1])
	if err != nil {
		return false
	}
	amount, ok := new(big.Int).SetString(fmt.Sprint(params[2].Value), 10)
	if !ok {
		return false
	}
	from := address.Uint160ToString(signer.ScriptHash())
	fromBal := f.balances[balanceKey(token, from)]
	if fromBal == nil || fromBal.Cmp(amount) < 0 {
		return false
	}
	fromBal.Sub(fromBal, amount)
	toBal := f.balances[balanceKey(token, to)]
	if toBal == nil {
		toBal = new(big.Int)
		f.balances[balanceKey(token, to)] = toBal
	}
	toBal.Add(toBal, amount)
	f.transfers = append(f.transfers, Transfer{Token: token, From: from, To: to, Amount: amount.Int64(), TxHash: txHash})
	return true
}

func (f *FakeInvoker) GetApplicationLog(_ context.Context, txHash string) (*chain.ApplicationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if log, ok := f.logs[txHash]; ok {
		return log, nil
	}
	return nil, &chain.RPCError{Code: -100, Message: "Unknown transaction"}
}

func (f *FakeInvoker) GetBlockCount(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func halt(stack ...chain.StackItem) *chain.InvokeResult {
	return &chain.InvokeResult{State: chain.VMStateHalt, Stack: stack}
}

func paramAddress(p chain.ContractParam) (string, error) {
	s, _ := p.Value.(string)
	h, err := util.Uint160DecodeStringLE(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return "", fmt.Errorf("param %v is not a script hash: %w", p.Value, err)
	}
	return address.Uint160ToString(h), nil
}

// GenerateID generates a new UUID string.
func GenerateID() string {
	return uuid.New().String()
}

// Now returns the current UTC time.
func Now() time.Time {
	return time.Now().UTC()
}
