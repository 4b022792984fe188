package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
)

// DefaultTxWaitTimeout bounds waiting for a transaction to be included.
const DefaultTxWaitTimeout = 2 * time.Minute

// DefaultPollInterval is the application log polling interval.
const DefaultPollInterval = 2 * time.Second

// Invoker is the chain surface handlers depend on.
type Invoker interface {
	InvokeFunction(ctx context.Context, contract, method string, params []ContractParam) (*InvokeResult, error)
	InvokeFunctionWithSignerAndWait(ctx context.Context, contract, method string, params []ContractParam, signer TxSigner, scope transaction.WitnessScope, wait bool) (*TxResult, error)
	GetApplicationLog(ctx context.Context, txHash string) (*ApplicationLog, error)
	GetBlockCount(ctx context.Context) (uint64, error)
}

var _ Invoker = (*Client)(nil)

// FaultError reports a simulation or execution that ended in FAULT.
type FaultError struct {
	Method    string
	TxHash    string
	Exception string
}

func (e *FaultError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s faulted in %s: %s", e.Method, e.TxHash, e.Exception)
	}
	return fmt.Sprintf("%s simulation faulted: %s", e.Method, e.Exception)
}

// InvokeFunction runs a read-only test invocation.
func (c *Client) InvokeFunction(ctx context.Context, contract, method string, params []ContractParam) (*InvokeResult, error) {
	return c.invoke(ctx, []interface{}{contract, method, nonNilParams(params)})
}

// InvokeFunctionWithSigners runs a test invocation witnessed by signer, which
// yields an accurate script and gas estimate for a real transaction.
func (c *Client) InvokeFunctionWithSigners(ctx context.Context, contract, method string, params []ContractParam, signer TxSigner) (*InvokeResult, error) {
	signers := []Signer{{Account: "0x" + signer.ScriptHash().StringLE(), Scopes: ScopeCalledByEntry}}
	return c.invoke(ctx, []interface{}{contract, method, nonNilParams(params), signers})
}

func (c *Client) invoke(ctx context.Context, args []interface{}) (*InvokeResult, error) {
	result, err := c.Call(ctx, "invokefunction", args)
	if err != nil {
		return nil, err
	}
	var out InvokeResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func nonNilParams(params []ContractParam) []ContractParam {
	if params == nil {
		return []ContractParam{}
	}
	return params
}

// WaitForApplicationLog polls until the log exists or ctx is done. Unknown
// transactions are treated as not yet included.
func (c *Client) WaitForApplicationLog(ctx context.Context, txHash string, pollInterval time.Duration) (*ApplicationLog, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		log, err := c.GetApplicationLog(ctx, txHash)
		if err == nil {
			return log, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// InvokeFunctionWithSignerAndWait simulates, builds, signs and broadcasts a
// transaction. With wait it blocks for one confirmation and reports a FAULT
// execution as *FaultError alongside the result.
func (c *Client) InvokeFunctionWithSignerAndWait(
	ctx context.Context,
	contract, method string,
	params []ContractParam,
	signer TxSigner,
	scope transaction.WitnessScope,
	wait bool,
) (*TxResult, error) {
	sim, err := c.InvokeFunctionWithSigners(ctx, contract, method, params, signer)
	if err != nil {
		return nil, fmt.Errorf("simulate %s: %w", method, err)
	}
	if sim.State != VMStateHalt {
		return nil, &FaultError{Method: method, Exception: sim.Exception}
	}

	builder := NewTxBuilder(c)
	tx, err := builder.BuildAndSignTx(ctx, sim, signer, scope)
	if err != nil {
		return nil, fmt.Errorf("build transaction for %s: %w", method, err)
	}
	txHash, err := builder.Broadcast(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", method, err)
	}

	result := &TxResult{TxHash: txHash, VMState: sim.State}
	if !wait {
		return result, nil
	}

	wctx, cancel := context.WithTimeout(ctx, DefaultTxWaitTimeout)
	defer cancel()
	log, err := c.WaitForApplicationLog(wctx, txHash, DefaultPollInterval)
	if err != nil {
		return result, fmt.Errorf("wait for %s execution: %w", method, err)
	}
	result.AppLog = log
	result.VMState = log.VMState()
	if result.VMState == VMStateFault {
		return result, &FaultError{Method: method, TxHash: txHash, Exception: log.Exception()}
	}
	return result, nil
}

func firstStackItem(method string, res *InvokeResult) (StackItem, error) {
	if res == nil {
		return StackItem{}, fmt.Errorf("%s: empty result", method)
	}
	if res.State != VMStateHalt {
		return StackItem{}, &FaultError{Method: method, Exception: res.Exception}
	}
	if len(res.Stack) == 0 {
		return StackItem{}, fmt.Errorf("%s: empty stack", method)
	}
	return res.Stack[0], nil
}

// InvokeBool invokes a read-only method returning a Boolean.
func InvokeBool(ctx context.Context, inv Invoker, contract, method string, params ...ContractParam) (bool, error) {
	res, err := inv.InvokeFunction(ctx, contract, method, params)
	if err != nil {
		return false, fmt.Errorf("%s: %w", method, err)
	}
	item, err := firstStackItem(method, res)
	if err != nil {
		return false, err
	}
	return ParseBoolean(item)
}

// InvokeInt invokes a read-only method returning an Integer.
func InvokeInt(ctx context.Context, inv Invoker, contract, method string, params ...ContractParam) (*big.Int, error) {
	res, err := inv.InvokeFunction(ctx, contract, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	item, err := firstStackItem(method, res)
	if err != nil {
		return nil, err
	}
	return ParseInteger(item)
}
