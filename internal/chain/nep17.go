package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
)

// Native token hashes (little-endian, as used in RPC).
const (
	GasTokenHash = "0xd2a4cff31913016155e38e474a2c06d08be276cf"
	NeoTokenHash = "0xef4073a0f2b305a38ec4050e4d3d28bc40ea63f5"
)

// ErrTransferRejected means the transfer executed but returned false.
var ErrTransferRejected = stderrors.New("transfer rejected")

// NEP17 reads balances and moves NEP-17 tokens.
type NEP17 struct {
	inv Invoker
}

// NewNEP17 creates a token helper over inv.
func NewNEP17(inv Invoker) *NEP17 { return &NEP17{inv: inv} }

// BalanceOf returns the balance of a Neo address in token fractions.
func (n *NEP17) BalanceOf(ctx context.Context, token, addr string) (*big.Int, error) {
	h, err := address.StringToUint160(addr)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: address %q: %w", addr, err)
	}
	return InvokeInt(ctx, n.inv, token, "balanceOf", NewHash160Param("0x"+h.StringLE()))
}

// Transfer sends amount from the signer's account to addr and waits for one
// confirmation. The returned hash is set even when the execution faulted.
func (n *NEP17) Transfer(ctx context.Context, signer TxSigner, token, to string, amount int64) (string, error) {
	toHash, err := address.StringToUint160(to)
	if err != nil {
		return "", fmt.Errorf("transfer: address %q: %w", to, err)
	}
	params := []ContractParam{
		NewHash160Param("0x" + signer.ScriptHash().StringLE()),
		NewHash160Param("0x" + toHash.StringLE()),
		NewIntegerParam(big.NewInt(amount)),
		{Type: "Any", Value: nil},
	}
	res, err := n.inv.InvokeFunctionWithSignerAndWait(ctx, token, "transfer", params, signer, transaction.CalledByEntry, true)
	if err != nil {
		return txHashOf(res), err
	}
	if !transferSucceeded(res) {
		return res.TxHash, fmt.Errorf("%w in %s", ErrTransferRejected, res.TxHash)
	}
	return res.TxHash, nil
}

func transferSucceeded(res *TxResult) bool {
	if res.AppLog == nil || len(res.AppLog.Executions) == 0 {
		return true
	}
	stack := res.AppLog.Executions[0].Stack
	if len(stack) == 0 {
		return true
	}
	ok, err := ParseBoolean(stack[0])
	return err == nil && ok
}

// TransferApplied reports whether log records a halted transfer that
// returned true.
func TransferApplied(log *ApplicationLog) bool {
	if log.VMState() != VMStateHalt {
		return false
	}
	return transferSucceeded(&TxResult{AppLog: log})
}
