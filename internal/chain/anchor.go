package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// AutomationAnchor records automation executions on chain so a nonce is
// executed at most once.
type AutomationAnchor struct {
	inv    Invoker
	hash   string
	signer TxSigner
}

// NewAutomationAnchor binds the anchor contract at hash. signer must be the
// updater registered in the contract.
func NewAutomationAnchor(inv Invoker, hash string, signer TxSigner) *AutomationAnchor {
	return &AutomationAnchor{inv: inv, hash: hash, signer: signer}
}

// IsNonceUsed reports whether nonce was already marked for taskID.
func (a *AutomationAnchor) IsNonceUsed(ctx context.Context, taskID string, nonce uint64) (bool, error) {
	if a.hash == "" {
		return false, fmt.Errorf("automation anchor: contract address not configured")
	}
	return InvokeBool(ctx, a.inv, a.hash, "isNonceUsed",
		NewByteArrayParam([]byte(taskID)),
		NewIntegerParam(new(big.Int).SetUint64(nonce)),
	)
}

// MarkExecuted records that nonce of taskID ran in txHash. A nonce the
// contract already holds returns ErrNonceUsed.
func (a *AutomationAnchor) MarkExecuted(ctx context.Context, taskID string, nonce uint64, txHash string) (string, error) {
	if a.hash == "" {
		return "", fmt.Errorf("automation anchor: contract address not configured")
	}
	if a.signer == nil {
		return "", fmt.Errorf("automation anchor: signer not configured")
	}
	h, err := util.Uint256DecodeStringLE(strings.TrimPrefix(txHash, "0x"))
	if err != nil {
		return "", fmt.Errorf("automation anchor: tx hash: %w", err)
	}
	params := []ContractParam{
		NewByteArrayParam([]byte(taskID)),
		NewIntegerParam(new(big.Int).SetUint64(nonce)),
		NewByteArrayParam(h.BytesBE()),
	}
	res, err := a.inv.InvokeFunctionWithSignerAndWait(ctx, a.hash, "markExecuted", params, a.signer, transaction.CalledByEntry, true)
	if err != nil {
		return txHashOf(res), classifySubmission("markExecuted", err)
	}
	return res.TxHash, nil
}
