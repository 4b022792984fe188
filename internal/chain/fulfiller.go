package chain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	stderrors "errors"
	"math/big"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/R3E-Network/request_router/internal/errors"
)

// ErrNonceUsed means the contract already accepted this nonce: the
// fulfillment or execution was delivered by an earlier attempt.
var ErrNonceUsed = stderrors.New("nonce already used")

// Fulfillment is one callback delivery.
type Fulfillment struct {
	RequestID string
	OnChainID *big.Int
	Contract  string
	Method    string
	Success   bool
	Result    []byte
	Error     string
}

// MessageSigner witnesses transactions and signs fulfillment messages with
// the same key. SignMessage signs sha256(msg).
type MessageSigner interface {
	TxSigner
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	PublicKey() *keys.PublicKey
}

// Fulfiller delivers results to callback contracts, signed by the router key.
type Fulfiller struct {
	inv           Invoker
	signer        MessageSigner
	defaultTarget string
	defaultMethod string
}

// NewFulfiller creates a fulfiller. defaultContract receives callbacks that
// do not name a contract.
func NewFulfiller(inv Invoker, signer MessageSigner, defaultContract string) *Fulfiller {
	return &Fulfiller{
		inv:           inv,
		signer:        signer,
		defaultTarget: defaultContract,
		defaultMethod: "fulfillRequest",
	}
}

// FulfillmentNonce is derived from the request id so every retry of the same
// delivery carries the same nonce and the contract can reject duplicates.
func FulfillmentNonce(requestID string) *big.Int {
	sum := sha256.Sum256([]byte("fulfill:" + requestID))
	return new(big.Int).SetUint64(binary.BigEndian.Uint64(sum[:8]))
}

// Message is the byte string the router key signs for f.
func (f Fulfillment) Message(nonce *big.Int) []byte {
	var msg []byte
	msg = append(msg, f.OnChainID.Bytes()...)
	if f.Success {
		msg = append(msg, 1)
	} else {
		msg = append(msg, 0)
	}
	msg = append(msg, f.Result...)
	msg = append(msg, []byte(f.Error)...)
	msg = append(msg, nonce.Bytes()...)
	return msg
}

// Fulfill submits f and waits for one confirmation. A used nonce returns
// ErrNonceUsed; other failures are chain submission errors.
func (fl *Fulfiller) Fulfill(ctx context.Context, f Fulfillment) (string, error) {
	contract := f.Contract
	if contract == "" {
		contract = fl.defaultTarget
	}
	method := f.Method
	if method == "" {
		method = fl.defaultMethod
	}
	if contract == "" {
		return "", errors.Validation("callback_hash", "no callback contract configured")
	}
	if f.OnChainID == nil {
		f.OnChainID = new(big.Int)
	}

	nonce := FulfillmentNonce(f.RequestID)
	signature, err := fl.signer.SignMessage(ctx, f.Message(nonce))
	if err != nil {
		return "", err
	}

	params := []ContractParam{
		NewIntegerParam(f.OnChainID),
		NewBoolParam(f.Success),
		NewByteArrayParam(f.Result),
		NewStringParam(f.Error),
		NewIntegerParam(nonce),
		NewByteArrayParam(signature),
	}
	res, err := fl.inv.InvokeFunctionWithSignerAndWait(ctx, contract, method, params, fl.signer, transaction.CalledByEntry, true)
	if err != nil {
		return txHashOf(res), classifySubmission("fulfill "+method, err)
	}
	return res.TxHash, nil
}

// PublicKey is the key contracts verify fulfillment signatures against.
func (fl *Fulfiller) PublicKey() *keys.PublicKey { return fl.signer.PublicKey() }

func txHashOf(res *TxResult) string {
	if res == nil {
		return ""
	}
	return res.TxHash
}

// classifySubmission maps a FAULT about a used nonce to ErrNonceUsed.
func classifySubmission(op string, err error) error {
	var fault *FaultError
	if errors.As(err, &fault) && isNonceFault(fault.Exception) {
		return ErrNonceUsed
	}
	return errors.ChainSubmission(op, err)
}

func isNonceFault(exception string) bool {
	e := strings.ToLower(exception)
	return strings.Contains(e, "nonce") && (strings.Contains(e, "used") || strings.Contains(e, "replay") || strings.Contains(e, "exists"))
}
