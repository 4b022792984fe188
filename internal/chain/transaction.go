package chain

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// TxSigner witnesses transactions. *wallet.Account satisfies it; so does a
// pool account whose key never leaves the confidential processor.
type TxSigner interface {
	ScriptHash() util.Uint160
	GetVerificationScript() []byte
	SignTx(net netmode.Magic, tx *transaction.Transaction) error
}

var _ TxSigner = (*wallet.Account)(nil)

// TxBuilder builds and signs transactions from test invocation results.
type TxBuilder struct {
	client   *Client
	magic    netmode.Magic
	extraFee int64
	blockBuf uint32
}

// NewTxBuilder creates a builder using the client's network magic.
func NewTxBuilder(client *Client) *TxBuilder {
	return &TxBuilder{
		client:   client,
		magic:    client.Magic(),
		extraFee: 100000, // 0.001 GAS
		blockBuf: 100,
	}
}

// BuildAndSignTx turns a HALTed simulation into a signed transaction.
func (b *TxBuilder) BuildAndSignTx(ctx context.Context, sim *InvokeResult, signer TxSigner, scope transaction.WitnessScope) (*transaction.Transaction, error) {
	script, err := decodeScript(sim.Script)
	if err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	systemFee, err := ParseGasValue(sim.GasConsumed)
	if err != nil {
		return nil, fmt.Errorf("parse system fee: %w", err)
	}

	height, err := b.client.GetBlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block count: %w", err)
	}
	if height > uint64(^uint32(0)-b.blockBuf) {
		return nil, fmt.Errorf("block height %d overflows uint32", height)
	}

	tx := transaction.New(script, systemFee)
	tx.ValidUntilBlock = uint32(height) + b.blockBuf
	tx.Nonce = rand.Uint32()
	tx.Signers = []transaction.Signer{{Account: signer.ScriptHash(), Scopes: scope}}
	tx.Scripts = []transaction.Witness{{VerificationScript: signer.GetVerificationScript()}}
	tx.NetworkFee = b.networkFee(ctx, tx) + b.extraFee

	if err := signer.SignTx(b.magic, tx); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// networkFee asks the node and falls back to a size based estimate.
func (b *TxBuilder) networkFee(ctx context.Context, tx *transaction.Transaction) int64 {
	raw := base64.StdEncoding.EncodeToString(tx.Bytes())
	result, err := b.client.Call(ctx, "calculatenetworkfee", []interface{}{raw})
	if err != nil {
		return estimateNetworkFee(tx)
	}
	var fee struct {
		NetworkFee json.Number `json:"networkfee"`
	}
	if err := json.Unmarshal(result, &fee); err != nil {
		return estimateNetworkFee(tx)
	}
	n, err := fee.NetworkFee.Int64()
	if err != nil {
		return estimateNetworkFee(tx)
	}
	return n
}

func estimateNetworkFee(tx *transaction.Transaction) int64 {
	return int64(len(tx.Bytes()))*1000 + 1000000
}

// Broadcast sends a signed transaction and returns its hash as 0x-prefixed LE hex.
func (b *TxBuilder) Broadcast(ctx context.Context, tx *transaction.Transaction) (string, error) {
	raw := base64.StdEncoding.EncodeToString(tx.Bytes())
	result, err := b.client.Call(ctx, "sendrawtransaction", []interface{}{raw})
	if err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}
	var resp struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || resp.Hash == "" {
		return "0x" + tx.Hash().StringLE(), nil
	}
	return resp.Hash, nil
}

func decodeScript(s string) ([]byte, error) {
	if script, err := base64.StdEncoding.DecodeString(s); err == nil {
		return script, nil
	}
	return hex.DecodeString(s)
}

// ParseGasValue converts a GAS amount to fractions. Nodes report either a
// decimal ("0.0123") or an integer string in fractions.
func ParseGasValue(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.Contains(s, ".") {
		return strconv.ParseInt(s, 10, 64)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, fmt.Errorf("invalid gas value %q", s)
	}
	r.Mul(r, big.NewRat(100000000, 1))
	n := new(big.Int).Quo(r.Num(), r.Denom())
	if !n.IsInt64() {
		return 0, fmt.Errorf("gas value %q overflows", s)
	}
	return n.Int64(), nil
}

// ParseScriptHash parses a 0x-prefixed little-endian script hash.
func ParseScriptHash(s string) (util.Uint160, error) {
	return util.Uint160DecodeStringLE(strings.TrimPrefix(s, "0x"))
}
