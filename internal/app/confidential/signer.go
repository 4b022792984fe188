package confidential

import (
	"context"
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/vm/opcode"

	"github.com/R3E-Network/request_router/internal/chain"
)

// TxSigner witnesses transactions for one derived account. The private key
// stays in the processor; only signatures cross the boundary.
type TxSigner struct {
	proc  Processor
	index uint32
	pub   *keys.PublicKey
	ctx   context.Context
}

var _ chain.MessageSigner = (*TxSigner)(nil)

// NewTxSigner binds account index of proc as a transaction signer. ctx bounds
// the signing calls made by SignTx.
func NewTxSigner(ctx context.Context, proc Processor, index uint32) (*TxSigner, error) {
	pub, err := proc.PublicKey(ctx, index)
	if err != nil {
		return nil, err
	}
	return &TxSigner{proc: proc, index: index, pub: pub, ctx: ctx}, nil
}

func (s *TxSigner) ScriptHash() util.Uint160 { return s.pub.GetScriptHash() }

func (s *TxSigner) GetVerificationScript() []byte { return s.pub.GetVerificationScript() }

func (s *TxSigner) PublicKey() *keys.PublicKey { return s.pub }

// SignMessage signs sha256(msg) with the bound account inside the processor.
func (s *TxSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return s.proc.Sign(ctx, s.index, msg)
}

// Address is the Neo N3 address of the signing account.
func (s *TxSigner) Address() string { return s.pub.Address() }

// SignTx fills the witness that belongs to this signer.
func (s *TxSigner) SignTx(net netmode.Magic, tx *transaction.Transaction) error {
	pos := -1
	for i := range tx.Signers {
		if tx.Signers[i].Account.Equals(s.ScriptHash()) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("transaction has no signer %s", s.ScriptHash().StringLE())
	}
	for len(tx.Scripts) <= pos {
		tx.Scripts = append(tx.Scripts, transaction.Witness{})
	}

	sig, err := s.proc.Sign(s.ctx, s.index, hash.GetSignedData(uint32(net), tx))
	if err != nil {
		return err
	}
	invocation := append([]byte{byte(opcode.PUSHDATA1), byte(len(sig))}, sig...)
	tx.Scripts[pos].InvocationScript = invocation
	tx.Scripts[pos].VerificationScript = s.GetVerificationScript()
	return nil
}
