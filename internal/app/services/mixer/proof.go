package mixer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/R3E-Network/request_router/internal/app/confidential"
	"github.com/R3E-Network/request_router/internal/app/domain/mixer"
	"github.com/R3E-Network/request_router/internal/errors"
)

// LinkageProof binds the input of a mix to its settled outputs without
// revealing which pool account paid which target.
type LinkageProof struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	InputHash  string    `json:"input_hash"`
	OutputHash string    `json:"output_hash"`
	Signature  string    `json:"signature"`
	PublicKey  string    `json:"public_key"`
	CreatedAt  time.Time `json:"created_at"`
}

func inputHash(requestID string, p mixer.Payload) []byte {
	h := sha256.New()
	h.Write([]byte(requestID))
	h.Write([]byte{0})
	h.Write([]byte(p.Source))
	h.Write([]byte{0})
	_ = binary.Write(h, binary.BigEndian, p.Amount)
	return h.Sum(nil)
}

// outputHash covers target addresses, amounts and tx hashes in target order.
func outputHash(payouts []mixer.Payout) []byte {
	sorted := append([]mixer.Payout(nil), payouts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TargetIndex < sorted[j].TargetIndex })
	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p.Address))
		h.Write([]byte{0})
		_ = binary.Write(h, binary.BigEndian, p.Amount)
		h.Write([]byte(p.TxHash))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// BuildProof signs the input and output hashes with the proof key.
func BuildProof(ctx context.Context, proc confidential.Processor, requestID string, p mixer.Payload, payouts []mixer.Payout, now time.Time) (LinkageProof, error) {
	in := inputHash(requestID, p)
	out := outputHash(payouts)
	msg := append(append([]byte{}, in...), out...)

	sig, err := proc.Sign(ctx, proofKeyIndex, msg)
	if err != nil {
		return LinkageProof{}, err
	}
	pub, err := proc.PublicKey(ctx, proofKeyIndex)
	if err != nil {
		return LinkageProof{}, err
	}
	id := sha256.Sum256(msg)
	return LinkageProof{
		ID:         base58.Encode(id[:]),
		RequestID:  requestID,
		InputHash:  hex.EncodeToString(in),
		OutputHash: hex.EncodeToString(out),
		Signature:  hex.EncodeToString(sig),
		PublicKey:  hex.EncodeToString(pub.Bytes()),
		CreatedAt:  now,
	}, nil
}

// VerifyProof checks the proof signature and that it matches the given
// input and outputs.
func VerifyProof(proof LinkageProof, p mixer.Payload, payouts []mixer.Payout) error {
	in := inputHash(proof.RequestID, p)
	out := outputHash(payouts)
	if hex.EncodeToString(in) != proof.InputHash || hex.EncodeToString(out) != proof.OutputHash {
		return errors.Validation("linkage_proof", "hash mismatch")
	}
	pub, err := keys.NewPublicKeyFromString(proof.PublicKey)
	if err != nil {
		return errors.Validation("linkage_proof", "bad public key")
	}
	sig, err := hex.DecodeString(proof.Signature)
	if err != nil {
		return errors.Validation("linkage_proof", "bad signature")
	}
	digest := sha256.Sum256(append(in, out...))
	if !pub.Verify(sig, digest[:]) {
		return errors.Validation("linkage_proof", "signature does not verify")
	}
	if base58.Encode(digest[:]) != proof.ID {
		return errors.Validation("linkage_proof", "id mismatch")
	}
	return nil
}

// proofResult shapes the proof for a request result map.
func proofResult(p LinkageProof) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"input_hash":  p.InputHash,
		"output_hash": p.OutputHash,
		"signature":   p.Signature,
		"public_key":  p.PublicKey,
	}
}
