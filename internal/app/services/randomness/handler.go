// Package randomness answers randomness requests with words derived from a
// deterministic signature, so any holder of the public key can verify them.
package randomness

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/R3E-Network/request_router/internal/app/confidential"
	"github.com/R3E-Network/request_router/internal/app/domain/random"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/logging"
)

// KeyIndex is the processor account that signs randomness proofs.
const KeyIndex uint32 = 0

// Deliverer sends a result to the request's callback contract.
type Deliverer interface {
	Deliver(ctx context.Context, req *request.Request, result map[string]any) error
}

// Handler produces verifiable randomness.
type Handler struct {
	proc      confidential.Processor
	deliverer Deliverer
	log       *logging.Logger
}

var (
	_ router.Handler   = (*Handler)(nil)
	_ router.Validator = (*Handler)(nil)
)

// NewHandler creates the randomness handler. deliverer may be nil.
func NewHandler(proc confidential.Processor, deliverer Deliverer, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewDefault("randomness")
	}
	return &Handler{proc: proc, deliverer: deliverer, log: log}
}

func (h *Handler) ServiceType() request.ServiceType { return request.ServiceRandomness }

func (h *Handler) ValidateRequest(req *request.Request) error {
	_, err := random.ParsePayload(req.Payload)
	return err
}

// ProcessRequest signs the request-bound seed and expands the signature
// into the requested number of words.
func (h *Handler) ProcessRequest(ctx context.Context, req *request.Request) (router.Outcome, error) {
	p, err := random.ParsePayload(req.Payload)
	if err != nil {
		return router.Outcome{}, err
	}
	res, err := Generate(ctx, h.proc, req.ID, p)
	if err != nil {
		return router.Outcome{}, err
	}
	h.log.WithFields(map[string]interface{}{
		"request_id": req.ID,
		"num_words":  p.NumWords,
	}).Info("randomness generated")
	return router.Completed(res.Map()), nil
}

func (h *Handler) FulfillRequest(ctx context.Context, req *request.Request, result map[string]any) error {
	if h.deliverer == nil {
		return nil
	}
	return h.deliverer.Deliver(ctx, req, result)
}

// Generate computes the randomness of request id. The same processor,
// request and seed always give the same result.
func Generate(ctx context.Context, proc confidential.Processor, requestID string, p random.Payload) (random.Result, error) {
	sig, err := proc.Sign(ctx, KeyIndex, message(requestID, p))
	if err != nil {
		return random.Result{}, err
	}
	pub, err := proc.PublicKey(ctx, KeyIndex)
	if err != nil {
		return random.Result{}, err
	}
	return random.Result{
		Words:     expand(sig, p.NumWords),
		Proof:     hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(pub.Bytes()),
	}, nil
}

// Verify checks res against the request it claims to answer.
func Verify(requestID string, p random.Payload, res random.Result) error {
	pub, err := keys.NewPublicKeyFromString(res.PublicKey)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	sig, err := hex.DecodeString(res.Proof)
	if err != nil {
		return fmt.Errorf("proof: %w", err)
	}
	digest := sha256.Sum256(message(requestID, p))
	if !pub.Verify(sig, digest[:]) {
		return fmt.Errorf("proof does not verify")
	}
	words := expand(sig, p.NumWords)
	if len(words) != len(res.Words) {
		return fmt.Errorf("expected %d words, got %d", len(words), len(res.Words))
	}
	for i := range words {
		if words[i] != res.Words[i] {
			return fmt.Errorf("word %d does not match proof", i)
		}
	}
	return nil
}

func message(requestID string, p random.Payload) []byte {
	msg := []byte("rand:" + requestID)
	return append(msg, p.SeedBytes()...)
}

// expand derives word i as sha256(signature || uint32(i)).
func expand(sig []byte, n int) []string {
	words := make([]string, n)
	buf := make([]byte, len(sig)+4)
	copy(buf, sig)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint32(buf[len(sig):], uint32(i))
		sum := sha256.Sum256(buf)
		words[i] = hex.EncodeToString(sum[:])
	}
	return words
}
