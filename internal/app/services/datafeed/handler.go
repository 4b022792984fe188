package datafeed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/R3E-Network/request_router/internal/app/confidential"
	"github.com/R3E-Network/request_router/internal/app/domain/datafeed"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// KeyIndex is the processor account that signs quotes.
const KeyIndex uint32 = 0

// Deliverer sends a result to the request's callback contract.
type Deliverer interface {
	Deliver(ctx context.Context, req *request.Request, result map[string]any) error
}

// Handler answers price requests with a signed quote.
type Handler struct {
	svc       *Service
	proc      confidential.Processor
	deliverer Deliverer
	log       *logging.Logger
}

var (
	_ router.Handler   = (*Handler)(nil)
	_ router.Validator = (*Handler)(nil)
)

func NewHandler(svc *Service, proc confidential.Processor, deliverer Deliverer, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewDefault("datafeed-handler")
	}
	return &Handler{svc: svc, proc: proc, deliverer: deliverer, log: log}
}

func (h *Handler) ServiceType() request.ServiceType { return request.ServiceDataFeed }

func (h *Handler) ValidateRequest(req *request.Request) error {
	_, err := h.feedID(req)
	return err
}

func (h *Handler) feedID(req *request.Request) (string, error) {
	id, _ := req.Payload["feed_id"].(string)
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.MissingParameter("feed_id")
	}
	if !h.svc.HasFeed(id) {
		return "", errors.Validation("feed_id", fmt.Sprintf("unknown feed %q", id))
	}
	return id, nil
}

func (h *Handler) ProcessRequest(ctx context.Context, req *request.Request) (router.Outcome, error) {
	id, err := h.feedID(req)
	if err != nil {
		return router.Outcome{}, err
	}
	q, err := h.svc.Price(ctx, id)
	if err != nil {
		return router.Outcome{}, errors.Handler("price unavailable", err)
	}
	sig, err := h.proc.Sign(ctx, KeyIndex, quoteMessage(q))
	if err != nil {
		return router.Outcome{}, err
	}
	pub, err := h.proc.PublicKey(ctx, KeyIndex)
	if err != nil {
		return router.Outcome{}, err
	}
	h.log.WithFields(map[string]interface{}{
		"request_id": req.ID,
		"feed_id":    id,
		"round":      q.Round,
	}).Info("price request answered")
	return router.Completed(map[string]any{
		"feed_id":    q.FeedID,
		"price":      q.Price,
		"decimals":   q.Decimals,
		"round":      q.Round,
		"timestamp":  q.Timestamp.Unix(),
		"signature":  hex.EncodeToString(sig),
		"public_key": hex.EncodeToString(pub.Bytes()),
	}), nil
}

func (h *Handler) FulfillRequest(ctx context.Context, req *request.Request, result map[string]any) error {
	if h.deliverer == nil {
		return nil
	}
	return h.deliverer.Deliver(ctx, req, result)
}

// quoteMessage is the canonical JSON the quote signature covers.
func quoteMessage(q datafeed.Quote) []byte {
	b, _ := json.Marshal(struct {
		FeedID    string `json:"feed_id"`
		Price     int64  `json:"price"`
		Decimals  int    `json:"decimals"`
		Round     uint64 `json:"round"`
		Timestamp int64  `json:"timestamp"`
	}{q.FeedID, q.Price, q.Decimals, q.Round, q.Timestamp.Unix()})
	return b
}

// VerifyQuote checks a quote signature against a hex public key.
func VerifyQuote(q datafeed.Quote, signatureHex, publicKeyHex string) error {
	pub, err := keys.NewPublicKeyFromString(publicKeyHex)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	digest := sha256.Sum256(quoteMessage(q))
	if !pub.Verify(sig, digest[:]) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}
