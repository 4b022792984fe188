// Package mixer splits a deposit into delayed payouts from rotating pool
// accounts and proves the output batch matches the input.
package mixer

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/request_router/internal/app/domain/mixer"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/metrics"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/logging"
)

// Deliverer sends a result to the request's callback contract.
type Deliverer interface {
	Deliver(ctx context.Context, req *request.Request, result map[string]any) error
}

// Config holds the mixing limits.
type Config struct {
	MinAmount int64
	MaxAmount int64
}

// Handler schedules the payouts of mixing requests. Completion is deferred
// to the payout settlement.
type Handler struct {
	cfg       Config
	payouts   storage.PayoutStore
	pool      *PoolManager
	deliverer Deliverer
	log       *logging.Logger
	offset    func(window time.Duration) (time.Duration, error)
}

var (
	_ router.Handler   = (*Handler)(nil)
	_ router.Validator = (*Handler)(nil)
)

// NewHandler creates the mixing handler.
func NewHandler(cfg Config, payouts storage.PayoutStore, pool *PoolManager, deliverer Deliverer, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewDefault("mixer")
	}
	return &Handler{
		cfg:       cfg,
		payouts:   payouts,
		pool:      pool,
		deliverer: deliverer,
		log:       log,
		offset:    randomOffset,
	}
}

func (h *Handler) ServiceType() request.ServiceType { return request.ServiceMixing }

// ValidateRequest rejects malformed mixes before they are queued.
func (h *Handler) ValidateRequest(req *request.Request) error {
	_, err := h.parse(req)
	return err
}

func (h *Handler) parse(req *request.Request) (mixer.Payload, error) {
	p, err := mixer.ParsePayload(req.Payload)
	if err != nil {
		return p, err
	}
	return p, mixer.Validate(p, h.cfg.MinAmount, h.cfg.MaxAmount)
}

// ProcessRequest stores one payout per target. A request that already has
// a schedule keeps it.
func (h *Handler) ProcessRequest(ctx context.Context, req *request.Request) (router.Outcome, error) {
	p, err := h.parse(req)
	if err != nil {
		return router.Outcome{}, err
	}

	existing, err := h.payouts.ListPayouts(ctx, req.ID)
	if err != nil {
		return router.Outcome{}, err
	}
	if len(existing) > 0 {
		h.log.WithField("request_id", req.ID).Debug("payout schedule already exists")
		return router.Deferred(), nil
	}

	window := p.Duration.Window()
	start := req.CreatedAt
	if start.IsZero() {
		start = time.Now().UTC()
	}
	deadline := start.Add(window)

	used := make(map[string]bool, len(p.Targets))
	planned := make([]mixer.Payout, 0, len(p.Targets))
	for i, t := range p.Targets {
		acct, err := h.pool.Pick(ctx, used)
		if err != nil {
			return router.Outcome{}, err
		}
		used[acct.ID] = true

		offset, err := h.offset(window)
		if err != nil {
			return router.Outcome{}, err
		}
		planned = append(planned, mixer.Payout{
			ID:            uuid.NewString(),
			RequestID:     req.ID,
			TargetIndex:   i,
			PoolAccountID: acct.ID,
			Address:       t.Address,
			Amount:        t.Amount,
			ScheduledAt:   start.Add(offset),
			Deadline:      deadline,
			Status:        mixer.PayoutScheduled,
		})
	}

	stored, err := h.payouts.CreatePayouts(ctx, req.ID, planned)
	if err != nil {
		return router.Outcome{}, err
	}
	for range stored {
		metrics.RecordPayout(string(mixer.PayoutScheduled))
	}
	h.log.WithFields(map[string]interface{}{
		"request_id": req.ID,
		"payouts":    len(stored),
		"duration":   p.Duration,
	}).Info("mix scheduled")
	return router.Deferred(), nil
}

// FulfillRequest delivers the completion result when a callback is set.
func (h *Handler) FulfillRequest(ctx context.Context, req *request.Request, result map[string]any) error {
	if h.deliverer == nil {
		return nil
	}
	return h.deliverer.Deliver(ctx, req, result)
}

// randomOffset returns a uniformly random offset within [0, window).
func randomOffset(window time.Duration) (time.Duration, error) {
	if window <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(window)))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64()), nil
}
