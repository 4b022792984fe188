// Package fulfillment delivers request results to callback contracts.
package fulfillment

import (
	"context"
	"encoding/json"

	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// MetaFulfillmentTx is the request metadata key holding the delivery tx hash.
const MetaFulfillmentTx = "fulfillment_tx"

// Fulfiller submits one fulfillment transaction.
type Fulfiller interface {
	Fulfill(ctx context.Context, f chain.Fulfillment) (string, error)
}

// Deliverer turns a request result into a fulfillment and records the
// transaction on the request.
type Deliverer struct {
	fulfiller Fulfiller
	store     storage.RequestStore
	log       *logging.Logger
}

// NewDeliverer creates a deliverer. fulfiller may be nil when no chain is
// configured; requests naming a callback are then rejected.
func NewDeliverer(fulfiller Fulfiller, store storage.RequestStore, log *logging.Logger) *Deliverer {
	if log == nil {
		log = logging.NewDefault("fulfillment")
	}
	return &Deliverer{fulfiller: fulfiller, store: store, log: log}
}

// Deliver sends result for req. A nil result delivers a failure carrying the
// request's sanitized error. Requests without a callback are a no-op, and a
// nonce the contract already accepted counts as delivered.
func (d *Deliverer) Deliver(ctx context.Context, req *request.Request, result map[string]any) error {
	if req.CallbackHash == "" {
		return nil
	}
	if d.fulfiller == nil {
		return errors.Validation("callback_hash", "fulfillment is not configured")
	}
	contract, method := req.CallbackTarget()

	f := chain.Fulfillment{
		RequestID: req.ID,
		OnChainID: req.OnChainID(),
		Contract:  contract,
		Method:    method,
		Success:   result != nil && req.Status != request.StatusFailed,
	}
	if f.Success {
		payload, err := json.Marshal(result)
		if err != nil {
			return errors.Validation("result", "result is not JSON encodable")
		}
		f.Result = payload
	} else {
		f.Error = req.Error
		if f.Error == "" {
			f.Error = errors.Sanitize(errors.Handler("request failed", nil))
		}
	}

	txHash, err := d.fulfiller.Fulfill(ctx, f)
	if errors.Is(err, chain.ErrNonceUsed) {
		d.log.WithField("request_id", req.ID).Info("fulfillment already delivered")
		return nil
	}
	d.log.LogBlockchainTx(ctx, txHash, "fulfill "+req.ID, err)
	if err != nil {
		return err
	}
	d.record(ctx, req.ID, txHash)
	return nil
}

func (d *Deliverer) record(ctx context.Context, id, txHash string) {
	if d.store == nil || txHash == "" {
		return
	}
	cur, err := d.store.Get(ctx, id)
	if err == nil {
		cur.SetMetadata(MetaFulfillmentTx, txHash)
		err = d.store.Update(ctx, cur)
	}
	if err != nil {
		d.log.WithError(err).WithField("request_id", id).Warn("record fulfillment tx failed")
	}
}
