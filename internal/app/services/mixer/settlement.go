package mixer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/request_router/internal/app/confidential"
	"github.com/R3E-Network/request_router/internal/app/domain/mixer"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/metrics"
	"github.com/R3E-Network/request_router/internal/app/poller"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

const (
	msgWindowElapsed = "mix window elapsed"
	msgHeldFunds     = "funds held for reconciliation"
)

// Completer finishes deferred mixing requests.
type Completer interface {
	GetRequest(ctx context.Context, id string) (*request.Request, error)
	CompleteRequest(ctx context.Context, id string, result map[string]any) (*request.Request, error)
	FailRequest(ctx context.Context, id string, cause error) (*request.Request, error)
}

// SettlementConfig tunes payout delivery.
type SettlementConfig struct {
	// Token is the NEP-17 contract paid out. Defaults to GAS.
	Token string
	// MaxAttempts bounds transfer attempts per payout.
	MaxAttempts int
	// ClaimTimeout releases a submitted payout that never recorded a tx hash.
	ClaimTimeout time.Duration
	RetryAfter   time.Duration
	BatchSize    int
}

// Settlement sends due payouts and completes requests whose payouts are
// all final. It is the source and resolver of the mixer poller.
type Settlement struct {
	cfg       SettlementConfig
	payouts   storage.PayoutStore
	pool      *PoolManager
	proc      confidential.Processor
	inv       chain.Invoker
	token     *chain.NEP17
	completer Completer
	log       *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]struct{}
}

var (
	_ poller.Source[mixer.Payout]   = (*Settlement)(nil)
	_ poller.Resolver[mixer.Payout] = (*Settlement)(nil)
)

// NewSettlement wires payout delivery.
func NewSettlement(cfg SettlementConfig, payouts storage.PayoutStore, pool *PoolManager, proc confidential.Processor, inv chain.Invoker, completer Completer, log *logging.Logger) *Settlement {
	if cfg.Token == "" {
		cfg.Token = chain.GasTokenHash
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * time.Minute
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = logging.NewDefault("mixer-settlement")
	}
	return &Settlement{
		cfg:       cfg,
		payouts:   payouts,
		pool:      pool,
		proc:      proc,
		inv:       inv,
		token:     chain.NewNEP17(inv),
		completer: completer,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		pending:   make(map[string]struct{}),
	}
}

// ListPending returns due payouts. Requests whose completion failed on an
// earlier pass are retried first.
func (s *Settlement) ListPending(ctx context.Context) ([]mixer.Payout, error) {
	s.mu.Lock()
	retry := make([]string, 0, len(s.pending))
	for id := range s.pending {
		retry = append(retry, id)
	}
	s.mu.Unlock()
	for _, id := range retry {
		s.checkRequest(ctx, id)
	}
	return s.payouts.ListDuePayouts(ctx, s.now(), s.cfg.BatchSize)
}

func (s *Settlement) Key(p mixer.Payout) string { return p.ID }

// Resolve advances one payout. Sending happens here; Settle records the
// final state.
func (s *Settlement) Resolve(ctx context.Context, p mixer.Payout) (poller.Resolution, error) {
	cur, err := s.current(ctx, p)
	if err != nil {
		return poller.Resolution{}, err
	}
	if cur.Status.Terminal() {
		return poller.Resolution{Done: true, Success: cur.Status == mixer.PayoutSettled}, nil
	}

	if cur.Status == mixer.PayoutSubmitted {
		return s.resolveSubmitted(ctx, cur)
	}

	req, err := s.completer.GetRequest(ctx, cur.RequestID)
	if err != nil {
		return poller.Resolution{}, err
	}
	if req.Status.Terminal() {
		return poller.Resolution{Done: true, Message: fmt.Sprintf("request %s", req.Status)}, nil
	}
	if !cur.Deadline.IsZero() && s.now().After(cur.Deadline) {
		return poller.Resolution{Done: true, Message: msgWindowElapsed}, nil
	}
	return s.send(ctx, cur)
}

// resolveSubmitted checks a transfer whose outcome was not recorded.
func (s *Settlement) resolveSubmitted(ctx context.Context, p mixer.Payout) (poller.Resolution, error) {
	if p.TxHash == "" {
		if s.now().Sub(p.UpdatedAt) < s.cfg.ClaimTimeout {
			return poller.Resolution{RetryAfter: s.cfg.RetryAfter}, nil
		}
		return s.reschedule(ctx, p, "submission not recorded")
	}

	appLog, err := s.inv.GetApplicationLog(ctx, p.TxHash)
	if err != nil {
		return poller.Resolution{RetryAfter: s.cfg.RetryAfter}, nil
	}
	if chain.TransferApplied(appLog) {
		return poller.Resolution{Done: true, Success: true, Message: p.TxHash}, nil
	}
	return s.reschedule(ctx, p, "transfer failed in "+p.TxHash)
}

// send picks a funded pool account, claims the payout and transfers.
func (s *Settlement) send(ctx context.Context, p mixer.Payout) (poller.Resolution, error) {
	acct, err := s.fundedAccount(ctx, p)
	if err != nil {
		return poller.Resolution{}, err
	}
	if acct.ID == "" {
		s.log.WithField("payout_id", p.ID).Warn("no pool account holds enough liquidity")
		return poller.Resolution{RetryAfter: s.cfg.RetryAfter}, nil
	}

	unlock := s.pool.Lock(acct.ID)
	defer unlock()

	claimed := p
	claimed.PoolAccountID = acct.ID
	claimed.Status = mixer.PayoutSubmitted
	claimed.Attempts++
	claimed.TxHash = ""
	claimed.UpdatedAt = s.now()
	ok, err := s.payouts.UpdatePayout(ctx, claimed, mixer.PayoutScheduled)
	if err != nil || !ok {
		return poller.Resolution{RetryAfter: s.cfg.RetryAfter}, err
	}
	metrics.RecordPayout(string(mixer.PayoutSubmitted))

	signer, err := s.pool.Signer(ctx, acct)
	if err != nil {
		return poller.Resolution{}, err
	}
	txHash, err := s.token.Transfer(ctx, signer, s.cfg.Token, claimed.Address, claimed.Amount)
	entry := s.log.WithFields(map[string]interface{}{
		"payout_id":    claimed.ID,
		"request_id":   claimed.RequestID,
		"pool_account": acct.ID,
		"attempt":      claimed.Attempts,
	})
	if err != nil {
		s.log.LogBlockchainTx(ctx, txHash, "mix_payout", err)
		var fault *chain.FaultError
		if errors.As(err, &fault) || errors.Is(err, chain.ErrTransferRejected) {
			return s.reschedule(ctx, claimed, err.Error())
		}
		if txHash != "" {
			claimed.TxHash = txHash
			claimed.LastError = err.Error()
			if _, uerr := s.payouts.UpdatePayout(ctx, claimed, mixer.PayoutSubmitted); uerr != nil {
				entry.WithError(uerr).Warn("record payout tx failed")
			}
		}
		entry.WithError(err).Warn("payout transfer outcome unknown")
		return poller.Resolution{RetryAfter: s.cfg.RetryAfter}, nil
	}

	claimed.TxHash = txHash
	claimed.LastError = ""
	if _, err := s.payouts.UpdatePayout(ctx, claimed, mixer.PayoutSubmitted); err != nil {
		entry.WithError(err).Warn("record payout tx failed")
	}
	s.log.LogBlockchainTx(ctx, txHash, "mix_payout", nil)
	return poller.Resolution{Done: true, Success: true, Message: txHash}, nil
}

// fundedAccount returns the payout's pool account when it can cover the
// amount, otherwise rotates the payout to another funded active account.
// A zero account means none can pay yet.
func (s *Settlement) fundedAccount(ctx context.Context, p mixer.Payout) (mixer.PoolAccount, error) {
	acct, err := s.pool.store.GetPoolAccount(ctx, p.PoolAccountID)
	if err != nil {
		return mixer.PoolAccount{}, err
	}
	funded, err := s.covers(ctx, acct, p.Amount)
	if err != nil || funded {
		return acct, err
	}

	// Payouts of one request never share a pool account.
	siblings, err := s.payouts.ListPayouts(ctx, p.RequestID)
	if err != nil {
		return mixer.PoolAccount{}, err
	}
	exclude := map[string]bool{acct.ID: true}
	for _, sib := range siblings {
		if sib.PoolAccountID != "" {
			exclude[sib.PoolAccountID] = true
		}
	}
	alts, err := s.pool.Active(ctx, exclude)
	if err != nil {
		return mixer.PoolAccount{}, err
	}
	for _, alt := range alts {
		ok, err := s.covers(ctx, alt, p.Amount)
		if err != nil || !ok {
			continue
		}
		if _, err := s.pool.Use(ctx, alt.ID); err != nil {
			return mixer.PoolAccount{}, err
		}
		s.log.WithFields(map[string]interface{}{
			"payout_id": p.ID,
			"from":      acct.ID,
			"to":        alt.ID,
		}).Info("payout rotated to funded pool account")
		return alt, nil
	}
	return mixer.PoolAccount{}, nil
}

func (s *Settlement) covers(ctx context.Context, acct mixer.PoolAccount, amount int64) (bool, error) {
	bal, err := s.token.BalanceOf(ctx, s.cfg.Token, acct.Address)
	if err != nil {
		return false, err
	}
	return bal.Cmp(big.NewInt(amount)) >= 0, nil
}

// reschedule returns a failed submission to the schedule, or finishes it
// as failed once the attempts are spent.
func (s *Settlement) reschedule(ctx context.Context, p mixer.Payout, reason string) (poller.Resolution, error) {
	if p.Attempts >= s.cfg.MaxAttempts {
		return poller.Resolution{Done: true, Message: "payout failed: " + reason}, nil
	}
	next := p
	next.Status = mixer.PayoutScheduled
	next.TxHash = ""
	next.LastError = reason
	next.UpdatedAt = s.now()
	if _, err := s.payouts.UpdatePayout(ctx, next, p.Status); err != nil {
		return poller.Resolution{}, err
	}
	return poller.Resolution{RetryAfter: s.cfg.RetryAfter}, nil
}

// Settle records the final payout state and completes the request once
// every payout is final.
func (s *Settlement) Settle(ctx context.Context, p mixer.Payout, res poller.Resolution) (bool, error) {
	cur, err := s.current(ctx, p)
	if err != nil {
		return false, err
	}
	if cur.Status.Terminal() {
		return false, nil
	}
	now := s.now()
	next := cur
	next.UpdatedAt = now
	next.SettledAt = &now
	if res.Success {
		next.Status = mixer.PayoutSettled
		if next.TxHash == "" {
			next.TxHash = res.Message
		}
	} else {
		next.Status = mixer.PayoutFailed
		next.LastError = res.Message
	}
	applied, err := s.payouts.UpdatePayout(ctx, next, cur.Status)
	if err != nil || !applied {
		return false, err
	}
	metrics.RecordPayout(string(next.Status))
	s.checkRequest(ctx, cur.RequestID)
	return true, nil
}

// checkRequest completes or fails the request when its payouts are final.
func (s *Settlement) checkRequest(ctx context.Context, requestID string) {
	payouts, err := s.payouts.ListPayouts(ctx, requestID)
	if err != nil {
		s.retryLater(requestID, err)
		return
	}
	var failed *mixer.Payout
	for i := range payouts {
		switch payouts[i].Status {
		case mixer.PayoutScheduled, mixer.PayoutSubmitted:
			s.done(requestID)
			return
		case mixer.PayoutFailed:
			if failed == nil {
				failed = &payouts[i]
			}
		}
	}

	var out *request.Request
	if failed != nil {
		reason := "payout failed"
		if failed.LastError == msgWindowElapsed {
			reason = msgWindowElapsed
		}
		out, err = s.completer.FailRequest(ctx, requestID, errors.Handler(reason+"; "+msgHeldFunds, nil))
	} else {
		var result map[string]any
		result, err = s.result(ctx, requestID, payouts)
		if err == nil {
			out, err = s.completer.CompleteRequest(ctx, requestID, result)
		}
	}

	switch {
	case err == nil, errors.Is(err, errors.ErrTerminal):
		s.done(requestID)
	case out != nil && out.Status.Terminal():
		s.done(requestID)
	default:
		s.retryLater(requestID, err)
	}
}

func (s *Settlement) result(ctx context.Context, requestID string, payouts []mixer.Payout) (map[string]any, error) {
	req, err := s.completer.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	p, err := mixer.ParsePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	proof, err := BuildProof(ctx, s.proc, requestID, p, payouts, s.now())
	if err != nil {
		return nil, err
	}

	var total int64
	items := make([]map[string]any, len(payouts))
	for i, po := range payouts {
		total += po.Amount
		items[i] = map[string]any{
			"address": po.Address,
			"amount":  po.Amount,
			"tx_hash": po.TxHash,
		}
	}
	return map[string]any{
		"settled":       len(payouts),
		"total":         total,
		"payouts":       items,
		"linkage_proof": proofResult(proof),
	}, nil
}

func (s *Settlement) current(ctx context.Context, p mixer.Payout) (mixer.Payout, error) {
	all, err := s.payouts.ListPayouts(ctx, p.RequestID)
	if err != nil {
		return mixer.Payout{}, err
	}
	for _, cur := range all {
		if cur.ID == p.ID {
			return cur, nil
		}
	}
	return mixer.Payout{}, errors.NotFound("payout", p.ID)
}

func (s *Settlement) retryLater(requestID string, err error) {
	s.log.WithError(err).WithField("request_id", requestID).Warn("mix completion deferred")
	s.mu.Lock()
	s.pending[requestID] = struct{}{}
	s.mu.Unlock()
}

func (s *Settlement) done(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}
