// Package ledger charges request fees, records deposits and settles both
// once their transactions are confirmed on chain.
package ledger

import (
	"context"
	"strings"

	"github.com/R3E-Network/request_router/internal/app/domain/ledger"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// Service is the router's fee collector and the deposit entry point.
type Service struct {
	store        storage.LedgerStore
	requireFunds bool
	log          *logging.Logger
}

var _ router.FeeCollector = (*Service)(nil)

// New creates a ledger service. With requireFunds a fee larger than the
// available balance is rejected.
func New(store storage.LedgerStore, requireFunds bool, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("ledger")
	}
	return &Service{store: store, requireFunds: requireFunds, log: log}
}

// Collect reserves the fee of req and returns the fee entry id. Collecting
// twice for one request returns the first entry.
func (s *Service) Collect(ctx context.Context, req *request.Request) (string, error) {
	if req.Fee <= 0 {
		return "", errors.Validation("fee", "must be positive")
	}
	if e, err := s.store.GetEntryByRequest(ctx, req.ID, ledger.KindFee); err == nil {
		return e.ID, nil
	} else if !errors.Is(err, errors.ErrNotFound) {
		return "", errors.DatabaseError("lookup fee", err)
	}

	if s.requireFunds {
		bal, err := s.store.GetBalance(ctx, req.AccountID)
		if err != nil {
			return "", errors.DatabaseError("read balance", err)
		}
		if bal.Available < req.Fee {
			return "", errors.Validation("fee", "insufficient balance")
		}
	}

	e, err := s.store.CreateEntry(ctx, ledger.Entry{
		AccountID: req.AccountID,
		RequestID: req.ID,
		Kind:      ledger.KindFee,
		Amount:    req.Fee,
		TxHash:    req.TxHash,
	})
	if errors.Is(err, errors.ErrDuplicate) {
		if existing, gerr := s.store.GetEntryByRequest(ctx, req.ID, ledger.KindFee); gerr == nil {
			return existing.ID, nil
		}
	}
	if err != nil {
		return "", errors.DatabaseError("create fee entry", err)
	}
	s.log.WithFields(map[string]interface{}{
		"entry_id":   e.ID,
		"request_id": req.ID,
		"account_id": req.AccountID,
		"amount":     req.Fee,
	}).Info("fee reserved")
	return e.ID, nil
}

// Deposit records an incoming transfer. The amount becomes available once
// txHash is confirmed.
func (s *Service) Deposit(ctx context.Context, accountID string, amount int64, txHash string) (ledger.Entry, error) {
	accountID = strings.TrimSpace(accountID)
	txHash = strings.TrimSpace(txHash)
	if accountID == "" {
		return ledger.Entry{}, errors.MissingParameter("account_id")
	}
	if amount <= 0 {
		return ledger.Entry{}, errors.Validation("amount", "must be positive")
	}
	if txHash == "" {
		return ledger.Entry{}, errors.MissingParameter("tx_hash")
	}
	e, err := s.store.CreateEntry(ctx, ledger.Entry{
		AccountID: accountID,
		Kind:      ledger.KindDeposit,
		Amount:    amount,
		TxHash:    txHash,
	})
	if err != nil {
		return ledger.Entry{}, errors.DatabaseError("create deposit entry", err)
	}
	s.log.LogAudit(ctx, "deposit", "ledger_entry", e.ID, "pending")
	return e, nil
}

// Balance returns the settled and pending amounts of an account.
func (s *Service) Balance(ctx context.Context, accountID string) (ledger.Balance, error) {
	return s.store.GetBalance(ctx, accountID)
}

func (s *Service) Entry(ctx context.Context, id string) (ledger.Entry, error) {
	return s.store.GetEntry(ctx, id)
}
