package ledger

import (
	"context"
	"time"

	"github.com/R3E-Network/request_router/internal/app/domain/ledger"
	"github.com/R3E-Network/request_router/internal/app/poller"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/logging"
)

const msgConfirmTimeout = "timeout waiting for blockchain confirmation"

// LogReader fetches transaction application logs.
type LogReader interface {
	GetApplicationLog(ctx context.Context, txHash string) (*chain.ApplicationLog, error)
}

// SettlementConfig tunes confirmation polling.
type SettlementConfig struct {
	ConfirmationTimeout time.Duration
	RetryAfter          time.Duration
	BatchSize           int
}

// Settlement confirms pending ledger entries. It is both the poller source
// and resolver for ledger.Entry.
type Settlement struct {
	cfg   SettlementConfig
	store storage.LedgerStore
	logs  LogReader
	log   *logging.Logger
	now   func() time.Time
}

var (
	_ poller.Source[ledger.Entry]   = (*Settlement)(nil)
	_ poller.Resolver[ledger.Entry] = (*Settlement)(nil)
)

func NewSettlement(cfg SettlementConfig, store storage.LedgerStore, logs LogReader, log *logging.Logger) *Settlement {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 5 * time.Minute
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = cfg.ConfirmationTimeout / 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = logging.NewDefault("ledger-settlement")
	}
	return &Settlement{
		cfg:   cfg,
		store: store,
		logs:  logs,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Settlement) ListPending(ctx context.Context) ([]ledger.Entry, error) {
	return s.store.ListPendingEntries(ctx, s.cfg.BatchSize)
}

func (s *Settlement) Key(e ledger.Entry) string { return e.ID }

// Resolve confirms e by its transaction. Entries without a transaction are
// internal debits and complete at once; an unconfirmed transaction fails
// the entry after ConfirmationTimeout.
func (s *Settlement) Resolve(ctx context.Context, e ledger.Entry) (poller.Resolution, error) {
	if e.TxHash == "" {
		return poller.Resolution{Done: true, Success: true}, nil
	}
	appLog, err := s.logs.GetApplicationLog(ctx, e.TxHash)
	if err == nil && appLog != nil {
		switch appLog.VMState() {
		case chain.VMStateHalt:
			return poller.Resolution{Done: true, Success: true}, nil
		case chain.VMStateFault:
			msg := "transaction faulted"
			if ex := appLog.Exception(); ex != "" {
				msg += ": " + ex
			}
			return poller.Resolution{Done: true, Message: msg}, nil
		}
	}
	if err != nil {
		s.log.WithError(err).WithField("entry_id", e.ID).Debug("application log not available")
	}
	if s.now().Sub(e.CreatedAt) >= s.cfg.ConfirmationTimeout {
		return poller.Resolution{Done: true, Message: msgConfirmTimeout}, nil
	}
	return poller.Resolution{RetryAfter: s.cfg.RetryAfter}, nil
}

// Settle applies the verdict. Only the first settlement of an entry moves
// the balance.
func (s *Settlement) Settle(ctx context.Context, e ledger.Entry, res poller.Resolution) (bool, error) {
	final := ledger.StatusFailed
	if res.Success {
		final = ledger.StatusCompleted
	}
	applied, err := s.store.Settle(ctx, e.ID, final, res.Message)
	if err != nil || !applied {
		return applied, err
	}
	s.log.WithFields(map[string]interface{}{
		"entry_id":   e.ID,
		"account_id": e.AccountID,
		"kind":       e.Kind,
		"status":     final,
	}).Info("ledger entry settled")
	return true, nil
}
