package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/request_router/internal/app/domain/automation"
	"github.com/R3E-Network/request_router/internal/app/domain/ledger"
	"github.com/R3E-Network/request_router/internal/app/domain/mixer"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
)

// RequestFilter narrows List results. Zero fields match everything.
type RequestFilter struct {
	AccountID   string
	ServiceType request.ServiceType
	Status      request.Status
	Limit       int
}

// RequestStore is the single authority on request state.
//
// Create rejects a duplicate id or external id with errors.ErrDuplicate.
// Update is an atomic read-check-write: the transition must satisfy
// request.CanTransition (errors.ErrInvalidTransition) and a terminal record
// only accepts metadata changes (errors.ErrTerminal). The attempt counter
// only moves on pending -> running, by one.
//
// Claim is the compare-and-set form of pending -> running: it increments
// attempts and returns the claimed record, or errors.ErrInvalidTransition when
// the request is no longer pending.
type RequestStore interface {
	Create(ctx context.Context, req *request.Request) error
	Get(ctx context.Context, id string) (*request.Request, error)
	GetByExternalID(ctx context.Context, externalID string) (*request.Request, error)
	Update(ctx context.Context, req *request.Request) error
	Claim(ctx context.Context, id string, at time.Time) (*request.Request, error)
	List(ctx context.Context, filter RequestFilter) ([]*request.Request, error)
	// ListPending returns pending requests oldest first. An empty service
	// type matches all.
	ListPending(ctx context.Context, serviceType request.ServiceType, limit int) ([]*request.Request, error)
}

// PayoutStore persists the payout schedule of mixing requests.
type PayoutStore interface {
	// CreatePayouts stores the schedule for a request once. When a schedule
	// already exists it is returned unchanged.
	CreatePayouts(ctx context.Context, requestID string, payouts []mixer.Payout) ([]mixer.Payout, error)
	ListPayouts(ctx context.Context, requestID string) ([]mixer.Payout, error)
	// ListDuePayouts returns non-terminal payouts scheduled at or before now.
	ListDuePayouts(ctx context.Context, now time.Time, limit int) ([]mixer.Payout, error)
	// UpdatePayout writes p only if the stored status is still expected.
	UpdatePayout(ctx context.Context, p mixer.Payout, expected mixer.PayoutStatus) (bool, error)
}

// PoolStore persists public pool account material.
type PoolStore interface {
	CreatePoolAccount(ctx context.Context, acct mixer.PoolAccount) error
	UpdatePoolAccount(ctx context.Context, acct mixer.PoolAccount) error
	GetPoolAccount(ctx context.Context, id string) (mixer.PoolAccount, error)
	// ListPoolAccounts returns accounts with the given status, or all when empty.
	ListPoolAccounts(ctx context.Context, status mixer.PoolStatus) ([]mixer.PoolAccount, error)
}

// TaskStore persists automation tasks and execution checkpoints.
type TaskStore interface {
	CreateTask(ctx context.Context, task automation.Task) (automation.Task, error)
	UpdateTask(ctx context.Context, task automation.Task) (automation.Task, error)
	GetTask(ctx context.Context, id string) (automation.Task, error)
	ListTasks(ctx context.Context, accountID string) ([]automation.Task, error)
	// ReserveNonce advances the task nonce from last to last+1. A stale last
	// returns errors.ErrConflict.
	ReserveNonce(ctx context.Context, taskID string, last uint64) (uint64, error)

	GetExecution(ctx context.Context, taskID string, nonce uint64) (automation.Execution, error)
	SaveExecution(ctx context.Context, exec automation.Execution) error
}

// LedgerStore persists fee and deposit entries with their balances.
type LedgerStore interface {
	// CreateEntry stores a pending entry and reserves it on the balance.
	// A second entry of the same kind for a request returns errors.ErrDuplicate.
	CreateEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	GetEntry(ctx context.Context, id string) (ledger.Entry, error)
	GetEntryByRequest(ctx context.Context, requestID string, kind ledger.Kind) (ledger.Entry, error)
	ListPendingEntries(ctx context.Context, limit int) ([]ledger.Entry, error)
	// Settle moves a pending entry to final and updates the balance in the
	// same atomic unit. applied is false when the entry was no longer pending.
	Settle(ctx context.Context, id string, final ledger.Status, message string) (applied bool, err error)
	GetBalance(ctx context.Context, accountID string) (ledger.Balance, error)
}
