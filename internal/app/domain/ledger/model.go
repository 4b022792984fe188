// Package ledger defines fee and deposit entries and per-account balances.
package ledger

import "time"

// Kind is the direction of an entry.
type Kind string

const (
	KindFee     Kind = "fee"
	KindDeposit Kind = "deposit"
)

// Status tracks settlement of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one ledger movement awaiting or past on-chain confirmation.
type Entry struct {
	ID          string     `json:"id" db:"id"`
	AccountID   string     `json:"account_id" db:"account_id"`
	RequestID   string     `json:"request_id,omitempty" db:"request_id"`
	Kind        Kind       `json:"kind" db:"kind"`
	Amount      int64      `json:"amount" db:"amount"`
	TxHash      string     `json:"tx_hash,omitempty" db:"tx_hash"`
	Status      Status     `json:"status" db:"status"`
	Message     string     `json:"message,omitempty" db:"message"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Balance is the settled and reserved amount of an account.
type Balance struct {
	AccountID string `json:"account_id" db:"account_id"`
	Available int64  `json:"available" db:"available"`
	Pending   int64  `json:"pending" db:"pending"`
}

// Reserve applies a newly created pending entry.
// Fees leave available immediately; deposits wait for confirmation.
func (b *Balance) Reserve(e Entry) {
	b.Pending += e.Amount
	if e.Kind == KindFee {
		b.Available -= e.Amount
	}
}

// Apply moves a pending entry to its final status.
func (b *Balance) Apply(e Entry, final Status) {
	b.Pending -= e.Amount
	switch {
	case e.Kind == KindDeposit && final == StatusCompleted:
		b.Available += e.Amount
	case e.Kind == KindFee && final == StatusFailed:
		b.Available += e.Amount
	}
}
