package account

import "time"

// Status values reported by the accounts service.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Account is the accounts-service view of a request owner.
type Account struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// CanSubmit reports whether the account may create requests. Accounts the
// service reports without a status are treated as active.
func (a Account) CanSubmit() bool {
	return a.Status == "" || a.Status == StatusActive
}
