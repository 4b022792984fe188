// Package request defines the service request record and its lifecycle.
package request

import (
	"crypto/sha256"
	"math/big"
	"strings"
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a record in status from may be written with status to.
// Same-status writes are allowed for non-terminal records only.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusPending || to == StatusCancelled
	default:
		return false
	}
}

// ServiceType identifies which handler accepts a request.
type ServiceType string

const (
	ServiceRandomness ServiceType = "randomness"
	ServiceMixing     ServiceType = "mixing"
	ServiceAutomation ServiceType = "automation"
	ServiceDataFeed   ServiceType = "datafeed"
)

// ServiceTypes lists every supported service type.
var ServiceTypes = []ServiceType{ServiceRandomness, ServiceMixing, ServiceAutomation, ServiceDataFeed}

// Valid reports whether t is one of the supported service types.
func (t ServiceType) Valid() bool {
	for _, st := range ServiceTypes {
		if st == t {
			return true
		}
	}
	return false
}

// DefaultMaxAttempts applies when a request does not set its own budget.
const DefaultMaxAttempts = 3

// Request is the central record routed to a service handler.
type Request struct {
	ID           string            `json:"id"`
	ExternalID   string            `json:"external_id,omitempty"`
	AccountID    string            `json:"account_id"`
	ServiceType  ServiceType       `json:"service_type"`
	ServiceID    string            `json:"service_id,omitempty"`
	Status       Status            `json:"status"`
	Payload      map[string]any    `json:"payload,omitempty"`
	Result       map[string]any    `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	Fee          int64             `json:"fee,omitempty"`
	FeeID        string            `json:"fee_id,omitempty"`
	TxHash       string            `json:"tx_hash,omitempty"`
	CallbackHash string            `json:"callback_hash,omitempty"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Payload = cloneAny(r.Payload)
	out.Result = cloneAny(r.Result)
	out.Metadata = cloneStrings(r.Metadata)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// SetMetadata sets one audit key, allocating the map if needed.
func (r *Request) SetMetadata(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// CallbackTarget splits callback_hash into contract hash and method.
// The format is "<contract>[:<method>]".
func (r *Request) CallbackTarget() (contract, method string) {
	raw := strings.TrimSpace(r.CallbackHash)
	if raw == "" {
		return "", ""
	}
	if i := strings.LastIndex(raw, ":"); i > 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

// OnChainID returns the numeric identifier used in fulfillment transactions:
// the external id when it is a decimal integer, otherwise a hash of the id.
func (r *Request) OnChainID() *big.Int {
	if r.ExternalID != "" {
		if n, ok := new(big.Int).SetString(r.ExternalID, 10); ok && n.Sign() >= 0 {
			return n
		}
	}
	sum := sha256.Sum256([]byte(r.ID))
	return new(big.Int).SetBytes(sum[:16])
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAny(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAny(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i := range t {
			out[i] = cloneAny(t[i])
		}
		return out
	default:
		return v
	}
}
