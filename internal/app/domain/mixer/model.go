// Package mixer defines mix requests, pool accounts and scheduled payouts.
package mixer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"

	"github.com/R3E-Network/request_router/internal/errors"
)

const (
	MinTargets = 1
	MaxTargets = 5
)

// Duration is the payout spreading bucket requested by the user.
type Duration string

const (
	Duration30Min Duration = "30m"
	Duration1Hour Duration = "1h"
	Duration24Hr  Duration = "24h"
	Duration7Day  Duration = "7d"
)

// ParseDuration validates a duration bucket.
func ParseDuration(s string) (Duration, error) {
	switch d := Duration(strings.TrimSpace(s)); d {
	case Duration30Min, Duration1Hour, Duration24Hr, Duration7Day:
		return d, nil
	case "":
		return Duration1Hour, nil
	default:
		return "", fmt.Errorf("unsupported duration %q", s)
	}
}

// Window returns the time span payouts are spread over.
func (d Duration) Window() time.Duration {
	switch d {
	case Duration30Min:
		return 30 * time.Minute
	case Duration24Hr:
		return 24 * time.Hour
	case Duration7Day:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Target is one output of a mix.
type Target struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// Payload is the decoded input of a mixing request.
type Payload struct {
	Source   string   `json:"source"`
	Amount   int64    `json:"amount"`
	Targets  []Target `json:"targets"`
	Duration Duration `json:"duration"`
}

// ParsePayload decodes a request payload. Numbers may arrive as JSON floats,
// json.Number, integers or decimal strings.
func ParsePayload(raw map[string]any) (Payload, error) {
	var p Payload
	if raw == nil {
		return p, errors.MissingParameter("payload")
	}
	if s, ok := raw["source"].(string); ok {
		p.Source = strings.TrimSpace(s)
	}

	amount, err := parseAmount(raw["amount"])
	if err != nil {
		return p, errors.Validation("amount", err.Error())
	}
	p.Amount = amount

	rawDuration, _ := raw["duration"].(string)
	d, err := ParseDuration(rawDuration)
	if err != nil {
		return p, errors.Validation("duration", err.Error())
	}
	p.Duration = d

	targets, err := parseTargets(raw["targets"])
	if err != nil {
		return p, err
	}
	p.Targets = targets
	return p, nil
}

func parseTargets(v any) ([]Target, error) {
	var items []map[string]any
	switch t := v.(type) {
	case nil:
		return nil, errors.MissingParameter("targets")
	case []any:
		for i, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, errors.Validation(fmt.Sprintf("targets[%d]", i), "target must be an object")
			}
			items = append(items, m)
		}
	case []map[string]any:
		items = t
	case []Target:
		return append([]Target(nil), t...), nil
	default:
		return nil, errors.Validation("targets", "targets must be a list")
	}

	out := make([]Target, 0, len(items))
	for i, m := range items {
		addr, _ := m["address"].(string)
		if addr == "" {
			addr, _ = m["addr"].(string)
		}
		amount, err := parseAmount(m["amount"])
		if err != nil {
			return nil, errors.Validation(fmt.Sprintf("targets[%d].amount", i), err.Error())
		}
		out = append(out, Target{Address: strings.TrimSpace(addr), Amount: amount})
	}
	return out, nil
}

func parseAmount(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, fmt.Errorf("amount is required")
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, fmt.Errorf("amount must be an integer in base units")
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("amount has unsupported type %T", v)
	}
}

// Validate enforces the mixing invariants: amount within [minAmount, maxAmount],
// 1..5 targets with positive amounts and valid addresses, sum(targets) == amount.
// A zero bound disables that bound.
func Validate(p Payload, minAmount, maxAmount int64) error {
	if p.Amount <= 0 {
		return errors.Validation("amount", "amount must be positive")
	}
	if minAmount > 0 && p.Amount < minAmount {
		return errors.OutOfRange("amount", minAmount, maxAmount)
	}
	if maxAmount > 0 && p.Amount > maxAmount {
		return errors.OutOfRange("amount", minAmount, maxAmount)
	}
	if len(p.Targets) < MinTargets || len(p.Targets) > MaxTargets {
		return errors.Validation("targets", fmt.Sprintf("between %d and %d targets required", MinTargets, MaxTargets))
	}

	var sum int64
	for i, t := range p.Targets {
		if t.Amount <= 0 {
			return errors.Validation(fmt.Sprintf("targets[%d].amount", i), "target amount must be positive")
		}
		if _, err := address.StringToUint160(t.Address); err != nil {
			return errors.Validation(fmt.Sprintf("targets[%d].address", i), "invalid Neo address")
		}
		if sum > math.MaxInt64-t.Amount {
			return errors.Validation("targets", "target amounts overflow")
		}
		sum += t.Amount
	}
	if sum != p.Amount {
		return errors.Validation("targets", "target amounts must sum to the request amount")
	}
	return nil
}

// PoolStatus is the lifecycle of a pool account.
type PoolStatus string

const (
	PoolActive  PoolStatus = "active"
	PoolRetired PoolStatus = "retired"
)

// PoolAccount is an intermediary wallet whose key lives in the confidential
// processor. Only public material is stored here.
type PoolAccount struct {
	ID          string     `json:"id"`
	Index       uint32     `json:"index"`
	Address     string     `json:"address"`
	PublicKey   string     `json:"public_key"`
	Status      PoolStatus `json:"status"`
	UseCount    int        `json:"use_count"`
	RetireAfter int        `json:"retire_after"`
	LastUsedAt  time.Time  `json:"last_used_at,omitempty"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PayoutStatus is the lifecycle of a single target payout.
type PayoutStatus string

const (
	PayoutScheduled PayoutStatus = "scheduled"
	PayoutSubmitted PayoutStatus = "submitted"
	PayoutSettled   PayoutStatus = "settled"
	PayoutFailed    PayoutStatus = "failed"
)

// Terminal reports whether the payout is finished.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutSettled || s == PayoutFailed
}

// Payout is one scheduled transfer from a pool account to a target.
type Payout struct {
	ID            string       `json:"id"`
	RequestID     string       `json:"request_id"`
	TargetIndex   int          `json:"target_index"`
	PoolAccountID string       `json:"pool_account_id"`
	Address       string       `json:"address"`
	Amount        int64        `json:"amount"`
	ScheduledAt   time.Time    `json:"scheduled_at"`
	Deadline      time.Time    `json:"deadline"`
	Status        PayoutStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	TxHash        string       `json:"tx_hash,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	SettledAt     *time.Time   `json:"settled_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
