// Package automation defines scheduled tasks, their triggers and execution checkpoints.
package automation

import (
	"fmt"
	"strings"
	"time"
)

// TriggerType selects how a task decides it is due.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerPrice    TriggerType = "price"
	TriggerBalance  TriggerType = "balance"
	TriggerEvent    TriggerType = "event"
	TriggerScript   TriggerType = "script"
)

// Operators accepted by price and balance triggers.
var Operators = []string{">", "<", ">=", "<=", "=="}

// Trigger describes the condition that fires a task.
type Trigger struct {
	Type      TriggerType   `json:"type"`
	Schedule  string        `json:"schedule,omitempty"`
	Interval  time.Duration `json:"interval,omitempty"`
	FeedID    string        `json:"feed_id,omitempty"`
	Operator  string        `json:"operator,omitempty"`
	Threshold int64         `json:"threshold,omitempty"`
	Token     string        `json:"token,omitempty"`
	Account   string        `json:"account,omitempty"`
	Contract  string        `json:"contract,omitempty"`
	Event     string        `json:"event,omitempty"`
	Script    string        `json:"script,omitempty"`
}

// Target is the contract call a task performs.
type Target struct {
	Contract string `json:"contract"`
	Method   string `json:"method"`
	Args     []any  `json:"args,omitempty"`
}

// Task is a registered automation. Nonce is the last nonce handed out;
// the anchor contract rejects any nonce it has already seen.
type Task struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Name          string    `json:"name,omitempty"`
	Target        Target    `json:"target"`
	Trigger       Trigger   `json:"trigger"`
	Nonce         uint64    `json:"nonce"`
	Enabled       bool      `json:"enabled"`
	MaxExecutions int       `json:"max_executions,omitempty"`
	Executions    int       `json:"executions"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	NextRunAt     time.Time `json:"next_run_at,omitempty"`
	LastRoundID   string    `json:"last_round_id,omitempty"`
	LastBlock     uint32    `json:"last_block,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Exhausted reports whether the task reached its execution cap.
func (t Task) Exhausted() bool {
	return t.MaxExecutions > 0 && t.Executions >= t.MaxExecutions
}

// ExternalID is the idempotency key of the request created for nonce.
func ExternalID(taskID string, nonce uint64) string {
	return fmt.Sprintf("automation:%s:%d", taskID, nonce)
}

// Execution checkpoints a target invocation so a retried attempt does not
// invoke the target twice for the same nonce.
type Execution struct {
	TaskID     string    `json:"task_id"`
	Nonce      uint64    `json:"nonce"`
	RequestID  string    `json:"request_id"`
	TargetTx   string    `json:"target_tx,omitempty"`
	AnchorTx   string    `json:"anchor_tx,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Compare evaluates "value op threshold".
func Compare(value int64, op string, threshold int64) (bool, error) {
	switch strings.TrimSpace(op) {
	case ">":
		return value > threshold, nil
	case "<":
		return value < threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<=":
		return value <= threshold, nil
	case "==":
		return value == threshold, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}
