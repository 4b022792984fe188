package chain

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
)

// InvokeResult is the result of a test invocation.
type InvokeResult struct {
	Script      string      `json:"script"`
	State       string      `json:"state"`
	GasConsumed string      `json:"gasconsumed"`
	Stack       []StackItem `json:"stack"`
	Exception   string      `json:"exception,omitempty"`
	Tx          string      `json:"tx,omitempty"`
}

// StackItem is a VM stack item as rendered by the RPC server.
type StackItem struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ContractParam is an invocation argument.
type ContractParam struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

func NewStringParam(value string) ContractParam {
	return ContractParam{Type: "String", Value: value}
}

func NewIntegerParam(value *big.Int) ContractParam {
	if value == nil {
		value = new(big.Int)
	}
	return ContractParam{Type: "Integer", Value: value.String()}
}

func NewBoolParam(value bool) ContractParam {
	return ContractParam{Type: "Boolean", Value: value}
}

// NewByteArrayParam hex-encodes value; neo-go and C# nodes both accept hex
// for ByteArray parameters.
func NewByteArrayParam(value []byte) ContractParam {
	return ContractParam{Type: "ByteArray", Value: hex.EncodeToString(value)}
}

func NewHash160Param(value string) ContractParam {
	return ContractParam{Type: "Hash160", Value: value}
}

func NewHash256Param(value string) ContractParam {
	return ContractParam{Type: "Hash256", Value: value}
}

func NewArrayParam(values []ContractParam) ContractParam {
	if values == nil {
		values = []ContractParam{}
	}
	return ContractParam{Type: "Array", Value: values}
}

// Signer is an RPC signer description used in test invocations.
type Signer struct {
	Account          string   `json:"account"`
	Scopes           string   `json:"scopes"`
	AllowedContracts []string `json:"allowedcontracts,omitempty"`
}

const ScopeCalledByEntry = "CalledByEntry"

// ApplicationLog is the execution record of a transaction.
type ApplicationLog struct {
	TxID       string      `json:"txid"`
	Executions []Execution `json:"executions"`
}

// Execution is one execution in an application log.
type Execution struct {
	Trigger       string         `json:"trigger"`
	VMState       string         `json:"vmstate"`
	Exception     string         `json:"exception,omitempty"`
	GasConsumed   string         `json:"gasconsumed"`
	Stack         []StackItem    `json:"stack"`
	Notifications []Notification `json:"notifications"`
}

// Notification is a contract event.
type Notification struct {
	Contract  string    `json:"contract"`
	EventName string    `json:"eventname"`
	State     StackItem `json:"state"`
}

// VMState returns the state of the first execution, or "" when there is none.
func (l *ApplicationLog) VMState() string {
	if l == nil || len(l.Executions) == 0 {
		return ""
	}
	return l.Executions[0].VMState
}

// Exception returns the exception of the first execution.
func (l *ApplicationLog) Exception() string {
	if l == nil || len(l.Executions) == 0 {
		return ""
	}
	return l.Executions[0].Exception
}

// TxResult describes a broadcast transaction.
type TxResult struct {
	TxHash  string
	VMState string
	AppLog  *ApplicationLog
}

// VM states.
const (
	VMStateHalt  = "HALT"
	VMStateFault = "FAULT"
)
