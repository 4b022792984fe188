package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"

	"github.com/R3E-Network/request_router/internal/app/domain/automation"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// Anchor is the on-chain record of executed nonces.
type Anchor interface {
	IsNonceUsed(ctx context.Context, taskID string, nonce uint64) (bool, error)
	MarkExecuted(ctx context.Context, taskID string, nonce uint64, txHash string) (string, error)
}

// Deliverer sends a result to the request's callback contract.
type Deliverer interface {
	Deliver(ctx context.Context, req *request.Request, result map[string]any) error
}

// Handler executes automation requests.
type Handler struct {
	anchor    Anchor
	inv       chain.Invoker
	signer    chain.TxSigner
	store     storage.TaskStore
	deliverer Deliverer
	log       *logging.Logger
	now       func() time.Time
}

var (
	_ router.Handler   = (*Handler)(nil)
	_ router.Validator = (*Handler)(nil)
)

// NewHandler creates the automation handler. signer pays for target calls.
func NewHandler(anchor Anchor, inv chain.Invoker, signer chain.TxSigner, store storage.TaskStore, deliverer Deliverer, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewDefault("automation-handler")
	}
	return &Handler{
		anchor:    anchor,
		inv:       inv,
		signer:    signer,
		store:     store,
		deliverer: deliverer,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) ServiceType() request.ServiceType { return request.ServiceAutomation }

type execPayload struct {
	TaskID   string
	Nonce    uint64
	Contract string
	Method   string
	Args     []any
}

func parseExecPayload(raw map[string]any) (execPayload, error) {
	var p execPayload
	p.TaskID, _ = raw["task_id"].(string)
	if strings.TrimSpace(p.TaskID) == "" {
		return p, errors.MissingParameter("task_id")
	}
	nonce, err := toUint64(raw["nonce"])
	if err != nil || nonce == 0 {
		return p, errors.Validation("nonce", "nonce must be a positive integer")
	}
	p.Nonce = nonce
	p.Contract, _ = raw["contract"].(string)
	p.Method, _ = raw["method"].(string)
	if p.Contract == "" || p.Method == "" {
		return p, errors.Validation("target", "contract and method are required")
	}
	switch args := raw["args"].(type) {
	case nil:
	case []any:
		p.Args = args
	default:
		return p, errors.Validation("args", "args must be a list")
	}
	return p, nil
}

// ValidateRequest rejects malformed automation payloads.
func (h *Handler) ValidateRequest(req *request.Request) error {
	p, err := parseExecPayload(req.Payload)
	if err != nil {
		return err
	}
	_, err = toParams(p.Args)
	return err
}

// ProcessRequest invokes the task target unless the anchor already holds
// the nonce or a checkpoint shows the target ran.
func (h *Handler) ProcessRequest(ctx context.Context, req *request.Request) (router.Outcome, error) {
	p, err := parseExecPayload(req.Payload)
	if err != nil {
		return router.Outcome{}, err
	}
	entry := h.log.WithFields(map[string]interface{}{
		"request_id": req.ID,
		"task_id":    p.TaskID,
		"nonce":      p.Nonce,
	})

	used, err := h.anchor.IsNonceUsed(ctx, p.TaskID, p.Nonce)
	if err != nil {
		return router.Outcome{}, errors.Handler("anchor lookup failed", err)
	}
	if used {
		entry.Info("nonce already anchored; skipping target")
		return router.Completed(map[string]any{
			"task_id":          p.TaskID,
			"nonce":            p.Nonce,
			"already_executed": true,
		}), nil
	}

	if exec, err := h.store.GetExecution(ctx, p.TaskID, p.Nonce); err == nil && exec.TargetTx != "" {
		done, err := h.targetApplied(ctx, exec.TargetTx)
		if err != nil {
			return router.Outcome{}, err
		}
		if done {
			entry.WithField("target_tx", exec.TargetTx).Info("target already executed; resuming")
			return router.Completed(execResult(p, exec.TargetTx)), nil
		}
		entry.WithField("target_tx", exec.TargetTx).Warn("previous target call faulted; invoking again")
	} else if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return router.Outcome{}, err
	}

	params, err := toParams(p.Args)
	if err != nil {
		return router.Outcome{}, err
	}
	res, err := h.inv.InvokeFunctionWithSignerAndWait(ctx, p.Contract, p.Method, params, h.signer, transaction.CalledByEntry, true)
	txHash := ""
	if res != nil {
		txHash = res.TxHash
	}
	h.log.LogBlockchainTx(ctx, txHash, "automation_target", err)
	var fault *chain.FaultError
	if err != nil && (txHash == "" || errors.As(err, &fault)) {
		return router.Outcome{}, errors.ChainSubmission("invoke target", err)
	}

	// Checkpoint any broadcast target, confirmed or not.
	if serr := h.store.SaveExecution(ctx, automation.Execution{
		TaskID:     p.TaskID,
		Nonce:      p.Nonce,
		RequestID:  req.ID,
		TargetTx:   txHash,
		ExecutedAt: h.now(),
	}); serr != nil {
		entry.WithError(serr).Warn("save execution checkpoint failed")
	}
	if err != nil {
		return router.Outcome{}, errors.ChainSubmission("confirm target", err)
	}
	return router.Completed(execResult(p, txHash)), nil
}

// targetApplied reports whether a checkpointed target transaction halted.
// A faulted transaction reports false. A transaction the node cannot report
// on yet is a retryable error.
func (h *Handler) targetApplied(ctx context.Context, txHash string) (bool, error) {
	log, err := h.inv.GetApplicationLog(ctx, txHash)
	if err != nil {
		return false, errors.ChainSubmission("target outcome", err)
	}
	return log.VMState() == chain.VMStateHalt, nil
}

// FulfillRequest anchors the executed nonce and delivers the callback. A
// nonce the anchor already holds counts as delivered.
func (h *Handler) FulfillRequest(ctx context.Context, req *request.Request, result map[string]any) error {
	if result != nil {
		if err := h.markExecuted(ctx, req, result); err != nil {
			return err
		}
	}
	if h.deliverer != nil {
		return h.deliverer.Deliver(ctx, req, result)
	}
	return nil
}

func (h *Handler) markExecuted(ctx context.Context, req *request.Request, result map[string]any) error {
	if done, _ := result["already_executed"].(bool); done {
		return nil
	}
	p, err := parseExecPayload(req.Payload)
	if err != nil {
		return err
	}
	targetTx, _ := result["target_tx"].(string)
	if targetTx == "" {
		return errors.Validation("target_tx", "missing target transaction")
	}

	anchorTx, err := h.anchor.MarkExecuted(ctx, p.TaskID, p.Nonce, targetTx)
	if errors.Is(err, chain.ErrNonceUsed) {
		h.log.WithField("task_id", p.TaskID).WithField("nonce", p.Nonce).Info("nonce already anchored")
		return nil
	}
	h.log.LogBlockchainTx(ctx, anchorTx, "automation_anchor", err)
	if err != nil {
		return err
	}

	exec, gerr := h.store.GetExecution(ctx, p.TaskID, p.Nonce)
	if gerr == nil {
		exec.AnchorTx = anchorTx
		if err := h.store.SaveExecution(ctx, exec); err != nil {
			h.log.WithError(err).WithField("task_id", p.TaskID).Warn("record anchor tx failed")
		}
	}
	return nil
}

func execResult(p execPayload, txHash string) map[string]any {
	return map[string]any{
		"task_id":   p.TaskID,
		"nonce":     p.Nonce,
		"target_tx": txHash,
	}
}

// toParams converts task arguments to contract parameters. Explicit
// {"type","value"} objects pass through; strings, booleans and integers map
// to String, Boolean and Integer.
func toParams(args []any) ([]chain.ContractParam, error) {
	out := make([]chain.ContractParam, 0, len(args))
	for i, a := range args {
		field := fmt.Sprintf("args[%d]", i)
		switch v := a.(type) {
		case string:
			out = append(out, chain.NewStringParam(v))
		case bool:
			out = append(out, chain.NewBoolParam(v))
		case int, int64, uint64, float64, json.Number:
			n, err := toBigInt(v)
			if err != nil {
				return nil, errors.Validation(field, err.Error())
			}
			out = append(out, chain.NewIntegerParam(n))
		case map[string]any:
			typ, _ := v["type"].(string)
			if typ == "" {
				return nil, errors.Validation(field, "typed argument needs a type")
			}
			out = append(out, chain.ContractParam{Type: typ, Value: v["value"]})
		case chain.ContractParam:
			out = append(out, v)
		default:
			return nil, errors.Validation(field, fmt.Sprintf("unsupported argument type %T", a))
		}
	}
	return out, nil
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("integer argument expected")
		}
		return big.NewInt(int64(n)), nil
	case json.Number:
		b, ok := new(big.Int).SetString(n.String(), 10)
		if !ok {
			return nil, fmt.Errorf("integer argument expected")
		}
		return b, nil
	}
	return nil, fmt.Errorf("integer argument expected")
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative")
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative")
		}
		return uint64(n), nil
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, fmt.Errorf("not a whole number")
		}
		return uint64(n), nil
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	case string:
		return strconv.ParseUint(n, 10, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}
