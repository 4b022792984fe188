package router

import (
	"context"

	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/errors"
)

// Handler processes requests of one service type.
//
// ProcessRequest may run more than once for the same request and must be safe
// to re-execute. FulfillRequest delivers a result and is retried with backoff
// independently of the processing attempt budget; retries of the same
// delivery must reuse the same on-chain nonce.
type Handler interface {
	ServiceType() request.ServiceType
	ProcessRequest(ctx context.Context, req *request.Request) (Outcome, error)
	FulfillRequest(ctx context.Context, req *request.Request, result map[string]any) error
}

// Outcome is the result of one processing attempt. A deferred outcome
// leaves the request running until CompleteRequest or FailRequest is called.
type Outcome struct {
	Result   map[string]any
	Deferred bool
}

// Completed returns a finished outcome carrying result.
func Completed(result map[string]any) Outcome { return Outcome{Result: result} }

// Deferred returns an outcome whose completion arrives later.
func Deferred() Outcome { return Outcome{Deferred: true} }

// Validator is implemented by handlers that check payloads at create time.
type Validator interface {
	ValidateRequest(req *request.Request) error
}

// AccountChecker verifies that an account exists before a request is accepted.
type AccountChecker interface {
	AccountExists(ctx context.Context, accountID string) error
}

// FeeCollector reserves the fee of a request and returns the ledger entry id.
type FeeCollector interface {
	Collect(ctx context.Context, req *request.Request) (string, error)
}

// NoopHandler rejects every request. The router falls back to it when a
// request's service type has no handler.
type NoopHandler struct {
	Type request.ServiceType
}

func (h NoopHandler) ServiceType() request.ServiceType { return h.Type }

func (h NoopHandler) ProcessRequest(_ context.Context, req *request.Request) (Outcome, error) {
	return Outcome{}, errors.Handler("no handler registered for "+string(req.ServiceType), nil)
}

func (h NoopHandler) FulfillRequest(context.Context, *request.Request, map[string]any) error {
	return nil
}
