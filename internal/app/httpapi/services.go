package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/request_router/internal/app/domain/automation"
	"github.com/R3E-Network/request_router/internal/app/domain/ledger"
	"github.com/R3E-Network/request_router/internal/httputil"
	"github.com/R3E-Network/request_router/internal/middleware"
)

// TaskService manages automation tasks.
type TaskService interface {
	CreateTask(ctx context.Context, task automation.Task) (automation.Task, error)
	GetTask(ctx context.Context, accountID, taskID string) (automation.Task, error)
	ListTasks(ctx context.Context, accountID string) ([]automation.Task, error)
	DisableTask(ctx context.Context, accountID, taskID string) (automation.Task, error)
}

// LedgerService exposes account balances and deposits.
type LedgerService interface {
	Balance(ctx context.Context, accountID string) (ledger.Balance, error)
	Deposit(ctx context.Context, accountID string, amount int64, txHash string) (ledger.Entry, error)
}

func (h *handler) registerTasks(api *mux.Router, tasks TaskService) {
	api.HandleFunc("/automation/tasks", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var task automation.Task
		if !httputil.DecodeJSON(w, r, &task) {
			return
		}
		task.AccountID = middleware.AccountID(r.Context())
		created, err := tasks.CreateTask(r.Context(), task)
		h.audit.add(r, "create_task", created.ID, err)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, created)
	}).Methods(http.MethodPost)

	api.HandleFunc("/automation/tasks", func(w http.ResponseWriter, r *http.Request) {
		list, err := tasks.ListTasks(r.Context(), middleware.AccountID(r.Context()))
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if list == nil {
			list = []automation.Task{}
		}
		httputil.WriteJSON(w, http.StatusOK, list)
	}).Methods(http.MethodGet)

	api.HandleFunc("/automation/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		task, err := tasks.GetTask(r.Context(), middleware.AccountID(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, task)
	}).Methods(http.MethodGet)

	api.HandleFunc("/automation/tasks/{id}/disable", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		task, err := tasks.DisableTask(r.Context(), middleware.AccountID(r.Context()), id)
		h.audit.add(r, "disable_task", id, err)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, task)
	}).Methods(http.MethodPost)
}

func (h *handler) registerLedger(api *mux.Router, svc LedgerService) {
	api.HandleFunc("/ledger/balance", func(w http.ResponseWriter, r *http.Request) {
		bal, err := svc.Balance(r.Context(), middleware.AccountID(r.Context()))
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, bal)
	}).Methods(http.MethodGet)

	api.HandleFunc("/ledger/deposits", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var body struct {
			Amount int64  `json:"amount"`
			TxHash string `json:"tx_hash"`
		}
		if !httputil.DecodeJSON(w, r, &body) {
			return
		}
		e, err := svc.Deposit(r.Context(), middleware.AccountID(r.Context()), body.Amount, body.TxHash)
		h.audit.add(r, "deposit", e.ID, err)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, e)
	}).Methods(http.MethodPost)
}
