// Package memory provides a thread-safe in-memory implementation of every
// store in package storage. Reads return clones so callers never share state
// with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/request_router/internal/app/domain/automation"
	"github.com/R3E-Network/request_router/internal/app/domain/ledger"
	"github.com/R3E-Network/request_router/internal/app/domain/mixer"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/errors"
)

// Memory is the in-memory store.
type Memory struct {
	mu sync.RWMutex

	requests   map[string]*request.Request
	byExternal map[string]string

	payouts  map[string][]mixer.Payout
	accounts map[string]mixer.PoolAccount

	tasks      map[string]automation.Task
	executions map[string]automation.Execution

	entries  map[string]ledger.Entry
	balances map[string]ledger.Balance
}

var (
	_ storage.RequestStore = (*Memory)(nil)
	_ storage.PayoutStore  = (*Memory)(nil)
	_ storage.PoolStore    = (*Memory)(nil)
	_ storage.TaskStore    = (*Memory)(nil)
	_ storage.LedgerStore  = (*Memory)(nil)
)

// New creates an empty store.
func New() *Memory {
	return &Memory{
		requests:   make(map[string]*request.Request),
		byExternal: make(map[string]string),
		payouts:    make(map[string][]mixer.Payout),
		accounts:   make(map[string]mixer.PoolAccount),
		tasks:      make(map[string]automation.Task),
		executions: make(map[string]automation.Execution),
		entries:    make(map[string]ledger.Entry),
		balances:   make(map[string]ledger.Balance),
	}
}

// RequestStore --------------------------------------------------------------

func (m *Memory) Create(_ context.Context, req *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ID]; ok {
		return fmt.Errorf("request %s: %w", req.ID, errors.ErrDuplicate)
	}
	if req.ExternalID != "" {
		if _, ok := m.byExternal[req.ExternalID]; ok {
			return fmt.Errorf("external id %s: %w", req.ExternalID, errors.ErrDuplicate)
		}
		m.byExternal[req.ExternalID] = req.ID
	}
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, errors.NotFound("request", id)
	}
	return req.Clone(), nil
}

func (m *Memory) GetByExternalID(_ context.Context, externalID string) (*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, errors.NotFound("request", externalID)
	}
	return m.requests[id].Clone(), nil
}

func (m *Memory) Update(_ context.Context, req *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[req.ID]
	if !ok {
		return errors.NotFound("request", req.ID)
	}
	next, err := storage.ApplyUpdate(cur, req)
	if err != nil {
		return err
	}
	m.requests[req.ID] = next
	return nil
}

func (m *Memory) Claim(_ context.Context, id string, at time.Time) (*request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[id]
	if !ok {
		return nil, errors.NotFound("request", id)
	}
	next, err := storage.ApplyClaim(cur, at)
	if err != nil {
		return nil, err
	}
	m.requests[id] = next
	return next.Clone(), nil
}

func (m *Memory) List(_ context.Context, f storage.RequestFilter) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*request.Request
	for _, req := range m.requests {
		if f.AccountID != "" && req.AccountID != f.AccountID {
			continue
		}
		if f.ServiceType != "" && req.ServiceType != f.ServiceType {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListPending(_ context.Context, serviceType request.ServiceType, limit int) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*request.Request
	for _, req := range m.requests {
		if req.Status != request.StatusPending {
			continue
		}
		if serviceType != "" && req.ServiceType != serviceType {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PayoutStore ---------------------------------------------------------------

func (m *Memory) CreatePayouts(_ context.Context, requestID string, payouts []mixer.Payout) ([]mixer.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.payouts[requestID]; ok {
		return append([]mixer.Payout(nil), existing...), nil
	}
	now := time.Now().UTC()
	stored := make([]mixer.Payout, len(payouts))
	for i, p := range payouts {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.RequestID = requestID
		p.UpdatedAt = now
		stored[i] = p
	}
	m.payouts[requestID] = stored
	return append([]mixer.Payout(nil), stored...), nil
}

func (m *Memory) ListPayouts(_ context.Context, requestID string) ([]mixer.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]mixer.Payout(nil), m.payouts[requestID]...), nil
}

func (m *Memory) ListDuePayouts(_ context.Context, now time.Time, limit int) ([]mixer.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []mixer.Payout
	for _, batch := range m.payouts {
		for _, p := range batch {
			if !p.Status.Terminal() && !p.ScheduledAt.After(now) {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdatePayout(_ context.Context, p mixer.Payout, expected mixer.PayoutStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.payouts[p.RequestID]
	for i := range batch {
		if batch[i].ID != p.ID {
			continue
		}
		if batch[i].Status != expected {
			return false, nil
		}
		p.UpdatedAt = time.Now().UTC()
		batch[i] = p
		return true, nil
	}
	return false, errors.NotFound("payout", p.ID)
}

// PoolStore -----------------------------------------------------------------

func (m *Memory) CreatePoolAccount(_ context.Context, acct mixer.PoolAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return fmt.Errorf("pool account %s: %w", acct.ID, errors.ErrDuplicate)
	}
	m.accounts[acct.ID] = acct
	return nil
}

func (m *Memory) UpdatePoolAccount(_ context.Context, acct mixer.PoolAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; !ok {
		return errors.NotFound("pool account", acct.ID)
	}
	m.accounts[acct.ID] = acct
	return nil
}

func (m *Memory) GetPoolAccount(_ context.Context, id string) (mixer.PoolAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return mixer.PoolAccount{}, errors.NotFound("pool account", id)
	}
	return acct, nil
}

func (m *Memory) ListPoolAccounts(_ context.Context, status mixer.PoolStatus) ([]mixer.PoolAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []mixer.PoolAccount
	for _, acct := range m.accounts {
		if status == "" || acct.Status == status {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// TaskStore -----------------------------------------------------------------

func (m *Memory) CreateTask(_ context.Context, task automation.Task) (automation.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	} else if _, ok := m.tasks[task.ID]; ok {
		return automation.Task{}, fmt.Errorf("task %s: %w", task.ID, errors.ErrDuplicate)
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return cloneTask(task), nil
}

// UpdateTask never moves the nonce; only ReserveNonce does.
func (m *Memory) UpdateTask(_ context.Context, task automation.Task) (automation.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[task.ID]
	if !ok {
		return automation.Task{}, errors.NotFound("task", task.ID)
	}
	task.CreatedAt = cur.CreatedAt
	task.Nonce = cur.Nonce
	task.UpdatedAt = time.Now().UTC()
	m.tasks[task.ID] = cloneTask(task)
	return cloneTask(task), nil
}

func (m *Memory) GetTask(_ context.Context, id string) (automation.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return automation.Task{}, errors.NotFound("task", id)
	}
	return cloneTask(task), nil
}

func (m *Memory) ListTasks(_ context.Context, accountID string) ([]automation.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []automation.Task
	for _, task := range m.tasks {
		if accountID == "" || task.AccountID == accountID {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ReserveNonce(_ context.Context, taskID string, last uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return 0, errors.NotFound("task", taskID)
	}
	if task.Nonce != last {
		return 0, fmt.Errorf("task %s nonce moved to %d: %w", taskID, task.Nonce, errors.ErrConflict)
	}
	task.Nonce = last + 1
	task.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = task
	return task.Nonce, nil
}

func (m *Memory) GetExecution(_ context.Context, taskID string, nonce uint64) (automation.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[executionKey(taskID, nonce)]
	if !ok {
		return automation.Execution{}, errors.NotFound("execution", executionKey(taskID, nonce))
	}
	return exec, nil
}

func (m *Memory) SaveExecution(_ context.Context, exec automation.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[executionKey(exec.TaskID, exec.Nonce)] = exec
	return nil
}

func executionKey(taskID string, nonce uint64) string {
	return fmt.Sprintf("%s/%d", taskID, nonce)
}

func cloneTask(t automation.Task) automation.Task {
	t.Target.Args = append([]any(nil), t.Target.Args...)
	return t
}

// LedgerStore ---------------------------------------------------------------

func (m *Memory) CreateEntry(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.RequestID != "" {
		for _, existing := range m.entries {
			if existing.RequestID == e.RequestID && existing.Kind == e.Kind {
				return existing, fmt.Errorf("ledger entry for %s: %w", e.RequestID, errors.ErrDuplicate)
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = ledger.StatusPending
	e.CreatedAt = time.Now().UTC()
	m.entries[e.ID] = e

	bal := m.balances[e.AccountID]
	bal.AccountID = e.AccountID
	bal.Reserve(e)
	m.balances[e.AccountID] = bal
	return e, nil
}

func (m *Memory) GetEntry(_ context.Context, id string) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.Entry{}, errors.NotFound("ledger entry", id)
	}
	return e, nil
}

func (m *Memory) GetEntryByRequest(_ context.Context, requestID string, kind ledger.Kind) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.RequestID == requestID && e.Kind == kind {
			return e, nil
		}
	}
	return ledger.Entry{}, errors.NotFound("ledger entry", requestID)
}

func (m *Memory) ListPendingEntries(_ context.Context, limit int) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Entry
	for _, e := range m.entries {
		if e.Status == ledger.StatusPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Settle(_ context.Context, id string, final ledger.Status, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return false, errors.NotFound("ledger entry", id)
	}
	if e.Status != ledger.StatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	e.Status = final
	e.Message = message
	e.CompletedAt = &now
	m.entries[id] = e

	bal := m.balances[e.AccountID]
	bal.AccountID = e.AccountID
	bal.Apply(e, final)
	m.balances[e.AccountID] = bal
	return true, nil
}

func (m *Memory) GetBalance(_ context.Context, accountID string) (ledger.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[accountID]
	if !ok {
		return ledger.Balance{AccountID: accountID}, nil
	}
	return bal, nil
}
