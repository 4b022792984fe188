// Package automation registers scheduled tasks, fires their triggers and
// executes the target call exactly once per nonce.
package automation

import (
	"context"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"

	"github.com/R3E-Network/request_router/internal/app/domain/automation"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// Service manages automation tasks.
type Service struct {
	accounts router.AccountChecker
	store    storage.TaskStore
	log      *logging.Logger
}

// New creates a task service. accounts may be nil.
func New(accounts router.AccountChecker, store storage.TaskStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("automation")
	}
	return &Service{accounts: accounts, store: store, log: log}
}

// CreateTask validates and stores a new enabled task.
func (s *Service) CreateTask(ctx context.Context, task automation.Task) (automation.Task, error) {
	task.AccountID = strings.TrimSpace(task.AccountID)
	task.Name = strings.TrimSpace(task.Name)
	task.Target.Contract = strings.TrimSpace(task.Target.Contract)
	task.Target.Method = strings.TrimSpace(task.Target.Method)

	if task.AccountID == "" {
		return automation.Task{}, errors.MissingParameter("account_id")
	}
	if task.Target.Contract == "" {
		return automation.Task{}, errors.MissingParameter("target.contract")
	}
	if _, err := chain.ParseScriptHash(task.Target.Contract); err != nil {
		return automation.Task{}, errors.Validation("target.contract", "invalid contract hash")
	}
	if task.Target.Method == "" {
		return automation.Task{}, errors.MissingParameter("target.method")
	}
	if _, err := toParams(task.Target.Args); err != nil {
		return automation.Task{}, err
	}
	if task.MaxExecutions < 0 {
		return automation.Task{}, errors.Validation("max_executions", "must not be negative")
	}
	if err := ValidateTrigger(task.Trigger); err != nil {
		return automation.Task{}, err
	}
	if task.Trigger.Type == automation.TriggerBalance {
		if _, err := address.StringToUint160(task.Trigger.Account); err != nil {
			return automation.Task{}, errors.Validation("trigger.account", "invalid Neo address")
		}
	}

	if s.accounts != nil {
		if err := s.accounts.AccountExists(ctx, task.AccountID); err != nil {
			return automation.Task{}, err
		}
	}

	existing, err := s.store.ListTasks(ctx, task.AccountID)
	if err != nil {
		return automation.Task{}, err
	}
	if task.Name != "" {
		for _, other := range existing {
			if strings.EqualFold(other.Name, task.Name) {
				return automation.Task{}, errors.Conflict("task with name " + task.Name + " already exists")
			}
		}
	}

	task.ID = ""
	task.Nonce = 0
	task.Executions = 0
	task.Enabled = true
	task, err = s.store.CreateTask(ctx, task)
	if err != nil {
		return automation.Task{}, err
	}
	s.log.WithField("task_id", task.ID).
		WithField("account_id", task.AccountID).
		WithField("trigger", task.Trigger.Type).
		Info("automation task created")
	return task, nil
}

// DisableTask stops a task from firing. Disabling twice is a no-op.
func (s *Service) DisableTask(ctx context.Context, accountID, taskID string) (automation.Task, error) {
	task, err := s.GetTask(ctx, accountID, taskID)
	if err != nil {
		return automation.Task{}, err
	}
	if !task.Enabled {
		return task, nil
	}
	task.Enabled = false
	task, err = s.store.UpdateTask(ctx, task)
	if err != nil {
		return automation.Task{}, err
	}
	s.log.WithField("task_id", task.ID).
		WithField("account_id", task.AccountID).
		Info("automation task disabled")
	return task, nil
}

// GetTask returns a task owned by accountID. Tasks of other accounts are
// reported as not found.
func (s *Service) GetTask(ctx context.Context, accountID, taskID string) (automation.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return automation.Task{}, err
	}
	if accountID != "" && task.AccountID != accountID {
		return automation.Task{}, errors.NotFound("task", taskID)
	}
	return task, nil
}

// ListTasks lists the tasks of an account.
func (s *Service) ListTasks(ctx context.Context, accountID string) ([]automation.Task, error) {
	return s.store.ListTasks(ctx, accountID)
}
