package automation

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/request_router/internal/app/domain/automation"
	"github.com/R3E-Network/request_router/internal/app/domain/datafeed"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/errors"
)

// cronResyncAfter skips a missed cron fire that is older than this.
const cronResyncAfter = time.Minute

// PriceSource serves the latest data feed quote.
type PriceSource interface {
	Price(ctx context.Context, feedID string) (datafeed.Quote, error)
}

// BalanceSource reads NEP-17 balances.
type BalanceSource interface {
	BalanceOf(ctx context.Context, token, addr string) (*big.Int, error)
}

// EventSource reports contract notifications seen after a block.
type EventSource interface {
	Scan(ctx context.Context, contract, event string, after uint32) (bool, uint32, error)
}

// ValidateTrigger checks a trigger definition before a task is stored.
func ValidateTrigger(t automation.Trigger) error {
	switch t.Type {
	case automation.TriggerCron:
		if _, err := cron.ParseStandard(t.Schedule); err != nil {
			return errors.Validation("trigger.schedule", "invalid cron expression")
		}
	case automation.TriggerInterval:
		if t.Interval < time.Second {
			return errors.Validation("trigger.interval", "interval must be at least 1s")
		}
	case automation.TriggerPrice:
		if strings.TrimSpace(t.FeedID) == "" {
			return errors.MissingParameter("trigger.feed_id")
		}
		if err := validOperator(t.Operator); err != nil {
			return err
		}
	case automation.TriggerBalance:
		if strings.TrimSpace(t.Account) == "" {
			return errors.MissingParameter("trigger.account")
		}
		if err := validOperator(t.Operator); err != nil {
			return err
		}
	case automation.TriggerEvent:
		if strings.TrimSpace(t.Contract) == "" || strings.TrimSpace(t.Event) == "" {
			return errors.Validation("trigger", "event trigger needs contract and event")
		}
	case automation.TriggerScript:
		if strings.TrimSpace(t.Script) == "" {
			return errors.MissingParameter("trigger.script")
		}
		if _, err := goja.Compile("trigger", t.Script, true); err != nil {
			return errors.Validation("trigger.script", "script does not compile")
		}
	default:
		return errors.Validation("trigger.type", fmt.Sprintf("unsupported trigger type %q", t.Type))
	}
	return nil
}

func validOperator(op string) error {
	for _, o := range automation.Operators {
		if o == strings.TrimSpace(op) {
			return nil
		}
	}
	return errors.Validation("trigger.operator", fmt.Sprintf("unsupported operator %q", op))
}

// evaluator decides whether a task is due. It returns the task with its
// trigger bookkeeping advanced and the data attached to the request.
type evaluator struct {
	prices        PriceSource
	balances      BalanceSource
	events        EventSource
	scriptTimeout time.Duration
}

func (e *evaluator) evaluate(ctx context.Context, task automation.Task, now time.Time) (bool, automation.Task, map[string]any, error) {
	t := task.Trigger
	switch t.Type {
	case automation.TriggerCron:
		return e.cron(task, now)
	case automation.TriggerInterval:
		if !task.LastRunAt.IsZero() && now.Before(task.LastRunAt.Add(t.Interval)) {
			return false, task, nil, nil
		}
		return true, task, map[string]any{"type": "interval", "executed_at": now.Unix()}, nil
	case automation.TriggerPrice:
		return e.price(ctx, task)
	case automation.TriggerBalance:
		bal, err := e.balance(ctx, t)
		if err != nil {
			return false, task, nil, err
		}
		ok, err := automation.Compare(bal, t.Operator, t.Threshold)
		if err != nil || !ok {
			return false, task, nil, err
		}
		return true, task, map[string]any{"type": "balance", "balance": bal, "threshold": t.Threshold}, nil
	case automation.TriggerEvent:
		if e.events == nil {
			return false, task, nil, fmt.Errorf("event source not configured")
		}
		seen, last, err := e.events.Scan(ctx, t.Contract, t.Event, task.LastBlock)
		task.LastBlock = last
		if err != nil || !seen {
			return false, task, nil, err
		}
		return true, task, map[string]any{"type": "event", "event": t.Event, "block": last}, nil
	case automation.TriggerScript:
		return e.script(ctx, task, now)
	default:
		return false, task, nil, fmt.Errorf("unsupported trigger type %q", t.Type)
	}
}

func (e *evaluator) cron(task automation.Task, now time.Time) (bool, automation.Task, map[string]any, error) {
	sched, err := cron.ParseStandard(task.Trigger.Schedule)
	if err != nil {
		return false, task, nil, err
	}
	if task.NextRunAt.IsZero() {
		from := now
		if !task.LastRunAt.IsZero() {
			from = task.LastRunAt
		}
		task.NextRunAt = sched.Next(from)
	}
	if now.Before(task.NextRunAt) {
		return false, task, nil, nil
	}
	if now.Sub(task.NextRunAt) > cronResyncAfter {
		task.NextRunAt = sched.Next(now)
		return false, task, nil, nil
	}
	due := task.NextRunAt
	task.NextRunAt = sched.Next(now)
	return true, task, map[string]any{"type": "cron", "scheduled_at": due.Unix(), "executed_at": now.Unix()}, nil
}

// price fires at most once per feed round.
func (e *evaluator) price(ctx context.Context, task automation.Task) (bool, automation.Task, map[string]any, error) {
	if e.prices == nil {
		return false, task, nil, fmt.Errorf("price source not configured")
	}
	t := task.Trigger
	q, err := e.prices.Price(ctx, t.FeedID)
	if err != nil {
		return false, task, nil, err
	}
	round := strconv.FormatUint(q.Round, 10)
	if round == task.LastRoundID {
		return false, task, nil, nil
	}
	task.LastRoundID = round
	ok, err := automation.Compare(q.Price, t.Operator, t.Threshold)
	if err != nil || !ok {
		return false, task, nil, err
	}
	return true, task, map[string]any{
		"type":      "price",
		"feed_id":   t.FeedID,
		"round_id":  round,
		"price":     q.Price,
		"operator":  t.Operator,
		"threshold": t.Threshold,
	}, nil
}

func (e *evaluator) balance(ctx context.Context, t automation.Trigger) (int64, error) {
	if e.balances == nil {
		return 0, fmt.Errorf("balance source not configured")
	}
	token := t.Token
	if token == "" {
		token = chain.GasTokenHash
	}
	bal, err := e.balances.BalanceOf(ctx, token, t.Account)
	if err != nil {
		return 0, err
	}
	if !bal.IsInt64() {
		return 0, fmt.Errorf("balance of %s overflows int64", t.Account)
	}
	return bal.Int64(), nil
}

// script runs the trigger expression with price, balance and now bound.
// A script that runs past the timeout is interrupted.
func (e *evaluator) script(ctx context.Context, task automation.Task, now time.Time) (bool, automation.Task, map[string]any, error) {
	t := task.Trigger
	input := map[string]any{"now": now.Unix()}
	if t.FeedID != "" && e.prices != nil {
		q, err := e.prices.Price(ctx, t.FeedID)
		if err != nil {
			return false, task, nil, err
		}
		input["price"] = q.Price
	}
	if t.Account != "" {
		bal, err := e.balance(ctx, t)
		if err != nil {
			return false, task, nil, err
		}
		input["balance"] = bal
	}

	prog, err := goja.Compile("trigger", t.Script, true)
	if err != nil {
		return false, task, nil, err
	}
	vm := goja.New()
	for k, v := range input {
		if err := vm.Set(k, v); err != nil {
			return false, task, nil, err
		}
	}

	timeout := e.scriptTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt("script timeout")
		case <-ctx.Done():
			vm.Interrupt("cancelled")
		case <-done:
		}
	}()
	defer close(done)

	v, err := vm.RunProgram(prog)
	if err != nil {
		return false, task, nil, fmt.Errorf("trigger script: %w", err)
	}
	if !v.ToBoolean() {
		return false, task, nil, nil
	}
	input["type"] = "script"
	return true, task, input, nil
}
