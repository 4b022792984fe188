package storage

import (
	"fmt"
	"time"

	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/errors"
)

// ApplyUpdate checks an update of cur to next and returns the record to
// persist. Only router and handler owned fields are taken from next; identity,
// payload and creation fields always come from cur.
func ApplyUpdate(cur, next *request.Request) (*request.Request, error) {
	out := cur.Clone()

	if cur.Status.Terminal() {
		if !sameOutcome(cur, next) {
			return nil, fmt.Errorf("request %s is %s: %w", cur.ID, cur.Status, errors.ErrTerminal)
		}
		out.Metadata = cloneMetadata(next.Metadata)
		out.UpdatedAt = stamp(next.UpdatedAt)
		return out, nil
	}

	if !request.CanTransition(cur.Status, next.Status) {
		return nil, fmt.Errorf("request %s %s -> %s: %w", cur.ID, cur.Status, next.Status, errors.ErrInvalidTransition)
	}
	if err := checkAttempts(cur, next); err != nil {
		return nil, err
	}

	up := next.Clone()
	out.Status = up.Status
	out.Result = up.Result
	out.Error = up.Error
	out.FeeID = up.FeeID
	out.TxHash = up.TxHash
	out.Attempts = up.Attempts
	out.Metadata = up.Metadata
	out.UpdatedAt = stamp(up.UpdatedAt)
	out.CompletedAt = up.CompletedAt
	if out.Status.Terminal() && out.CompletedAt == nil {
		t := out.UpdatedAt
		out.CompletedAt = &t
	}
	return out, nil
}

// ApplyClaim moves a pending cur to running and counts the attempt. Any other
// status returns errors.ErrInvalidTransition, so of two racing claims only one
// succeeds.
func ApplyClaim(cur *request.Request, at time.Time) (*request.Request, error) {
	if cur.Status != request.StatusPending {
		return nil, fmt.Errorf("request %s is %s: %w", cur.ID, cur.Status, errors.ErrInvalidTransition)
	}
	out := cur.Clone()
	out.Status = request.StatusRunning
	out.Attempts = cur.Attempts + 1
	out.Error = ""
	out.UpdatedAt = stamp(at)
	return out, nil
}

// checkAttempts allows the attempt counter to move only on a claim, by one.
func checkAttempts(cur, next *request.Request) error {
	want := cur.Attempts
	if cur.Status == request.StatusPending && next.Status == request.StatusRunning {
		want = cur.Attempts + 1
	}
	if next.Attempts != want {
		return fmt.Errorf("request %s %s -> %s attempts %d -> %d: %w",
			cur.ID, cur.Status, next.Status, cur.Attempts, next.Attempts, errors.ErrInvalidTransition)
	}
	return nil
}

func sameOutcome(a, b *request.Request) bool {
	return a.Status == b.Status &&
		a.Error == b.Error &&
		a.Attempts == b.Attempts &&
		a.TxHash == b.TxHash &&
		a.FeeID == b.FeeID &&
		fmt.Sprint(a.Result) == fmt.Sprint(b.Result)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
