package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
	"github.com/R3E-Network/request_router/internal/middleware"
)

// auditEntry records one mutating API call.
type auditEntry struct {
	Time      time.Time `json:"time"`
	AccountID string    `json:"account_id"`
	Action    string    `json:"action"`
	RequestID string    `json:"request_id,omitempty"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// auditLog keeps the most recent entries in memory and mirrors each one to
// the audit log stream.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	log     *logging.Logger
}

func newAuditLog(max int, log *logging.Logger) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max, log: log}
}

func (l *auditLog) add(r *http.Request, action, requestID string, err error) {
	ctx := r.Context()
	entry := auditEntry{
		Time:      time.Now().UTC(),
		AccountID: middleware.AccountID(ctx),
		Action:    action,
		RequestID: requestID,
		Result:    "success",
		TraceID:   logging.GetTraceID(ctx),
	}
	if err != nil {
		entry.Result = "failure"
		entry.Error = errors.Sanitize(err)
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	l.mu.Unlock()

	if l.log != nil {
		l.log.LogAudit(ctx, action, "request", requestID, entry.Result)
	}
}

// list returns the entries of accountID, oldest first.
func (l *auditLog) list(accountID string) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auditEntry, 0)
	for _, e := range l.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

// normalizeNumbers converts json.Number values produced by the request
// decoder to int64 when integral and float64 otherwise.
func normalizeNumbers(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return normalizeNumbers(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}
		return out
	default:
		return v
	}
}
