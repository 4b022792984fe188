// Package postgres implements the durable stores over PostgreSQL with sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/request_router/internal/app/domain/ledger"
	"github.com/R3E-Network/request_router/internal/app/domain/mixer"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/errors"
)

// Store implements RequestStore, PayoutStore and LedgerStore.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.RequestStore = (*Store)(nil)
	_ storage.PayoutStore  = (*Store)(nil)
	_ storage.LedgerStore  = (*Store)(nil)
)

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, *sql.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, nil, errors.DatabaseError("connect", err)
	}
	return &Store{db: db}, db.DB, nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func notFound(err error, resource, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(resource, id)
	}
	return errors.DatabaseError("get "+resource, err)
}

// --- RequestStore ----------------------------------------------------------

const requestColumns = `id, external_id, account_id, service_type, service_id, status, payload, result,
	error, fee, fee_id, tx_hash, callback_hash, attempts, max_attempts, metadata,
	created_at, updated_at, completed_at`

type requestRow struct {
	ID           string         `db:"id"`
	ExternalID   sql.NullString `db:"external_id"`
	AccountID    string         `db:"account_id"`
	ServiceType  string         `db:"service_type"`
	ServiceID    string         `db:"service_id"`
	Status       string         `db:"status"`
	Payload      []byte         `db:"payload"`
	Result       []byte         `db:"result"`
	Error        string         `db:"error"`
	Fee          int64          `db:"fee"`
	FeeID        string         `db:"fee_id"`
	TxHash       string         `db:"tx_hash"`
	CallbackHash string         `db:"callback_hash"`
	Attempts     int            `db:"attempts"`
	MaxAttempts  int            `db:"max_attempts"`
	Metadata     []byte         `db:"metadata"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func toRow(r *request.Request) (requestRow, error) {
	row := requestRow{
		ID:           r.ID,
		ExternalID:   sql.NullString{String: r.ExternalID, Valid: r.ExternalID != ""},
		AccountID:    r.AccountID,
		ServiceType:  string(r.ServiceType),
		ServiceID:    r.ServiceID,
		Status:       string(r.Status),
		Error:        r.Error,
		Fee:          r.Fee,
		FeeID:        r.FeeID,
		TxHash:       r.TxHash,
		CallbackHash: r.CallbackHash,
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *r.CompletedAt, Valid: true}
	}
	var err error
	if row.Payload, err = marshalNullable(r.Payload); err != nil {
		return row, err
	}
	if row.Result, err = marshalNullable(r.Result); err != nil {
		return row, err
	}
	if row.Metadata, err = marshalNullable(r.Metadata); err != nil {
		return row, err
	}
	return row, nil
}

func (row requestRow) toRequest() *request.Request {
	r := &request.Request{
		ID:           row.ID,
		ExternalID:   row.ExternalID.String,
		AccountID:    row.AccountID,
		ServiceType:  request.ServiceType(row.ServiceType),
		ServiceID:    row.ServiceID,
		Status:       request.Status(row.Status),
		Error:        row.Error,
		Fee:          row.Fee,
		FeeID:        row.FeeID,
		TxHash:       row.TxHash,
		CallbackHash: row.CallbackHash,
		Attempts:     row.Attempts,
		MaxAttempts:  row.MaxAttempts,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time.UTC()
		r.CompletedAt = &t
	}
	if len(row.Payload) > 0 {
		_ = json.Unmarshal(row.Payload, &r.Payload)
	}
	if len(row.Result) > 0 {
		_ = json.Unmarshal(row.Result, &r.Result)
	}
	if len(row.Metadata) > 0 {
		_ = json.Unmarshal(row.Metadata, &r.Metadata)
	}
	return r
}

func marshalNullable[T any](v map[string]T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *Store) Create(ctx context.Context, req *request.Request) error {
	row, err := toRow(req)
	if err != nil {
		return errors.InvalidInput("payload", err.Error())
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO service_requests (`+requestColumns+`)
		VALUES (:id, :external_id, :account_id, :service_type, :service_id, :status, :payload, :result,
			:error, :fee, :fee_id, :tx_hash, :callback_hash, :attempts, :max_attempts, :metadata,
			:created_at, :updated_at, :completed_at)
	`, row)
	if isUniqueViolation(err) {
		return fmt.Errorf("request %s: %w", req.ID, errors.ErrDuplicate)
	}
	if err != nil {
		return errors.DatabaseError("create request", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*request.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "request", id)
	}
	return row.toRequest(), nil
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*request.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `SELECT `+requestColumns+` FROM service_requests WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, notFound(err, "request", externalID)
	}
	return row.toRequest(), nil
}

// Update locks the row, validates the transition and writes the mutable
// fields in one transaction.
func (s *Store) Update(ctx context.Context, req *request.Request) error {
	_, err := s.modify(ctx, req.ID, func(cur *request.Request) (*request.Request, error) {
		return storage.ApplyUpdate(cur, req)
	})
	return err
}

// Claim takes a pending request under the row lock. Concurrent claims
// serialize on the lock and all but the first see a running row.
func (s *Store) Claim(ctx context.Context, id string, at time.Time) (*request.Request, error) {
	return s.modify(ctx, id, func(cur *request.Request) (*request.Request, error) {
		return storage.ApplyClaim(cur, at)
	})
}

func (s *Store) modify(ctx context.Context, id string, apply func(*request.Request) (*request.Request, error)) (*request.Request, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.DatabaseError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var cur requestRow
	if err := tx.GetContext(ctx, &cur, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, notFound(err, "request", id)
	}
	next, err := apply(cur.toRequest())
	if err != nil {
		return nil, err
	}
	row, err := toRow(next)
	if err != nil {
		return nil, errors.InvalidInput("result", err.Error())
	}
	if _, err := tx.NamedExecContext(ctx, `
		UPDATE service_requests
		SET status = :status, result = :result, error = :error, fee_id = :fee_id, tx_hash = :tx_hash,
			attempts = :attempts, metadata = :metadata, updated_at = :updated_at, completed_at = :completed_at
		WHERE id = :id
	`, row); err != nil {
		return nil, errors.DatabaseError("update request", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.DatabaseError("commit", err)
	}
	return next, nil
}

func (s *Store) List(ctx context.Context, f storage.RequestFilter) ([]*request.Request, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+requestColumns+` FROM service_requests
		WHERE ($1 = '' OR account_id = $1)
		  AND ($2 = '' OR service_type = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.AccountID, string(f.ServiceType), string(f.Status), limit)
	if err != nil {
		return nil, errors.DatabaseError("list requests", err)
	}
	return toRequests(rows), nil
}

func (s *Store) ListPending(ctx context.Context, serviceType request.ServiceType, limit int) ([]*request.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+requestColumns+` FROM service_requests
		WHERE status = $1 AND ($2 = '' OR service_type = $2)
		ORDER BY created_at
		LIMIT $3
	`, string(request.StatusPending), string(serviceType), limit)
	if err != nil {
		return nil, errors.DatabaseError("list pending", err)
	}
	return toRequests(rows), nil
}

func toRequests(rows []requestRow) []*request.Request {
	out := make([]*request.Request, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRequest())
	}
	return out
}

// --- PayoutStore -----------------------------------------------------------

const payoutColumns = `id, request_id, target_index, pool_account_id, address, amount, scheduled_at,
	deadline, status, attempts, tx_hash, last_error, settled_at, updated_at`

type payoutRow struct {
	ID            string       `db:"id"`
	RequestID     string       `db:"request_id"`
	TargetIndex   int          `db:"target_index"`
	PoolAccountID string       `db:"pool_account_id"`
	Address       string       `db:"address"`
	Amount        int64        `db:"amount"`
	ScheduledAt   time.Time    `db:"scheduled_at"`
	Deadline      time.Time    `db:"deadline"`
	Status        string       `db:"status"`
	Attempts      int          `db:"attempts"`
	TxHash        string       `db:"tx_hash"`
	LastError     string       `db:"last_error"`
	SettledAt     sql.NullTime `db:"settled_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func toPayoutRow(p mixer.Payout) payoutRow {
	row := payoutRow{
		ID:            p.ID,
		RequestID:     p.RequestID,
		TargetIndex:   p.TargetIndex,
		PoolAccountID: p.PoolAccountID,
		Address:       p.Address,
		Amount:        p.Amount,
		ScheduledAt:   p.ScheduledAt,
		Deadline:      p.Deadline,
		Status:        string(p.Status),
		Attempts:      p.Attempts,
		TxHash:        p.TxHash,
		LastError:     p.LastError,
		UpdatedAt:     p.UpdatedAt,
	}
	if p.SettledAt != nil {
		row.SettledAt = sql.NullTime{Time: *p.SettledAt, Valid: true}
	}
	return row
}

func (row payoutRow) toPayout() mixer.Payout {
	p := mixer.Payout{
		ID:            row.ID,
		RequestID:     row.RequestID,
		TargetIndex:   row.TargetIndex,
		PoolAccountID: row.PoolAccountID,
		Address:       row.Address,
		Amount:        row.Amount,
		ScheduledAt:   row.ScheduledAt.UTC(),
		Deadline:      row.Deadline.UTC(),
		Status:        mixer.PayoutStatus(row.Status),
		Attempts:      row.Attempts,
		TxHash:        row.TxHash,
		LastError:     row.LastError,
		UpdatedAt:     row.UpdatedAt.UTC(),
	}
	if row.SettledAt.Valid {
		t := row.SettledAt.Time.UTC()
		p.SettledAt = &t
	}
	return p
}

// CreatePayouts inserts the schedule with ON CONFLICT DO NOTHING so a
// concurrent or repeated attempt keeps the first schedule per target.
func (s *Store) CreatePayouts(ctx context.Context, requestID string, payouts []mixer.Payout) ([]mixer.Payout, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.DatabaseError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, p := range payouts {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.RequestID = requestID
		p.UpdatedAt = now
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO mix_payouts (`+payoutColumns+`)
			VALUES (:id, :request_id, :target_index, :pool_account_id, :address, :amount, :scheduled_at,
				:deadline, :status, :attempts, :tx_hash, :last_error, :settled_at, :updated_at)
			ON CONFLICT (request_id, target_index) DO NOTHING
		`, toPayoutRow(p)); err != nil {
			return nil, errors.DatabaseError("create payout", err)
		}
	}
	var rows []payoutRow
	if err := tx.SelectContext(ctx, &rows, `SELECT `+payoutColumns+` FROM mix_payouts WHERE request_id = $1 ORDER BY target_index`, requestID); err != nil {
		return nil, errors.DatabaseError("list payouts", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.DatabaseError("commit", err)
	}
	return toPayouts(rows), nil
}

func (s *Store) ListPayouts(ctx context.Context, requestID string) ([]mixer.Payout, error) {
	var rows []payoutRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+payoutColumns+` FROM mix_payouts WHERE request_id = $1 ORDER BY target_index`, requestID); err != nil {
		return nil, errors.DatabaseError("list payouts", err)
	}
	return toPayouts(rows), nil
}

func (s *Store) ListDuePayouts(ctx context.Context, now time.Time, limit int) ([]mixer.Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []payoutRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+payoutColumns+` FROM mix_payouts
		WHERE status IN ($1, $2) AND scheduled_at <= $3
		ORDER BY scheduled_at
		LIMIT $4
	`, string(mixer.PayoutScheduled), string(mixer.PayoutSubmitted), now, limit)
	if err != nil {
		return nil, errors.DatabaseError("list due payouts", err)
	}
	return toPayouts(rows), nil
}

func (s *Store) UpdatePayout(ctx context.Context, p mixer.Payout, expected mixer.PayoutStatus) (bool, error) {
	p.UpdatedAt = time.Now().UTC()
	row := toPayoutRow(p)
	res, err := s.db.ExecContext(ctx, `
		UPDATE mix_payouts
		SET pool_account_id = $2, status = $3, attempts = $4, tx_hash = $5, last_error = $6,
			settled_at = $7, updated_at = $8
		WHERE id = $1 AND status = $9
	`, row.ID, row.PoolAccountID, row.Status, row.Attempts, row.TxHash, row.LastError,
		row.SettledAt, row.UpdatedAt, string(expected))
	if err != nil {
		return false, errors.DatabaseError("update payout", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func toPayouts(rows []payoutRow) []mixer.Payout {
	out := make([]mixer.Payout, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toPayout())
	}
	return out
}

// --- LedgerStore -----------------------------------------------------------

const entryColumns = `id, account_id, request_id, kind, amount, tx_hash, status, message, created_at, completed_at`

func (s *Store) CreateEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = ledger.StatusPending
	e.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, errors.DatabaseError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (:id, :account_id, :request_id, :kind, :amount, :tx_hash, :status, :message, :created_at, :completed_at)
	`, e)
	if isUniqueViolation(err) {
		_ = tx.Rollback()
		existing, getErr := s.GetEntryByRequest(ctx, e.RequestID, e.Kind)
		if getErr != nil {
			return ledger.Entry{}, getErr
		}
		return existing, fmt.Errorf("ledger entry for %s: %w", e.RequestID, errors.ErrDuplicate)
	}
	if err != nil {
		return ledger.Entry{}, errors.DatabaseError("create entry", err)
	}

	var delta ledger.Balance
	delta.Reserve(e)
	if err := addBalance(ctx, tx, e.AccountID, delta); err != nil {
		return ledger.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, errors.DatabaseError("commit", err)
	}
	return e, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (ledger.Entry, error) {
	var e ledger.Entry
	if err := s.db.GetContext(ctx, &e, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id); err != nil {
		return ledger.Entry{}, notFound(err, "ledger entry", id)
	}
	return e, nil
}

func (s *Store) GetEntryByRequest(ctx context.Context, requestID string, kind ledger.Kind) (ledger.Entry, error) {
	var e ledger.Entry
	err := s.db.GetContext(ctx, &e, `SELECT `+entryColumns+` FROM ledger_entries WHERE request_id = $1 AND kind = $2`, requestID, string(kind))
	if err != nil {
		return ledger.Entry{}, notFound(err, "ledger entry", requestID)
	}
	return e, nil
}

func (s *Store) ListPendingEntries(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []ledger.Entry
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(ledger.StatusPending), limit)
	if err != nil {
		return nil, errors.DatabaseError("list pending entries", err)
	}
	return out, nil
}

// Settle locks the entry, applies the final status only while it is still
// pending, and moves the balance in the same transaction.
func (s *Store) Settle(ctx context.Context, id string, final ledger.Status, message string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.DatabaseError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var e ledger.Entry
	if err := tx.GetContext(ctx, &e, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, id); err != nil {
		return false, notFound(err, "ledger entry", id)
	}
	if e.Status != ledger.StatusPending {
		return false, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET status = $2, message = $3, completed_at = $4 WHERE id = $1
	`, id, string(final), message, now); err != nil {
		return false, errors.DatabaseError("settle entry", err)
	}

	var delta ledger.Balance
	delta.Apply(e, final)
	if err := addBalance(ctx, tx, e.AccountID, delta); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.DatabaseError("commit", err)
	}
	return true, nil
}

func (s *Store) GetBalance(ctx context.Context, accountID string) (ledger.Balance, error) {
	var b ledger.Balance
	err := s.db.GetContext(ctx, &b, `SELECT account_id, available, pending FROM ledger_balances WHERE account_id = $1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{AccountID: accountID}, nil
	}
	if err != nil {
		return ledger.Balance{}, errors.DatabaseError("get balance", err)
	}
	return b, nil
}

func addBalance(ctx context.Context, tx *sqlx.Tx, accountID string, delta ledger.Balance) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account_id, available, pending)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE
		SET available = ledger_balances.available + EXCLUDED.available,
			pending = ledger_balances.pending + EXCLUDED.pending
	`, accountID, delta.Available, delta.Pending)
	if err != nil {
		return errors.DatabaseError("update balance", err)
	}
	return nil
}
