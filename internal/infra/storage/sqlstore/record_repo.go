package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/storage"
)

const recordColumns = `id, created_ms, action_type, status, pre_state, post_state, expected_changes,
	confirmation_height, confirmation_time, retry_count, error_message`

const upsertRecord = `
	INSERT INTO transaction_records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		created_ms          = excluded.created_ms,
		action_type         = excluded.action_type,
		status              = excluded.status,
		pre_state           = excluded.pre_state,
		post_state          = excluded.post_state,
		expected_changes    = excluded.expected_changes,
		confirmation_height = excluded.confirmation_height,
		confirmation_time   = excluded.confirmation_time,
		retry_count         = excluded.retry_count,
		error_message       = excluded.error_message
`

// RecordRepo implements storage.RecordRepository on a SQL database.
type RecordRepo struct {
	db *DB
}

// NewRecordRepo creates a new SQL record repository.
func NewRecordRepo(db *DB) *RecordRepo {
	return &RecordRepo{db: db}
}

// Health pings the database.
func (r *RecordRepo) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

type recordRow struct {
	ID                 string         `db:"id"`
	CreatedMs          int64          `db:"created_ms"`
	ActionType         string         `db:"action_type"`
	Status             string         `db:"status"`
	PreState           string         `db:"pre_state"`
	PostState          sql.NullString `db:"post_state"`
	ExpectedChanges    string         `db:"expected_changes"`
	ConfirmationHeight sql.NullInt64  `db:"confirmation_height"`
	ConfirmationTime   sql.NullInt64  `db:"confirmation_time"`
	RetryCount         int            `db:"retry_count"`
	ErrorMessage       sql.NullString `db:"error_message"`
}

func toRow(rec *domain.TransactionRecord) (*recordRow, error) {
	pre, err := json.Marshal(rec.PreState)
	if err != nil {
		return nil, fmt.Errorf("marshal pre state: %w", err)
	}
	expected, err := json.Marshal(rec.ExpectedChanges)
	if err != nil {
		return nil, fmt.Errorf("marshal expected changes: %w", err)
	}
	row := &recordRow{
		ID:              rec.ID,
		CreatedMs:       rec.Timestamp,
		ActionType:      string(rec.ActionType),
		Status:          string(rec.Status),
		PreState:        string(pre),
		ExpectedChanges: string(expected),
		RetryCount:      rec.RetryCount,
	}
	if rec.PostState != nil {
		post, err := json.Marshal(rec.PostState)
		if err != nil {
			return nil, fmt.Errorf("marshal post state: %w", err)
		}
		row.PostState = sql.NullString{String: string(post), Valid: true}
	}
	if rec.ConfirmationHeight != nil {
		row.ConfirmationHeight = sql.NullInt64{Int64: *rec.ConfirmationHeight, Valid: true}
	}
	if rec.ConfirmationTime != nil {
		row.ConfirmationTime = sql.NullInt64{Int64: *rec.ConfirmationTime, Valid: true}
	}
	if rec.ErrorMessage != "" {
		row.ErrorMessage = sql.NullString{String: rec.ErrorMessage, Valid: true}
	}
	return row, nil
}

func (r *recordRow) toDomain() (*domain.TransactionRecord, error) {
	rec := &domain.TransactionRecord{
		ID:         r.ID,
		Timestamp:  r.CreatedMs,
		ActionType: domain.ActionType(r.ActionType),
		Status:     domain.TxStatus(r.Status),
		RetryCount: r.RetryCount,
	}
	if err := json.Unmarshal([]byte(r.PreState), &rec.PreState); err != nil {
		return nil, fmt.Errorf("decode pre state of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ExpectedChanges), &rec.ExpectedChanges); err != nil {
		return nil, fmt.Errorf("decode expected changes of %s: %w", r.ID, err)
	}
	if r.PostState.Valid {
		var post domain.BalanceSnapshot
		if err := json.Unmarshal([]byte(r.PostState.String), &post); err != nil {
			return nil, fmt.Errorf("decode post state of %s: %w", r.ID, err)
		}
		rec.PostState = &post
	}
	if r.ConfirmationHeight.Valid {
		h := r.ConfirmationHeight.Int64
		rec.ConfirmationHeight = &h
	}
	if r.ConfirmationTime.Valid {
		ts := r.ConfirmationTime.Int64
		rec.ConfirmationTime = &ts
	}
	if r.ErrorMessage.Valid {
		rec.ErrorMessage = r.ErrorMessage.String
	}
	return rec, nil
}

func rowsToDomain(rows []recordRow) ([]*domain.TransactionRecord, error) {
	out := make([]*domain.TransactionRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func upsert(ctx context.Context, ex execer, rec *domain.TransactionRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, ex.Rebind(upsertRecord),
		row.ID, row.CreatedMs, row.ActionType, row.Status,
		row.PreState, row.PostState, row.ExpectedChanges,
		row.ConfirmationHeight, row.ConfirmationTime, row.RetryCount, row.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Save upserts a record.
func (r *RecordRepo) Save(ctx context.Context, rec *domain.TransactionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record id is required", domain.ErrValidation)
	}
	return upsert(ctx, r.db, rec)
}

// Get retrieves a record by id.
func (r *RecordRepo) Get(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	query := r.db.Rebind(`SELECT ` + recordColumns + ` FROM transaction_records WHERE id = ?`)

	var row recordRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return row.toDomain()
}

// Query filters records. Index selection is left to the database planner,
// which sees the same indexes the memory store plans against.
func (r *RecordRepo) Query(
	ctx context.Context,
	opts storage.QueryOptions,
) ([]*domain.TransactionRecord, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if opts.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, string(opts.ActionType))
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if !opts.StartDate.IsZero() {
		where = append(where, "created_ms >= ?")
		args = append(args, opts.StartDate.UnixMilli())
	}
	if !opts.EndDate.IsZero() {
		where = append(where, "created_ms < ?")
		args = append(args, opts.EndDate.UnixMilli())
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + recordColumns + ` FROM transaction_records`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if opts.Order == storage.SortAsc {
		b.WriteString(" ORDER BY created_ms ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY created_ms DESC, id DESC")
	}

	limit := opts.Limit
	if limit == 0 && opts.Offset > 0 {
		// sqlite rejects OFFSET without LIMIT.
		limit = math.MaxInt32
	}
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, opts.Offset)
	}

	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(b.String()), args...); err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return rowsToDomain(rows)
}

// All returns every record in ascending timestamp order.
func (r *RecordRepo) All(ctx context.Context) ([]*domain.TransactionRecord, error) {
	var rows []recordRow
	query := `SELECT ` + recordColumns + ` FROM transaction_records ORDER BY created_ms ASC, id ASC`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return rowsToDomain(rows)
}

// UpdateStatus merges patch into the stored record inside one transaction.
func (r *RecordRepo) UpdateStatus(
	ctx context.Context,
	id string,
	status domain.TxStatus,
	patch domain.RecordPatch,
) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rec, err := getTx(ctx, tx, id)
	if err != nil {
		return err
	}
	patch.Apply(rec, status)
	if err := upsert(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

func getTx(ctx context.Context, tx *sqlx.Tx, id string) (*domain.TransactionRecord, error) {
	var row recordRow
	query := tx.Rebind(`SELECT ` + recordColumns + ` FROM transaction_records WHERE id = ?`)
	err := tx.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return row.toDomain()
}

// Delete removes a record.
func (r *RecordRepo) Delete(ctx context.Context, id string) error {
	query := r.db.Rebind(`DELETE FROM transaction_records WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// Clear removes every record.
func (r *RecordRepo) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transaction_records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *RecordRepo) Close() error {
	return r.db.Close()
}
