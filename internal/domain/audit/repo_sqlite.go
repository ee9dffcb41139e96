package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/fieldtriage/fieldtriage/internal/platform/db"
	"github.com/fieldtriage/fieldtriage/pkg/pagination"
)

const entryCols = "id, record_id, action, revision, priority, recorded_at"

// queryable is satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteRecorder stores the audit trail in the local database.
type SQLiteRecorder struct {
	db *sql.DB
}

func NewSQLiteRecorder(sdb *sql.DB) *SQLiteRecorder {
	return &SQLiteRecorder{db: sdb}
}

// conn returns the transaction carried by ctx when there is one, so audit
// entries commit atomically with the mutation they describe.
func (r *SQLiteRecorder) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.db
}

func (r *SQLiteRecorder) Record(ctx context.Context, entry *Entry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO audit_log (record_id, action, revision, priority, recorded_at)
		VALUES (?, ?, ?, ?, ?)`

	res, err := r.conn(ctx).ExecContext(ctx, query,
		entry.RecordID, entry.Action, entry.Revision, entry.Priority, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", entry.Action, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", entry.Action, err)
	}
	entry.ID = id
	return nil
}

func (r *SQLiteRecorder) ListByRecord(ctx context.Context, recordID string) ([]Entry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM audit_log
		WHERE record_id = ?
		ORDER BY recorded_at ASC, id ASC`, entryCols)

	rows, err := r.conn(ctx).QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("audit: list by record: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

func (r *SQLiteRecorder) List(ctx context.Context, filter Filter, p pagination.Params) ([]Entry, int, error) {
	conds := squirrel.And{}
	if filter.RecordID != "" {
		conds = append(conds, squirrel.Eq{"record_id": filter.RecordID})
	}
	if filter.Action != "" {
		conds = append(conds, squirrel.Eq{"action": filter.Action})
	}

	countQ := squirrel.Select("COUNT(*)").From("audit_log")
	listQ := squirrel.Select(entryCols).From("audit_log").
		OrderBy("recorded_at DESC", "id DESC").
		Limit(uint64(p.Limit)).
		Offset(uint64(p.Offset))
	if len(conds) > 0 {
		countQ = countQ.Where(conds)
		listQ = listQ.Where(conds)
	}

	query, args, err := countQ.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("audit: build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count entries: %w", err)
	}

	query, args, err = listQ.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("audit: build list query: %w", err)
	}
	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.RecordID, &e.Action, &e.Revision, &e.Priority, &e.RecordedAt)
	return e, err
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return entries, nil
}
