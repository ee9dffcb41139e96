package patient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/fieldtriage/fieldtriage/internal/domain/triage"
	"github.com/fieldtriage/fieldtriage/internal/platform/db"
	"github.com/fieldtriage/fieldtriage/pkg/pagination"
)

const (
	recordCols  = "id, priority, revision, deleted, corrupt, payload, created_at, updated_at"
	summaryCols = "id, priority, revision, deleted, corrupt, created_at, updated_at"
)

// priorityOrder sorts rows by clinical urgency instead of alphabetically.
const priorityOrder = `CASE priority
	WHEN 'immediate' THEN 0
	WHEN 'delayed' THEN 1
	WHEN 'minor' THEN 2
	WHEN 'expectant' THEN 3
	ELSE 4 END`

// queryable is satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteStore keeps encrypted records in the local database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(sdb *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: sdb}
}

func (s *SQLiteStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	return db.InTx(ctx, s.db, fn)
}

func (s *SQLiteStore) Put(ctx context.Context, rec *StoredRecord) error {
	const query = `
		INSERT INTO records (id, priority, revision, deleted, corrupt, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.conn(ctx).ExecContext(ctx, query,
		rec.ID, rec.Priority, rec.Revision, rec.Deleted, rec.Corrupt,
		rec.Ciphertext, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return storagef("insert record", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*StoredRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM records WHERE id = ?", recordCols)

	rec, err := scanStoredRecord(s.conn(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storagef("load record", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec *StoredRecord, baseRevision int64) error {
	const query = `
		UPDATE records
		SET priority = ?, revision = ?, payload = ?, updated_at = ?
		WHERE id = ? AND revision = ? AND deleted = 0`

	res, err := s.conn(ctx).ExecContext(ctx, query,
		rec.Priority, rec.Revision, rec.Ciphertext, rec.UpdatedAt,
		rec.ID, baseRevision)
	if err != nil {
		return storagef("update record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storagef("update record", err)
	}
	if n == 0 {
		return s.explainMiss(ctx, rec.ID, baseRevision)
	}

	err = s.conn(ctx).QueryRowContext(ctx,
		"SELECT created_at FROM records WHERE id = ?", rec.ID).Scan(&rec.CreatedAt)
	if err != nil {
		return storagef("read record timestamps", err)
	}
	return nil
}

// explainMiss decides whether a guarded write missed because the row is gone
// or because the revision moved on underneath the caller.
func (s *SQLiteStore) explainMiss(ctx context.Context, id string, baseRevision int64) error {
	var (
		revision int64
		deleted  bool
	)
	err := s.conn(ctx).QueryRowContext(ctx,
		"SELECT revision, deleted FROM records WHERE id = ?", id).Scan(&revision, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storagef("inspect record", err)
	}
	if deleted {
		return ErrNotFound
	}
	return fmt.Errorf("record %s: base revision %d, stored revision %d: %w",
		id, baseRevision, revision, ErrConflict)
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter, p pagination.Params) ([]RecordSummary, int, error) {
	conds := filterConds(filter)

	query, args, err := squirrel.Select("COUNT(*)").From("records").Where(conds).ToSql()
	if err != nil {
		return nil, 0, storagef("build count query", err)
	}
	var total int
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return nil, 0, storagef("count records", err)
	}

	query, args, err = squirrel.Select(summaryCols).From("records").Where(conds).
		OrderBy(priorityOrder, "created_at ASC").
		Limit(uint64(p.Limit)).Offset(uint64(p.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, storagef("build list query", err)
	}
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, storagef("list records", err)
	}
	defer rows.Close()

	var summaries []RecordSummary
	for rows.Next() {
		var sum RecordSummary
		if err := rows.Scan(&sum.ID, &sum.Priority, &sum.Revision, &sum.Deleted,
			&sum.Corrupt, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, 0, storagef("scan record summary", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storagef("iterate record summaries", err)
	}
	return summaries, total, nil
}

func (s *SQLiteStore) All(ctx context.Context, filter ListFilter) ([]StoredRecord, error) {
	query, args, err := squirrel.Select(recordCols).From("records").
		Where(filterConds(filter)).
		OrderBy(priorityOrder, "created_at ASC").
		ToSql()
	if err != nil {
		return nil, storagef("build scan query", err)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storagef("scan records", err)
	}
	defer rows.Close()

	var records []StoredRecord
	for rows.Next() {
		rec, err := scanStoredRecord(rows)
		if err != nil {
			return nil, storagef("scan record", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storagef("iterate records", err)
	}
	return records, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByPriority: make(map[triage.Priority]int)}

	rows, err := s.conn(ctx).QueryContext(ctx,
		"SELECT priority, COUNT(*) FROM records WHERE deleted = 0 GROUP BY priority")
	if err != nil {
		return stats, storagef("count by priority", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			priority triage.Priority
			n        int
		)
		if err := rows.Scan(&priority, &n); err != nil {
			return stats, storagef("scan priority count", err)
		}
		stats.ByPriority[priority] = n
		stats.Active += n
	}
	if err := rows.Err(); err != nil {
		return stats, storagef("iterate priority counts", err)
	}

	if err := s.conn(ctx).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE deleted = 1").Scan(&stats.Deleted); err != nil {
		return stats, storagef("count tombstones", err)
	}
	if err := s.conn(ctx).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE corrupt = 1 AND deleted = 0").Scan(&stats.Corrupt); err != nil {
		return stats, storagef("count corrupt records", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Tombstone(ctx context.Context, id string) (int64, triage.Priority, error) {
	const query = `
		UPDATE records
		SET deleted = 1, revision = revision + 1, updated_at = ?
		WHERE id = ? AND deleted = 0
		RETURNING revision, priority`

	var (
		revision int64
		priority triage.Priority
	)
	err := s.conn(ctx).QueryRowContext(ctx, query, time.Now().UTC(), id).Scan(&revision, &priority)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", storagef("tombstone record", err)
	}
	return revision, priority, nil
}

func (s *SQLiteStore) MarkCorrupt(ctx context.Context, id string) error {
	res, err := s.conn(ctx).ExecContext(ctx, "UPDATE records SET corrupt = 1 WHERE id = ?", id)
	if err != nil {
		return storagef("flag corrupt record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storagef("flag corrupt record", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context, id string) (int64, triage.Priority, error) {
	const query = "DELETE FROM records WHERE id = ? RETURNING revision, priority"

	var (
		revision int64
		priority triage.Priority
	)
	err := s.conn(ctx).QueryRowContext(ctx, query, id).Scan(&revision, &priority)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", storagef("purge record", err)
	}
	return revision, priority, nil
}

func (s *SQLiteStore) ReplaceCiphertexts(ctx context.Context, fn ReplaceFunc) (int, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, "SELECT id, payload FROM records WHERE corrupt = 0")
	if err != nil {
		return 0, storagef("load payloads", err)
	}

	// Drain the cursor before issuing updates: with a single connection the
	// open rows would otherwise starve the writes.
	type row struct {
		id      string
		payload []byte
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return 0, storagef("scan payload", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, storagef("iterate payloads", err)
	}
	rows.Close()

	replaced := 0
	for _, r := range pending {
		blob, err := fn(r.id, r.payload)
		if err != nil {
			return replaced, err
		}
		if blob == nil {
			continue
		}
		if _, err := s.conn(ctx).ExecContext(ctx,
			"UPDATE records SET payload = ? WHERE id = ?", blob, r.id); err != nil {
			return replaced, storagef("rewrite payload", err)
		}
		replaced++
	}
	return replaced, nil
}

func filterConds(filter ListFilter) squirrel.And {
	conds := squirrel.And{}
	if !filter.IncludeDeleted {
		conds = append(conds, squirrel.Eq{"deleted": false})
	}
	if !filter.IncludeCorrupt {
		conds = append(conds, squirrel.Eq{"corrupt": false})
	}
	if filter.Priority != "" {
		conds = append(conds, squirrel.Eq{"priority": filter.Priority})
	}
	return conds
}

func scanStoredRecord(row rowScanner) (*StoredRecord, error) {
	var rec StoredRecord
	err := row.Scan(&rec.ID, &rec.Priority, &rec.Revision, &rec.Deleted, &rec.Corrupt,
		&rec.Ciphertext, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
