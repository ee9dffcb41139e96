package patient

import (
	"context"

	"github.com/fieldtriage/fieldtriage/internal/domain/triage"
	"github.com/fieldtriage/fieldtriage/pkg/pagination"
)

// ReplaceFunc rewrites one ciphertext during key rotation. Returning a nil
// blob with a nil error leaves that row untouched.
type ReplaceFunc func(id string, ciphertext []byte) ([]byte, error)

// RecordStore is the persistence boundary for encrypted records. A row and
// its index columns move atomically: no operation can expose an index entry
// without its ciphertext or vice versa.
//
// Guarded writes (Update) compare against the caller's base revision and
// fail with ErrConflict when the stored record has moved on. Missing rows
// surface as ErrNotFound, medium failures as ErrStorage.
type RecordStore interface {
	// InTx runs fn with a transaction carried in the context. When the
	// context already carries one, fn joins it instead of nesting.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	Put(ctx context.Context, rec *StoredRecord) error
	Get(ctx context.Context, id string) (*StoredRecord, error)
	// Update overwrites priority, revision, payload and updated_at when the
	// stored revision still equals baseRevision, and fills rec.CreatedAt on
	// success.
	Update(ctx context.Context, rec *StoredRecord, baseRevision int64) error

	List(ctx context.Context, filter ListFilter, p pagination.Params) ([]RecordSummary, int, error)
	All(ctx context.Context, filter ListFilter) ([]StoredRecord, error)
	Stats(ctx context.Context) (Stats, error)

	// Tombstone soft-deletes an active record, bumping its revision, and
	// reports the new revision and the record's priority.
	Tombstone(ctx context.Context, id string) (int64, triage.Priority, error)
	MarkCorrupt(ctx context.Context, id string) error
	// Purge physically removes a row regardless of its tombstone or corrupt
	// flags, reporting the last revision and priority.
	Purge(ctx context.Context, id string) (int64, triage.Priority, error)

	// ReplaceCiphertexts feeds every intact payload through fn and writes
	// back the result, returning how many rows were rewritten.
	ReplaceCiphertexts(ctx context.Context, fn ReplaceFunc) (int, error)
}
