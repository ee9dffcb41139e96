package audit

import (
	"context"

	"github.com/fieldtriage/fieldtriage/pkg/pagination"
)

// Recorder persists audit entries. Record participates in any transaction
// carried by the context, so a trail entry commits or rolls back together
// with the mutation it describes.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
	ListByRecord(ctx context.Context, recordID string) ([]Entry, error)
	List(ctx context.Context, filter Filter, p pagination.Params) ([]Entry, int, error)
}
