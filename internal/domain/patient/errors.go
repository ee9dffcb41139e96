package patient

import (
	"errors"
	"fmt"

	"github.com/fieldtriage/fieldtriage/internal/platform/phi"
)

var (
	// ErrNotFound is a normal result variant, not a failure: the record does
	// not exist or has been tombstoned out of the caller's view.
	ErrNotFound = errors.New("record not found")

	// ErrConflict reports an optimistic-concurrency miss. The caller should
	// reload the record and retry or surface the conflict.
	ErrConflict = errors.New("revision conflict")

	// ErrStorage wraps failures of the underlying medium.
	ErrStorage = errors.New("storage failure")

	// ErrIntegrity re-exports the crypto layer's authentication failure so
	// callers can match the whole taxonomy against one package.
	ErrIntegrity = phi.ErrIntegrity

	// ErrStopWalk ends a Walk early without reporting an error.
	ErrStopWalk = errors.New("stop walk")
)

// ValidationError rejects malformed input. It never implies a state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func storagef(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}
