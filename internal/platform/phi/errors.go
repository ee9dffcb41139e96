package phi

import "errors"

// ErrIntegrity signals an authentication failure on decrypt: the blob was
// tampered with, corrupted, truncated, or bound to a different record.
// Callers must surface it as a corruption warning, never as missing data.
var ErrIntegrity = errors.New("integrity check failed")
