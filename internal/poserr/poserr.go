// Package poserr defines the error kinds shared across the offline POS
// core. Components wrap these sentinels with fmt.Errorf("...: %w", ...) so
// callers can classify failures with errors.Is while the gateway maps them
// to stable wire codes.
package poserr

import "errors"

// Sentinel errors for the core's failure modes.
// Use errors.Is(err, poserr.ErrNotPaired) to check.
var (
	ErrNotInitialized         = errors.New("pos: store not initialized")
	ErrNotPaired              = errors.New("pos: terminal not paired")
	ErrLimitExceeded          = errors.New("pos: offline exposure limit exceeded")
	ErrDatasetVersionRequired = errors.New("pos: dataset version required")
	ErrNetwork                = errors.New("pos: network error")
	ErrTimeout                = errors.New("pos: request timeout")
	ErrAuthInvalid            = errors.New("pos: api key rejected")
	ErrConflict               = errors.New("pos: operation rejected by backend")
	ErrNotFound               = errors.New("pos: record not found")
	ErrDBCorruption           = errors.New("pos: database corruption")
	ErrMigrationFailed        = errors.New("pos: schema migration failed")
)

// Code returns the stable wire code for an error, or "INTERNAL" when the
// error does not wrap one of the known sentinels.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotInitialized):
		return "NOT_INITIALIZED"
	case errors.Is(err, ErrNotPaired):
		return "NOT_PAIRED"
	case errors.Is(err, ErrLimitExceeded):
		return "LIMIT_EXCEEDED"
	case errors.Is(err, ErrDatasetVersionRequired):
		return "DATASET_VERSION_REQUIRED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrNetwork):
		return "NETWORK_ERROR"
	case errors.Is(err, ErrAuthInvalid):
		return "AUTH_INVALID"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrDBCorruption):
		return "DB_CORRUPTION"
	case errors.Is(err, ErrMigrationFailed):
		return "SCHEMA_MIGRATION_FAILED"
	default:
		return "INTERNAL"
	}
}
