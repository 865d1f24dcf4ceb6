package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrConstraintViolation is returned when a write violates a schema or
	// domain constraint.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrLockTimeout is returned when the database stayed locked past the
	// busy timeout. Retriable.
	ErrLockTimeout = errors.New("database lock timeout")

	// ErrCorruption is returned when SQLite reports a corrupt database.
	// Fatal to the run; HealthMonitor halts workers on it.
	ErrCorruption = errors.New("database corruption detected")

	// ErrMigrationInFlight is returned for writes attempted while a schema
	// migration is running.
	ErrMigrationInFlight = errors.New("schema migration in flight")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Kind classifies an error into the pipeline's error taxonomy, which decides
// the recovery strategy: back off and retry, record and skip, demote and
// alert, or halt the run.
type Kind int

// Error kinds, ordered by severity.
const (
	// KindTransient errors are retried with backoff.
	KindTransient Kind = iota

	// KindDomain errors are recorded with status FAILED and skipped.
	KindDomain

	// KindIntegrity errors trigger a normalization pass and a health alert.
	KindIntegrity

	// KindFatal errors halt the run with an orderly shutdown.
	KindFatal
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDomain:
		return "domain"
	case KindIntegrity:
		return "integrity"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error to its taxonomy kind. SQLite driver errors are
// inspected by code; sentinel errors map directly; unknown errors default to
// transient so they are retried rather than silently dropped.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindTransient
	case errors.Is(err, ErrCorruption):
		return KindFatal
	case errors.Is(err, ErrConstraintViolation):
		return KindIntegrity
	case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrMigrationInFlight):
		return KindTransient
	case errors.Is(err, ErrNotFound):
		return KindDomain
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return KindTransient
		case sqlite3.ErrConstraint:
			return KindIntegrity
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return KindFatal
		case sqlite3.ErrFull, sqlite3.ErrIoErr:
			return KindTransient
		}
	}

	return KindTransient
}

// wrapSQLiteError converts raw driver errors into the store's typed errors so
// callers can branch with errors.Is instead of inspecting driver codes. The
// op string names the failed operation in the message.
func wrapSQLiteError(op string, err error) error {
	if err == nil {
		return nil
	}

	wrapped := err
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			wrapped = fmt.Errorf("%w: %w", ErrLockTimeout, err)
		case sqlite3.ErrConstraint:
			wrapped = fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			wrapped = fmt.Errorf("%w: %w", ErrCorruption, err)
		}
	} else if strings.Contains(err.Error(), "database is locked") {
		// The driver sometimes surfaces busy timeouts as plain strings.
		wrapped = fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}

	return fmt.Errorf("%s: %w", op, wrapped)
}
