// Package store defines the document-store contract shared by the repositories:
// single-record reads, version-guarded writes, and the errors they report.
package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when an expected version no longer matches.
	ErrVersionConflict = errors.New("record version conflict")

	// ErrDuplicate is returned when a create collides with an existing key.
	ErrDuplicate = errors.New("duplicate record")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// NoVersion is passed as expectedVersion to request a create-only write.
const NoVersion int64 = 0

// UnavailableError wraps a connectivity failure so callers can match ErrUnavailable.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// Unavailable wraps err as an UnavailableError for the named operation.
func Unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// IsUnavailable reports whether err indicates the store is unreachable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsConnectionError reports whether err is a transport-level database failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
