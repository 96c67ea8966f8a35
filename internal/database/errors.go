package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/stockapp/crawlsync/internal/store"
)

const uniqueViolation = pq.ErrorCode("23505")

// classify maps driver failures onto the store errors callers match on.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == uniqueViolation:
			return fmt.Errorf("%s: %w", op, store.ErrDuplicate)
		case isUnavailableClass(pqErr.Code.Class()):
			return store.Unavailable(op, err)
		}
	}

	if store.IsConnectionError(err) {
		return store.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUnavailableClass reports SQLSTATE classes that mean the server cannot
// serve requests right now: connection exceptions (08), insufficient
// resources (53) and operator intervention such as shutdown (57).
func isUnavailableClass(class pq.ErrorClass) bool {
	switch class {
	case "08", "53", "57":
		return true
	default:
		return false
	}
}
