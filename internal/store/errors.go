package store

import (
	"errors"

	"github.com/lib/pq"
)

// PostgreSQL SQLSTATE codes the engine distinguishes.
const (
	sqlstateDeadlock          = "40P01"
	sqlstateLockNotAvailable  = "55P03"
	sqlstateQueryCanceled     = "57014"
	sqlstateForeignKey        = "23503"
	sqlstateUniqueViolation   = "23505"
	sqlstateUndefinedTable    = "42P01"
	sqlstateSerializationFail = "40001"
)

// SQLState returns the PostgreSQL error code carried by err, or "".
func SQLState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsDeadlock reports whether err is a deadlock or serialization failure.
// Best-effort paths retry these once.
func IsDeadlock(err error) bool {
	code := SQLState(err)
	return code == sqlstateDeadlock || code == sqlstateSerializationFail
}

// IsTimeout reports whether err is a statement or lock timeout.
func IsTimeout(err error) bool {
	code := SQLState(err)
	return code == sqlstateQueryCanceled || code == sqlstateLockNotAvailable
}

// IsForeignKeyViolation reports whether err is a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	return SQLState(err) == sqlstateForeignKey
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return SQLState(err) == sqlstateUniqueViolation
}

// IsSchemaMissing reports whether err indicates a missing table. This is
// fatal: bootstrap did not run.
func IsSchemaMissing(err error) bool {
	return SQLState(err) == sqlstateUndefinedTable
}
