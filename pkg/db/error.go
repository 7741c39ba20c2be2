package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsSerializationErr reports whether a transaction lost a concurrency race and
// is safe to retry.
func IsSerializationErr(err error) bool {
	if err == nil {
		return false
	}

	// PostgreSQL (error codes 40001, 40P01)
	if strings.Contains(err.Error(), "could not serialize access") ||
		strings.Contains(err.Error(), "deadlock detected") {
		return true
	}

	// MySQL (error codes 1213, 1205)
	if strings.Contains(err.Error(), "Error 1213") ||
		strings.Contains(err.Error(), "Lock wait timeout exceeded") {
		return true
	}

	// SQLite
	if strings.Contains(err.Error(), "database is locked") {
		return true
	}

	return false
}
