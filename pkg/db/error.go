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

// IsSerializationErr reports whether err is a transaction serialization
// failure that is safe to retry.
func IsSerializationErr(err error) bool {
	if err == nil {
		return false
	}

	// PostgreSQL (SQLSTATE 40001), also covers deadlock_detected (40P01)
	if strings.Contains(err.Error(), "SQLSTATE 40001") ||
		strings.Contains(err.Error(), "SQLSTATE 40P01") {
		return true
	}

	// MySQL (error code 1213)
	if strings.Contains(err.Error(), "Error 1213") {
		return true
	}

	// SQLite busy/locked
	if strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "SQLITE_BUSY") {
		return true
	}

	return false
}
