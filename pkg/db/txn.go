package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrConcurrentModification is surfaced after serialization retries are
// exhausted. Callers treat it as transient.
var ErrConcurrentModification = errors.New("concurrent_modification")

const (
	serializableAttempts = 4
	retryBackoffBase     = 25 * time.Millisecond
)

// RunSerializable executes fn inside a serializable transaction, retrying a
// bounded number of times on serialization failures. Row locks taken inside fn
// are scoped to the transaction, so unrelated rows proceed in parallel.
func RunSerializable(ctx context.Context, conn *gorm.DB, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < serializableAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err = conn.WithContext(ctx).Transaction(fn, txOptions(conn))
		if err == nil || !IsSerializationErr(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
}

func txOptions(conn *gorm.DB) *sql.TxOptions {
	// SQLite transactions are serializable already and its drivers reject an
	// explicit isolation level.
	if conn.Dialector.Name() == "sqlite" {
		return &sql.TxOptions{}
	}
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}
