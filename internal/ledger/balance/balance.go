// Package balance holds the in-transaction helpers for the materialized
// user balance row. Every caller runs these inside a serializable
// transaction together with the ledger entry describing the change.
package balance

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/rephlo/metering/internal/ledger/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Fetch reads the user's balance, creating the row at zero first so
// first-touch users race safely on the primary key.
func Fetch(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time) (decimal.Decimal, error) {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO user_credit_balances (user_id, balance, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, now,
	).Error
	if err != nil {
		return decimal.Zero, err
	}

	var row ledgerdomain.UserCreditBalance
	err = tx.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Balance, nil
}

// Write stores the new balance for a user whose row already exists.
func Write(ctx context.Context, tx *gorm.DB, userID snowflake.ID, value decimal.Decimal, now time.Time) error {
	return tx.WithContext(ctx).
		Model(&ledgerdomain.UserCreditBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"balance": value, "updated_at": now}).Error
}

// WriteDeduction stores the new balance and stamps the deduction that
// produced it.
func WriteDeduction(ctx context.Context, tx *gorm.DB, userID snowflake.ID, value, amount decimal.Decimal, now time.Time) error {
	return tx.WithContext(ctx).
		Model(&ledgerdomain.UserCreditBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"balance":               value,
			"last_deduction_at":     now,
			"last_deduction_amount": amount,
			"updated_at":            now,
		}).Error
}
