package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/rephlo/metering/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequestID       = errors.New("invalid_request_id")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidPageToken       = errors.New("invalid_page_token")
	ErrTransactionNotFound    = errors.New("transaction_not_found")
	ErrAlreadyReversed        = errors.New("transaction_already_reversed")
	ErrNotReversible          = errors.New("transaction_not_reversible")
	ErrUnknownMetadataVersion = errors.New("unknown_metadata_version")
)

type Service interface {
	// Deduct meters one request: it prices the usage, charges the margin,
	// and appends the deduction atomically. Re-submitting a request_id
	// returns the stored outcome instead of charging twice.
	Deduct(ctx context.Context, req DeductRequest) (*DeductResult, error)
	Grant(ctx context.Context, req GrantRequest) (*CreditTransaction, error)
	// Reverse voids a completed deduction and appends a compensating grant.
	Reverse(ctx context.Context, transactionID snowflake.ID, description string) (*CreditTransaction, error)
	GetCurrentBalance(ctx context.Context, userID snowflake.ID) (decimal.Decimal, error)
	GetUsageHistory(ctx context.Context, userID snowflake.ID, q UsageHistoryQuery) ([]TokenUsage, *pagination.PageInfo, error)
	// ReplayBalance folds the full ledger for a user and compares it with
	// the materialized balance.
	ReplayBalance(ctx context.Context, userID snowflake.ID) (*ReplayResult, error)
}
