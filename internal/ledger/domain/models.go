package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rephlo/metering/internal/costing"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction types.
const (
	TypeDeduction = "deduction"
	TypeGrant     = "grant"
)

// Transaction reasons.
const (
	ReasonAPICompletion   = "api_completion"
	ReasonTierChange      = "tier_change"
	ReasonProrationCredit = "proration_credit"
	ReasonTierUpgrade     = "tier_upgrade"
	ReasonReversal        = "reversal"
	ReasonManualGrant     = "manual_grant"
	ReasonSignupBonus     = "signup_bonus"
)

// Transaction statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusReversed  = "reversed"
)

// UserCreditBalance is the materialized balance, one row per user. It is
// derivable from the ledger at any time; ReplayBalance verifies that.
type UserCreditBalance struct {
	UserID              snowflake.ID     `gorm:"primaryKey"`
	Balance             decimal.Decimal  `gorm:"type:numeric(20,8);not null;default:0"`
	LastDeductionAt     *time.Time
	LastDeductionAmount *decimal.Decimal `gorm:"type:numeric(20,8)"`
	UpdatedAt           time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserCreditBalance) TableName() string { return "user_credit_balances" }

// TokenUsage is one metered inference request. The request_id unique
// constraint is the idempotency barrier for double-submitted usage.
type TokenUsage struct {
	ID                  snowflake.ID                       `gorm:"primaryKey"`
	UserID              snowflake.ID                       `gorm:"not null;index:idx_token_usage_user_time,priority:1"`
	RequestID           string                             `gorm:"type:text;not null;uniqueIndex"`
	ProviderID          snowflake.ID                       `gorm:"not null"`
	ModelName           string                             `gorm:"type:text;not null"`
	InputTokens         int64                              `gorm:"not null"`
	OutputTokens        int64                              `gorm:"not null"`
	CacheCreationTokens int64                              `gorm:"not null;default:0"`
	CacheReadTokens     int64                              `gorm:"not null;default:0"`
	VendorCostUSD       decimal.Decimal                    `gorm:"type:numeric(20,10);not null"`
	MarginMultiplier    decimal.Decimal                    `gorm:"type:numeric(10,4);not null"`
	CreditsCharged      decimal.Decimal                    `gorm:"type:numeric(20,8);not null"`
	GrossMarginUSD      decimal.Decimal                    `gorm:"type:numeric(20,10);not null;default:0"`
	Status              string                             `gorm:"type:text;not null;default:completed"`
	Metadata            *datatypes.JSONType[UsageMetadata] `gorm:"type:jsonb"`
	CreatedAt           time.Time                          `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_token_usage_user_time,priority:2"`
}

// UsageMetadataSchemaVersion is the version written to new usage rows.
const UsageMetadataSchemaVersion = 1

// UsageMetadata is the versioned payload carried on usage rows. Readers
// check SchemaVersion and reject versions they do not understand instead
// of guessing at field meaning.
type UsageMetadata struct {
	SchemaVersion int    `json:"schema_version"`
	Source        string `json:"source,omitempty"`
	APIEndpoint   string `json:"api_endpoint,omitempty"`
}

func (m UsageMetadata) Validate() error {
	if m.SchemaVersion != UsageMetadataSchemaVersion {
		return ErrUnknownMetadataVersion
	}
	return nil
}

// TableName sets the database table name.
func (TokenUsage) TableName() string { return "token_usage_ledger" }

// CreditTransaction is one append-only ledger entry. Amount is always
// positive; Type says which direction the balance moved. BalanceBefore and
// BalanceAfter snapshot the balance around the entry so the ledger replays
// without reading user_credit_balances.
type CreditTransaction struct {
	ID                  snowflake.ID     `gorm:"primaryKey"`
	UserID              snowflake.ID     `gorm:"not null;index:idx_credit_txn_user_time,priority:1"`
	RequestID           *string          `gorm:"type:text;uniqueIndex:idx_credit_txn_request_type,priority:1,where:request_id IS NOT NULL"`
	Type                string           `gorm:"type:text;not null;uniqueIndex:idx_credit_txn_request_type,priority:2"`
	Reason              string           `gorm:"type:text;not null"`
	Amount              decimal.Decimal  `gorm:"type:numeric(20,8);not null"`
	BalanceBefore       decimal.Decimal  `gorm:"type:numeric(20,8);not null"`
	BalanceAfter        decimal.Decimal  `gorm:"type:numeric(20,8);not null"`
	Status              string           `gorm:"type:text;not null;default:completed"`
	IsProrationInvolved bool             `gorm:"not null;default:false"`
	ProrationAmount     *decimal.Decimal `gorm:"type:numeric(20,8)"`
	ReversalOf          *snowflake.ID    `gorm:"index"`
	Description         string           `gorm:"type:text"`
	CreatedAt           time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_credit_txn_user_time,priority:2"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_deduction_ledger" }

// Signed returns the balance delta this entry applied.
func (t CreditTransaction) Signed() decimal.Decimal {
	if t.Type == TypeDeduction {
		return t.Amount.Neg()
	}
	return t.Amount
}

// DeductRequest meters one inference request. TierID scopes margin
// resolution and may be nil for users without a subscription.
type DeductRequest struct {
	UserID     snowflake.ID
	RequestID  string
	ProviderID snowflake.ID
	ModelName  string
	TierID     *snowflake.ID
	Usage      costing.Usage
	Metadata   *UsageMetadata
}

// DeductResult reports a deduction. Replayed is true when the request_id
// had already been metered and the stored outcome was returned instead.
// WentNegative flags an overage; it is informational, never a rejection.
type DeductResult struct {
	Transaction  *CreditTransaction
	Usage        *TokenUsage
	Breakdown    costing.Breakdown
	Replayed     bool
	WentNegative bool
}

// GrantRequest adds credits to a user balance.
type GrantRequest struct {
	UserID      snowflake.ID
	Amount      decimal.Decimal
	Reason      string
	RequestID   *string
	Description string
}

// UsageHistoryQuery pages a user's usage rows newest-first, optionally
// bounded to a time range.
type UsageHistoryQuery struct {
	From      *time.Time
	To        *time.Time
	PageToken string
	Limit     int
}

// ReplayResult compares the materialized balance against a full ledger
// replay for one user.
type ReplayResult struct {
	UserID          snowflake.ID
	StoredBalance   decimal.Decimal
	ReplayedBalance decimal.Decimal
	Entries         int
	Consistent      bool
}
