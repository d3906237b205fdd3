package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrTierNotFound         = errors.New("tier_not_found")
	ErrTierDisabled         = errors.New("tier_disabled")
)

// Subscription statuses.
const (
	StatusActive   = "active"
	StatusCanceled = "canceled"
)

// Tier credit history statuses.
const (
	UpgradePending    = "pending"
	UpgradeProcessing = "processing"
	UpgradeApplied    = "applied"
)

// Allocation sources.
const (
	SourceRenewal    = "renewal"
	SourceTierChange = "tier_change"
	SourceAdminGrant = "admin_grant"
)

// SubscriptionTier is a sellable plan. CreditAllocation is the monthly
// credit grant at the nominal price.
type SubscriptionTier struct {
	ID               snowflake.ID    `gorm:"primaryKey"`
	Name             string          `gorm:"type:text;not null;uniqueIndex"`
	MonthlyPriceUSD  decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	CreditAllocation decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	IsActive         bool            `gorm:"not null;default:true"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionTier) TableName() string { return "subscription_tiers" }

// Subscription binds a user to a tier for a billing period.
// EffectiveMonthlyPriceUSD is what the user actually pays after coupons,
// which is the price proration refunds against. CreditAllocation is the
// per-user allocation, normally the tier's but adjustable per account.
type Subscription struct {
	ID                       snowflake.ID    `gorm:"primaryKey"`
	UserID                   snowflake.ID    `gorm:"not null;uniqueIndex"`
	TierID                   snowflake.ID    `gorm:"not null;index"`
	Status                   string          `gorm:"type:text;not null;default:active;index"`
	EffectiveMonthlyPriceUSD decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	CreditAllocation         decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	CurrentPeriodStart       time.Time       `gorm:"not null"`
	CurrentPeriodEnd         time.Time       `gorm:"not null"`
	CreatedAt                time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// TierCreditHistory records an allocation change on a tier. Pending rows
// with a reached rollout date are picked up by the upgrade worker.
type TierCreditHistory struct {
	ID                   snowflake.ID    `gorm:"primaryKey"`
	TierID               snowflake.ID    `gorm:"not null;index"`
	OldAllocation        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	NewAllocation        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	RolloutStartDate     time.Time       `gorm:"not null;index"`
	ApplyToExistingUsers bool            `gorm:"not null;default:false"`
	Status               string          `gorm:"type:text;not null;default:pending;index"`
	AppliedAt            *time.Time
	CreatedAt            time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TierCreditHistory) TableName() string { return "tier_credit_history" }

// CreditAllocation is the audit trail of credit grants tied to a
// subscription period.
type CreditAllocation struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	SubscriptionID snowflake.ID    `gorm:"not null;index"`
	UserID         snowflake.ID    `gorm:"not null;index"`
	Credits        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Source         string          `gorm:"type:text;not null"`
	PeriodStart    time.Time       `gorm:"not null"`
	PeriodEnd      time.Time       `gorm:"not null"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditAllocation) TableName() string { return "credit_allocations" }
