package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Per-user outcomes within a batch.
const (
	OutcomeUpgraded = "upgraded"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// UserResult is one user's outcome in an upgrade batch. Error carries
// the failure text so a partial batch is auditable from the result alone.
type UserResult struct {
	UserID         snowflake.ID
	SubscriptionID snowflake.ID
	Outcome        string
	CreditsGranted decimal.Decimal
	Error          string
}

// BatchResult summarizes one tier-allocation upgrade run. TotalEligible
// counts the users selected for upgrade; skipped and failed users remain
// eligible for a re-run.
type BatchResult struct {
	TierID        snowflake.ID
	TierName      string
	TotalEligible int
	SuccessCount  int
	FailureCount  int
	Results       []UserResult
}

type Service interface {
	// ProcessTierCreditUpgrade raises eligible users on a tier to the new
	// allocation, one independent transaction per user. Allocation
	// decreases are a no-op: existing users never lose credits from a
	// tier-config change.
	ProcessTierCreditUpgrade(ctx context.Context, tierID snowflake.ID, tierName string, oldCredits, newCredits decimal.Decimal) (*BatchResult, error)
	// ProcessPendingUpgrades is the worker entry point: it picks up due
	// tier_credit_history rows and applies them. Safe to re-run after a
	// crash because eligibility is re-checked per user.
	ProcessPendingUpgrades(ctx context.Context) ([]*BatchResult, error)
}
