package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/rephlo/metering/internal/ledger/domain"
	subscriptiondomain "github.com/rephlo/metering/internal/subscription/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCoupon = errors.New("invalid_coupon")
	ErrPeriodElapsed = errors.New("billing_period_elapsed")
	ErrSameTier      = errors.New("same_tier")
	ErrNotSubscribed = errors.New("subscription_not_active")
)

// Coupon discount types, as supplied by the coupon validation service.
const (
	DiscountPercentage  = "percentage"
	DiscountFixedAmount = "fixed_amount"
)

// Coupon is a pre-validated discount applied to the prorated charge of
// the new tier. Eligibility is the coupon service's problem, not ours.
type Coupon struct {
	DiscountType  string
	DiscountValue decimal.Decimal
}

// ProrationResult is the mid-cycle math, all USD amounts rounded to
// cents. TotalChargeTodayUSD is clamped at zero: a negative net becomes
// a credit, never a negative charge.
type ProrationResult struct {
	DaysRemaining            int64
	TotalDays                int64
	OldTierEffectivePriceUSD decimal.Decimal
	UnusedCreditUSD          decimal.Decimal
	ProratedChargeUSD        decimal.Decimal
	CouponDiscountUSD        decimal.Decimal
	TotalChargeTodayUSD      decimal.Decimal
	// NetUSD is ProratedChargeUSD - UnusedCreditUSD - CouponDiscountUSD
	// before clamping; negative on downgrades.
	NetUSD decimal.Decimal
	// NewRenewalDate is when the changed subscription next renews. The
	// billing cycle is untouched by a mid-cycle change, so this is the
	// existing period end.
	NewRenewalDate time.Time
}

// ChangeRequest switches a subscription to a new tier mid-cycle.
type ChangeRequest struct {
	SubscriptionID snowflake.ID
	NewTierID      snowflake.ID
	Coupon         *Coupon
}

// ApplyResult reports an applied tier change. LedgerEntry is the
// tier-change entry marked with the proration audit fields; CreditGrant
// is the downgrade credit, nil when the net is a charge.
type ApplyResult struct {
	Proration    ProrationResult
	Subscription *subscriptiondomain.Subscription
	LedgerEntry  *ledgerdomain.CreditTransaction
	CreditGrant  *ledgerdomain.CreditTransaction
}

type Service interface {
	// CalculateMidCycleChange runs the proration math without touching
	// any state, for previewing a tier change.
	CalculateMidCycleChange(ctx context.Context, subscriptionID, newTierID snowflake.ID, coupon *Coupon) (*ProrationResult, error)
	// ApplyMidCycleChange switches the tier, grants the prorated
	// allocation delta, and appends the audit ledger entry in one
	// transaction. Billing failure downstream is undone via
	// ledger.Reverse on the returned entry.
	ApplyMidCycleChange(ctx context.Context, req ChangeRequest) (*ApplyResult, error)
}
