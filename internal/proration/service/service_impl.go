package service

import (
	"context"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rephlo/metering/internal/clock"
	"github.com/rephlo/metering/internal/config"
	"github.com/rephlo/metering/internal/events"
	"github.com/rephlo/metering/internal/ledger/balance"
	ledgerdomain "github.com/rephlo/metering/internal/ledger/domain"
	prorationdomain "github.com/rephlo/metering/internal/proration/domain"
	subscriptiondomain "github.com/rephlo/metering/internal/subscription/domain"
	"github.com/rephlo/metering/pkg/db"
	"github.com/rephlo/metering/pkg/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Outbox  *events.Outbox
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	outbox  *events.Outbox

	subscriptionRepo repository.Repository[subscriptiondomain.Subscription]
	tierRepo         repository.Repository[subscriptiondomain.SubscriptionTier]
	allocationRepo   repository.Repository[subscriptiondomain.CreditAllocation]
	txnRepo          repository.Repository[ledgerdomain.CreditTransaction]
}

func NewService(p ServiceParam) prorationdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("proration.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		billing: p.Billing,
		outbox:  p.Outbox,

		subscriptionRepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
		tierRepo:         repository.ProvideStore[subscriptiondomain.SubscriptionTier](p.DB),
		allocationRepo:   repository.ProvideStore[subscriptiondomain.CreditAllocation](p.DB),
		txnRepo:          repository.ProvideStore[ledgerdomain.CreditTransaction](p.DB),
	}
}

func (s *Service) CalculateMidCycleChange(
	ctx context.Context,
	subscriptionID, newTierID snowflake.ID,
	coupon *prorationdomain.Coupon,
) (*prorationdomain.ProrationResult, error) {
	subscription, tier, err := s.load(ctx, subscriptionID, newTierID)
	if err != nil {
		return nil, err
	}
	return prorate(subscription, tier, coupon, s.clock.Now())
}

func (s *Service) ApplyMidCycleChange(ctx context.Context, req prorationdomain.ChangeRequest) (*prorationdomain.ApplyResult, error) {
	now := s.clock.Now()
	cfg := s.billing.Get()

	result := &prorationdomain.ApplyResult{}
	err := db.RunSerializable(ctx, s.db, func(tx *gorm.DB) error {
		// Re-read under the transaction so the math and the update see
		// the same subscription row.
		subscription, err := s.subscriptionRepo.WithTrx(tx).FindOne(ctx,
			&subscriptiondomain.Subscription{ID: req.SubscriptionID})
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		tier, err := s.tierRepo.WithTrx(tx).FindOne(ctx,
			&subscriptiondomain.SubscriptionTier{ID: req.NewTierID})
		if err != nil {
			return err
		}
		if tier == nil {
			return subscriptiondomain.ErrTierNotFound
		}
		if !tier.IsActive {
			return subscriptiondomain.ErrTierDisabled
		}
		if subscription.Status != subscriptiondomain.StatusActive {
			return prorationdomain.ErrNotSubscribed
		}
		if subscription.TierID == tier.ID {
			return prorationdomain.ErrSameTier
		}

		proration, err := prorate(subscription, tier, req.Coupon, now)
		if err != nil {
			return err
		}
		result.Proration = *proration

		oldAllocation := subscription.CreditAllocation
		ratio := dayRatio(proration.DaysRemaining, proration.TotalDays)

		err = s.subscriptionRepo.WithTrx(tx).Update(ctx, subscription.ID.String(), map[string]any{
			"tier_id":                     tier.ID,
			"effective_monthly_price_usd": effectivePrice(tier.MonthlyPriceUSD, req.Coupon),
			"credit_allocation":           tier.CreditAllocation,
			"updated_at":                  now,
		})
		if err != nil {
			return err
		}
		subscription.TierID = tier.ID
		subscription.CreditAllocation = tier.CreditAllocation
		result.Subscription = subscription

		before, err := balance.Fetch(ctx, tx, subscription.UserID, now)
		if err != nil {
			return err
		}

		// Upgrades carry the prorated allocation delta into the balance;
		// downgrades keep what the user already has.
		creditDelta := tier.CreditAllocation.Sub(oldAllocation).Mul(ratio).
			RoundCeil(cfg.CreditPrecision)
		if creditDelta.IsNegative() {
			creditDelta = decimal.Zero
		}

		after := before.Add(creditDelta)
		entry := &ledgerdomain.CreditTransaction{
			ID:                  s.genID.Generate(),
			UserID:              subscription.UserID,
			Type:                ledgerdomain.TypeGrant,
			Reason:              ledgerdomain.ReasonTierChange,
			Amount:              creditDelta,
			BalanceBefore:       before,
			BalanceAfter:        after,
			Status:              ledgerdomain.StatusCompleted,
			IsProrationInvolved: true,
			ProrationAmount:     &proration.CouponDiscountUSD,
			Description:         "tier change to " + tier.Name,
			CreatedAt:           now,
		}
		if err := s.txnRepo.WithTrx(tx).Create(ctx, entry); err != nil {
			return err
		}
		result.LedgerEntry = entry

		// A negative net means the old tier's unused value exceeds the new
		// charge: hand it back as credits instead of a negative invoice.
		if proration.NetUSD.IsNegative() {
			refund := proration.NetUSD.Neg().
				Mul(decimal.NewFromFloat(cfg.CreditsPerUSD)).
				RoundCeil(cfg.CreditPrecision)
			grantAfter := after.Add(refund)
			grant := &ledgerdomain.CreditTransaction{
				ID:                  s.genID.Generate(),
				UserID:              subscription.UserID,
				Type:                ledgerdomain.TypeGrant,
				Reason:              ledgerdomain.ReasonProrationCredit,
				Amount:              refund,
				BalanceBefore:       after,
				BalanceAfter:        grantAfter,
				Status:              ledgerdomain.StatusCompleted,
				IsProrationInvolved: true,
				ProrationAmount:     &proration.CouponDiscountUSD,
				Description:         "downgrade credit",
				CreatedAt:           now,
			}
			if err := s.txnRepo.WithTrx(tx).Create(ctx, grant); err != nil {
				return err
			}
			result.CreditGrant = grant
			after = grantAfter
		}

		if err := balance.Write(ctx, tx, subscription.UserID, after, now); err != nil {
			return err
		}

		allocation := &subscriptiondomain.CreditAllocation{
			ID:             s.genID.Generate(),
			SubscriptionID: subscription.ID,
			UserID:         subscription.UserID,
			Credits:        creditDelta,
			Source:         subscriptiondomain.SourceTierChange,
			PeriodStart:    now,
			PeriodEnd:      subscription.CurrentPeriodEnd,
			CreatedAt:      now,
		}
		if err := s.allocationRepo.WithTrx(tx).Create(ctx, allocation); err != nil {
			return err
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type: events.EventTierChangeApplied,
			Payload: map[string]any{
				"user_id":          subscription.UserID.String(),
				"subscription_id":  subscription.ID.String(),
				"new_tier":         tier.Name,
				"charge_today_usd": proration.TotalChargeTodayUSD.String(),
				"coupon_discount":  proration.CouponDiscountUSD.String(),
				"ledger_entry_id":  entry.ID.String(),
			},
			DedupeKey: "tier_change:" + entry.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("mid-cycle tier change applied",
		zap.String("subscription_id", req.SubscriptionID.String()),
		zap.String("charge_today_usd", result.Proration.TotalChargeTodayUSD.String()),
	)
	return result, nil
}

func (s *Service) load(ctx context.Context, subscriptionID, newTierID snowflake.ID) (*subscriptiondomain.Subscription, *subscriptiondomain.SubscriptionTier, error) {
	subscription, err := s.subscriptionRepo.FindOne(ctx, &subscriptiondomain.Subscription{ID: subscriptionID})
	if err != nil {
		return nil, nil, err
	}
	if subscription == nil {
		return nil, nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if subscription.Status != subscriptiondomain.StatusActive {
		return nil, nil, prorationdomain.ErrNotSubscribed
	}

	tier, err := s.tierRepo.FindOne(ctx, &subscriptiondomain.SubscriptionTier{ID: newTierID})
	if err != nil {
		return nil, nil, err
	}
	if tier == nil {
		return nil, nil, subscriptiondomain.ErrTierNotFound
	}
	if subscription.TierID == tier.ID {
		return nil, nil, prorationdomain.ErrSameTier
	}
	return subscription, tier, nil
}

// prorate runs the mid-cycle math against the subscription's effective
// price, not the old tier's list price: an active discount reduces the
// unused value being handed back.
func prorate(
	subscription *subscriptiondomain.Subscription,
	tier *subscriptiondomain.SubscriptionTier,
	coupon *prorationdomain.Coupon,
	now time.Time,
) (*prorationdomain.ProrationResult, error) {
	if !now.Before(subscription.CurrentPeriodEnd) {
		return nil, prorationdomain.ErrPeriodElapsed
	}

	daysRemaining := int64(math.Ceil(subscription.CurrentPeriodEnd.Sub(now).Hours() / 24))
	totalDays := int64(math.Round(subscription.CurrentPeriodEnd.Sub(subscription.CurrentPeriodStart).Hours() / 24))
	if totalDays <= 0 {
		return nil, prorationdomain.ErrPeriodElapsed
	}
	if daysRemaining > totalDays {
		daysRemaining = totalDays
	}
	ratio := dayRatio(daysRemaining, totalDays)

	unused := subscription.EffectiveMonthlyPriceUSD.Mul(ratio).Round(2)
	prorated := tier.MonthlyPriceUSD.Mul(ratio).Round(2)

	discount := decimal.Zero
	if coupon != nil {
		switch coupon.DiscountType {
		case prorationdomain.DiscountPercentage:
			if coupon.DiscountValue.IsNegative() || coupon.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
				return nil, prorationdomain.ErrInvalidCoupon
			}
			discount = prorated.Mul(coupon.DiscountValue).Div(decimal.NewFromInt(100)).Round(2)
		case prorationdomain.DiscountFixedAmount:
			if coupon.DiscountValue.IsNegative() {
				return nil, prorationdomain.ErrInvalidCoupon
			}
			// Fixed discounts never exceed the prorated charge.
			discount = decimal.Min(coupon.DiscountValue, prorated)
		default:
			return nil, prorationdomain.ErrInvalidCoupon
		}
	}

	net := prorated.Sub(unused).Sub(discount)
	charge := net
	if charge.IsNegative() {
		charge = decimal.Zero
	}

	return &prorationdomain.ProrationResult{
		DaysRemaining:            daysRemaining,
		TotalDays:                totalDays,
		OldTierEffectivePriceUSD: subscription.EffectiveMonthlyPriceUSD,
		UnusedCreditUSD:          unused,
		ProratedChargeUSD:        prorated,
		CouponDiscountUSD:        discount,
		TotalChargeTodayUSD:      charge,
		NetUSD:                   net,
		NewRenewalDate:           subscription.CurrentPeriodEnd,
	}, nil
}

// effectivePrice is what the subscription pays monthly going forward. A
// percentage coupon keeps discounting renewals; a fixed amount is a
// one-time discount on today's charge only.
func effectivePrice(listPrice decimal.Decimal, coupon *prorationdomain.Coupon) decimal.Decimal {
	if coupon == nil || coupon.DiscountType != prorationdomain.DiscountPercentage {
		return listPrice
	}
	factor := decimal.NewFromInt(100).Sub(coupon.DiscountValue).Div(decimal.NewFromInt(100))
	return listPrice.Mul(factor).Round(2)
}

func dayRatio(daysRemaining, totalDays int64) decimal.Decimal {
	return decimal.NewFromInt(daysRemaining).Div(decimal.NewFromInt(totalDays))
}
