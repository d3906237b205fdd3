package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rephlo/metering/internal/clock"
	"github.com/rephlo/metering/internal/events"
	"github.com/rephlo/metering/internal/ledger/balance"
	ledgerdomain "github.com/rephlo/metering/internal/ledger/domain"
	"github.com/rephlo/metering/internal/lock"
	obsmetrics "github.com/rephlo/metering/internal/observability/metrics"
	subscriptiondomain "github.com/rephlo/metering/internal/subscription/domain"
	upgradedomain "github.com/rephlo/metering/internal/upgrade/domain"
	"github.com/rephlo/metering/pkg/db"
	"github.com/rephlo/metering/pkg/db/option"
	"github.com/rephlo/metering/pkg/repository"
	"github.com/rephlo/metering/pkg/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	workerLockKey = "metering:upgrade_worker"
	workerLockTTL = 5 * time.Minute
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locker     *lock.Locker `optional:"true"`
	Outbox     *events.Outbox
	Metrics    *telemetry.Metrics  `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	locker     *lock.Locker
	outbox     *events.Outbox
	metrics    *telemetry.Metrics
	obsMetrics *obsmetrics.Metrics

	subscriptionRepo repository.Repository[subscriptiondomain.Subscription]
	tierRepo         repository.Repository[subscriptiondomain.SubscriptionTier]
	historyRepo      repository.Repository[subscriptiondomain.TierCreditHistory]
	allocationRepo   repository.Repository[subscriptiondomain.CreditAllocation]
	txnRepo          repository.Repository[ledgerdomain.CreditTransaction]
}

func NewService(p ServiceParam) upgradedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("upgrade.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		locker:     p.Locker,
		outbox:     p.Outbox,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,

		subscriptionRepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
		tierRepo:         repository.ProvideStore[subscriptiondomain.SubscriptionTier](p.DB),
		historyRepo:      repository.ProvideStore[subscriptiondomain.TierCreditHistory](p.DB),
		allocationRepo:   repository.ProvideStore[subscriptiondomain.CreditAllocation](p.DB),
		txnRepo:          repository.ProvideStore[ledgerdomain.CreditTransaction](p.DB),
	}
}

func (s *Service) ProcessTierCreditUpgrade(
	ctx context.Context,
	tierID snowflake.ID,
	tierName string,
	oldCredits, newCredits decimal.Decimal,
) (*upgradedomain.BatchResult, error) {
	result := &upgradedomain.BatchResult{TierID: tierID, TierName: tierName}

	if newCredits.LessThanOrEqual(oldCredits) {
		s.log.Info("allocation change is not an upgrade, skipping batch",
			zap.String("tier", tierName),
			zap.String("old", oldCredits.String()),
			zap.String("new", newCredits.String()),
		)
		return result, nil
	}

	eligible, err := s.subscriptionRepo.Find(ctx,
		&subscriptiondomain.Subscription{TierID: tierID, Status: subscriptiondomain.StatusActive},
		option.WithCondition("credit_allocation < ?", newCredits),
		option.WithOrder("id ASC"),
	)
	if err != nil {
		return nil, err
	}
	result.TotalEligible = len(eligible)

	// One transaction per user: a serialization failure on one account
	// must not roll back or abort the rest of the batch.
	for _, candidate := range eligible {
		userResult := s.upgradeUser(ctx, candidate.ID, tierName, newCredits)
		result.Results = append(result.Results, userResult)

		switch userResult.Outcome {
		case upgradedomain.OutcomeUpgraded:
			result.SuccessCount++
		case upgradedomain.OutcomeFailed:
			result.FailureCount++
			s.log.Warn("tier credit upgrade failed for user",
				zap.String("user_id", userResult.UserID.String()),
				zap.String("tier", tierName),
				zap.String("error", userResult.Error),
			)
		}
		s.metrics.ObserveUpgradeBatchUser(userResult.Outcome)
		s.obsMetrics.RecordTierUpgrade(ctx, tierName, userResult.Outcome)
	}

	s.log.Info("tier credit upgrade batch finished",
		zap.String("tier", tierName),
		zap.Int("eligible", result.TotalEligible),
		zap.Int("succeeded", result.SuccessCount),
		zap.Int("failed", result.FailureCount),
	)
	return result, nil
}

func (s *Service) upgradeUser(ctx context.Context, subscriptionID snowflake.ID, tierName string, newCredits decimal.Decimal) upgradedomain.UserResult {
	outcome := upgradedomain.UserResult{SubscriptionID: subscriptionID}

	err := db.RunSerializable(ctx, s.db, func(tx *gorm.DB) error {
		// Re-read under the transaction: the subscription may have changed
		// since selection.
		subscription, err := s.subscriptionRepo.WithTrx(tx).FindOne(ctx,
			&subscriptiondomain.Subscription{ID: subscriptionID})
		if err != nil {
			return err
		}
		if subscription == nil {
			outcome.Outcome = upgradedomain.OutcomeSkipped
			return nil
		}
		outcome.UserID = subscription.UserID

		if subscription.Status != subscriptiondomain.StatusActive ||
			subscription.CreditAllocation.GreaterThanOrEqual(newCredits) {
			outcome.Outcome = upgradedomain.OutcomeSkipped
			return nil
		}

		now := s.clock.Now()
		delta := newCredits.Sub(subscription.CreditAllocation)

		err = s.subscriptionRepo.WithTrx(tx).Update(ctx, subscription.ID.String(), map[string]any{
			"credit_allocation": newCredits,
			"updated_at":        now,
		})
		if err != nil {
			return err
		}

		before, err := balance.Fetch(ctx, tx, subscription.UserID, now)
		if err != nil {
			return err
		}
		after := before.Add(delta)
		if err := balance.Write(ctx, tx, subscription.UserID, after, now); err != nil {
			return err
		}

		txn := &ledgerdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        subscription.UserID,
			Type:          ledgerdomain.TypeGrant,
			Reason:        ledgerdomain.ReasonTierUpgrade,
			Amount:        delta,
			BalanceBefore: before,
			BalanceAfter:  after,
			Status:        ledgerdomain.StatusCompleted,
			Description:   "tier allocation upgrade: " + tierName,
			CreatedAt:     now,
		}
		if err := s.txnRepo.WithTrx(tx).Create(ctx, txn); err != nil {
			return err
		}

		allocation := &subscriptiondomain.CreditAllocation{
			ID:             s.genID.Generate(),
			SubscriptionID: subscription.ID,
			UserID:         subscription.UserID,
			Credits:        delta,
			Source:         subscriptiondomain.SourceAdminGrant,
			PeriodStart:    now,
			PeriodEnd:      subscription.CurrentPeriodEnd,
			CreatedAt:      now,
		}
		if err := s.allocationRepo.WithTrx(tx).Create(ctx, allocation); err != nil {
			return err
		}

		outcome.Outcome = upgradedomain.OutcomeUpgraded
		outcome.CreditsGranted = delta

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type: events.EventTierCreditsUpgraded,
			Payload: map[string]any{
				"user_id":         subscription.UserID.String(),
				"subscription_id": subscription.ID.String(),
				"tier":            tierName,
				"credits_granted": delta.String(),
				"new_allocation":  newCredits.String(),
			},
			DedupeKey: "tier_upgrade:" + txn.ID.String(),
		})
	})
	if err != nil {
		outcome.Outcome = upgradedomain.OutcomeFailed
		outcome.Error = err.Error()
	}
	return outcome
}

func (s *Service) ProcessPendingUpgrades(ctx context.Context) ([]*upgradedomain.BatchResult, error) {
	token, acquired, err := s.locker.TryLock(ctx, workerLockKey, workerLockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		s.log.Debug("upgrade worker lock held elsewhere, skipping run")
		return nil, nil
	}
	defer func() {
		if err := s.locker.Release(ctx, workerLockKey, token); err != nil {
			s.log.Warn("failed to release upgrade worker lock", zap.Error(err))
		}
	}()

	now := s.clock.Now()
	due, err := s.historyRepo.Find(ctx,
		&subscriptiondomain.TierCreditHistory{
			Status:               subscriptiondomain.UpgradePending,
			ApplyToExistingUsers: true,
		},
		option.WithCondition("rollout_start_date <= ?", now),
		option.WithOrder("rollout_start_date ASC"),
	)
	if err != nil {
		return nil, err
	}

	var results []*upgradedomain.BatchResult
	for _, record := range due {
		tier, err := s.tierRepo.FindOne(ctx, &subscriptiondomain.SubscriptionTier{ID: record.TierID})
		if err != nil {
			return results, err
		}
		if tier == nil {
			s.log.Error("tier credit history references missing tier",
				zap.String("history_id", record.ID.String()))
			continue
		}

		batch, err := s.ProcessTierCreditUpgrade(ctx, tier.ID, tier.Name, record.OldAllocation, record.NewAllocation)
		if err != nil {
			return results, err
		}
		results = append(results, batch)

		// Failed users stay eligible, so the record stays pending and the
		// next run retries just them.
		if batch.FailureCount > 0 {
			continue
		}

		err = s.historyRepo.Update(ctx, record.ID.String(), map[string]any{
			"status":                  subscriptiondomain.UpgradeApplied,
			"apply_to_existing_users": false,
			"applied_at":              now,
		})
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
