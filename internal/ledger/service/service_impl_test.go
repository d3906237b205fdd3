package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/rephlo/metering/internal/cache"
	"github.com/rephlo/metering/internal/clock"
	"github.com/rephlo/metering/internal/config"
	"github.com/rephlo/metering/internal/costing"
	"github.com/rephlo/metering/internal/events"
	ledgerdomain "github.com/rephlo/metering/internal/ledger/domain"
	margindomain "github.com/rephlo/metering/internal/margin/domain"
	marginservice "github.com/rephlo/metering/internal/margin/service"
	pricingdomain "github.com/rephlo/metering/internal/pricing/domain"
	pricingrepository "github.com/rephlo/metering/internal/pricing/repository"
	pricingservice "github.com/rephlo/metering/internal/pricing/service"
	prorationdomain "github.com/rephlo/metering/internal/proration/domain"
	prorationservice "github.com/rephlo/metering/internal/proration/service"
	subscriptiondomain "github.com/rephlo/metering/internal/subscription/domain"
	"github.com/rephlo/metering/pkg/db"
	"github.com/rephlo/metering/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc      ledgerdomain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	provider *pricingdomain.Provider
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	// A pooled :memory: database is one database per connection; pin the
	// pool so every goroutine sees the same one.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&pricingdomain.Provider{},
		&pricingdomain.ModelPrice{},
		&margindomain.MarginConfig{},
		&ledgerdomain.UserCreditBalance{},
		&ledgerdomain.TokenUsage{},
		&ledgerdomain.CreditTransaction{},
		&subscriptiondomain.SubscriptionTier{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.CreditAllocation{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	billing := config.NewBillingConfigHolderFrom(config.BillingConfig{
		CreditsPerUSD:           1000,
		CreditPrecision:         0,
		DefaultMarginMultiplier: 1.0,
		PriceAlertThresholdPct:  10,
		PriceCacheTTLSeconds:    300,
	})
	outbox := events.NewOutbox(events.Params{Log: zap.NewNop(), GenID: node})
	fake := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	pricingSvc := pricingservice.NewService(pricingservice.ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fake,
		Repo:       pricingrepository.New(),
		PriceCache: cache.NewMemoryPriceCache(),
		Billing:    billing,
		Outbox:     outbox,
	})
	marginSvc := marginservice.NewService(marginservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Billing: billing,
	})

	ctx := context.Background()
	provider, err := pricingSvc.CreateProvider(ctx, pricingdomain.CreateProviderRequest{
		Name:    "anthropic",
		APIType: "anthropic",
	})
	require.NoError(t, err)

	_, err = pricingSvc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-sonnet",
		InputPricePer1K:  decimal.RequireFromString("0.005"),
		OutputPricePer1K: decimal.RequireFromString("0.015"),
		EffectiveFrom:    fake.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	_, err = marginSvc.CreateConfig(ctx, margindomain.CreateConfigRequest{
		ProviderID: &provider.ID,
		Multiplier: decimal.RequireFromString("1.3"),
		CreatedBy:  snowflake.ID(1),
	})
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Pricing: pricingSvc,
		Margin:  marginSvc,
		Billing: billing,
		Outbox:  outbox,
	})

	return &fixture{svc: svc, db: db, clock: fake, node: node, provider: provider}
}

func (f *fixture) deduct(t *testing.T, userID snowflake.ID, requestID string, usage costing.Usage) *ledgerdomain.DeductResult {
	t.Helper()
	result, err := f.svc.Deduct(context.Background(), ledgerdomain.DeductRequest{
		UserID:     userID,
		RequestID:  requestID,
		ProviderID: f.provider.ID,
		ModelName:  "claude-sonnet",
		Usage:      usage,
	})
	require.NoError(t, err)
	return result
}

func TestDeduct_ChargesMarginalCost(t *testing.T) {
	f := setup(t)
	userID := snowflake.ID(10)

	result := f.deduct(t, userID, "req-1", costing.Usage{InputTokens: 1500, OutputTokens: 500})

	// 1.5k * $0.005 + 0.5k * $0.015 = $0.015; * 1.3 margin = $0.0195;
	// * 1000 credits/USD = 19.5, rounded up to whole credits.
	assert.False(t, result.Replayed)
	assert.True(t, result.Breakdown.VendorCostUSD.Equal(decimal.RequireFromString("0.015")))
	assert.True(t, result.Breakdown.Credits.Equal(decimal.NewFromInt(20)))
	assert.True(t, result.Transaction.BalanceBefore.IsZero())
	assert.True(t, result.Transaction.BalanceAfter.Equal(decimal.NewFromInt(-20)))
	assert.Equal(t, ledgerdomain.StatusCompleted, result.Transaction.Status)
	assert.Equal(t, ledgerdomain.ReasonAPICompletion, result.Transaction.Reason)

	// Zero balance minus 20 credits is an overage, not a rejection.
	assert.True(t, result.WentNegative)
	// 20 credits are worth $0.02 at 1000/USD; vendor cost was $0.015.
	assert.True(t, result.Breakdown.GrossMarginUSD.Equal(decimal.RequireFromString("0.005")),
		result.Breakdown.GrossMarginUSD.String())
	assert.Equal(t, ledgerdomain.StatusCompleted, result.Usage.Status)

	balance, err := f.svc.GetCurrentBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(-20)))

	var row ledgerdomain.UserCreditBalance
	require.NoError(t, f.db.First(&row, "user_id = ?", userID).Error)
	require.NotNil(t, row.LastDeductionAmount)
	assert.True(t, row.LastDeductionAmount.Equal(decimal.NewFromInt(20)))
	require.NotNil(t, row.LastDeductionAt)
}

func TestDeduct_ReplaysDuplicateRequestID(t *testing.T) {
	f := setup(t)
	userID := snowflake.ID(10)

	first := f.deduct(t, userID, "req-1", costing.Usage{InputTokens: 1500, OutputTokens: 500})
	second := f.deduct(t, userID, "req-1", costing.Usage{InputTokens: 1500, OutputTokens: 500})

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.True(t, second.Breakdown.Credits.Equal(first.Breakdown.Credits))

	// The balance moved exactly once.
	balance, err := f.svc.GetCurrentBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(-20)))

	var txns int64
	require.NoError(t, f.db.Model(&ledgerdomain.CreditTransaction{}).Count(&txns).Error)
	assert.Equal(t, int64(1), txns)
}

func TestDeduct_ConcurrentSameRequestID(t *testing.T) {
	f := setup(t)
	userID := snowflake.ID(10)

	const workers = 8
	results := make([]*ledgerdomain.DeductResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Deduct(context.Background(), ledgerdomain.DeductRequest{
				UserID:     userID,
				RequestID:  "req-race",
				ProviderID: f.provider.ID,
				ModelName:  "claude-sonnet",
				Usage:      costing.Usage{InputTokens: 1500, OutputTokens: 500},
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if !results[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	balance, err := f.svc.GetCurrentBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(-20)))
}

func TestDeduct_InvalidInputs(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Deduct(context.Background(), ledgerdomain.DeductRequest{
		UserID:     snowflake.ID(10),
		RequestID:  "  ",
		ProviderID: f.provider.ID,
		ModelName:  "claude-sonnet",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidRequestID)

	_, err = f.svc.Deduct(context.Background(), ledgerdomain.DeductRequest{
		UserID:     snowflake.ID(10),
		RequestID:  "req-1",
		ProviderID: f.provider.ID,
		ModelName:  "unpriced-model",
	})
	assert.ErrorIs(t, err, pricingdomain.ErrPriceNotFound)
}

func TestGrant_AndIdempotency(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	userID := snowflake.ID(10)
	requestID := "grant-1"

	first, err := f.svc.Grant(ctx, ledgerdomain.GrantRequest{
		UserID:    userID,
		Amount:    decimal.NewFromInt(500),
		Reason:    ledgerdomain.ReasonSignupBonus,
		RequestID: &requestID,
	})
	require.NoError(t, err)
	assert.True(t, first.BalanceAfter.Equal(decimal.NewFromInt(500)))

	second, err := f.svc.Grant(ctx, ledgerdomain.GrantRequest{
		UserID:    userID,
		Amount:    decimal.NewFromInt(500),
		Reason:    ledgerdomain.ReasonSignupBonus,
		RequestID: &requestID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, err := f.svc.GetCurrentBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(500)))

	_, err = f.svc.Grant(ctx, ledgerdomain.GrantRequest{
		UserID: userID,
		Amount: decimal.Zero,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

func TestReverse_CompensatesDeduction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	userID := snowflake.ID(10)

	result := f.deduct(t, userID, "req-1", costing.Usage{InputTokens: 1500, OutputTokens: 500})
	f.clock.Advance(time.Minute)

	compensating, err := f.svc.Reverse(ctx, result.Transaction.ID, "billing failure")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.TypeGrant, compensating.Type)
	assert.Equal(t, ledgerdomain.ReasonReversal, compensating.Reason)
	require.NotNil(t, compensating.ReversalOf)
	assert.Equal(t, result.Transaction.ID, *compensating.ReversalOf)
	assert.True(t, compensating.BalanceAfter.IsZero())

	var original ledgerdomain.CreditTransaction
	require.NoError(t, f.db.First(&original, "id = ?", result.Transaction.ID).Error)
	assert.Equal(t, ledgerdomain.StatusReversed, original.Status)

	// Reversing twice fails.
	_, err = f.svc.Reverse(ctx, result.Transaction.ID, "again")
	assert.ErrorIs(t, err, ledgerdomain.ErrAlreadyReversed)

	// Compensating entries themselves cannot be reversed.
	_, err = f.svc.Reverse(ctx, compensating.ID, "nope")
	assert.ErrorIs(t, err, ledgerdomain.ErrNotReversible)

	_, err = f.svc.Reverse(ctx, snowflake.ID(424242), "missing")
	assert.ErrorIs(t, err, ledgerdomain.ErrTransactionNotFound)
}

func TestReplayBalance_MatchesLedger(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	userID := snowflake.ID(10)

	_, err := f.svc.Grant(ctx, ledgerdomain.GrantRequest{
		UserID: userID,
		Amount: decimal.NewFromInt(1000),
		Reason: ledgerdomain.ReasonSignupBonus,
	})
	require.NoError(t, err)

	var lastDeduction *ledgerdomain.CreditTransaction
	for i, requestID := range []string{"req-a", "req-b", "req-c"} {
		f.clock.Advance(time.Duration(i+1) * time.Minute)
		result := f.deduct(t, userID, requestID, costing.Usage{InputTokens: 1500, OutputTokens: 500})
		lastDeduction = result.Transaction
	}
	f.clock.Advance(time.Minute)
	_, err = f.svc.Reverse(ctx, lastDeduction.ID, "billing failure")
	require.NoError(t, err)

	replay, err := f.svc.ReplayBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, replay.Consistent,
		"stored %s vs replayed %s", replay.StoredBalance, replay.ReplayedBalance)
	// 1000 - 3*20 + 20 back from the reversal.
	assert.True(t, replay.StoredBalance.Equal(decimal.NewFromInt(960)))
	assert.Equal(t, 5, replay.Entries)
}

func TestGetUsageHistory_CursorPagination(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	userID := snowflake.ID(10)

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Minute)
		f.deduct(t, userID, "req-"+string(rune('a'+i)), costing.Usage{InputTokens: 100})
	}

	page1, info1, err := f.svc.GetUsageHistory(ctx, userID, ledgerdomain.UsageHistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.True(t, info1.HasMore)
	// Newest first.
	assert.Equal(t, "req-e", page1[0].RequestID)
	assert.Equal(t, "req-d", page1[1].RequestID)

	page2, info2, err := f.svc.GetUsageHistory(ctx, userID, ledgerdomain.UsageHistoryQuery{PageToken: info1.NextPageToken, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.True(t, info2.HasMore)
	assert.Equal(t, "req-c", page2[0].RequestID)

	page3, info3, err := f.svc.GetUsageHistory(ctx, userID, ledgerdomain.UsageHistoryQuery{PageToken: info2.NextPageToken, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.False(t, info3.HasMore)
	assert.Equal(t, "req-a", page3[0].RequestID)
}

func TestGetUsageHistory_DateRange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	userID := snowflake.ID(10)

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Hour)
		f.deduct(t, userID, "req-"+string(rune('a'+i)), costing.Usage{InputTokens: 100})
	}

	from := f.clock.Now().Add(-3*time.Hour - time.Minute)
	to := f.clock.Now().Add(-time.Hour - time.Minute)

	// Only req-b and req-c fall inside [from, to).
	rows, info, err := f.svc.GetUsageHistory(ctx, userID, ledgerdomain.UsageHistoryQuery{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.False(t, info.HasMore)
	assert.Equal(t, "req-c", rows[0].RequestID)
	assert.Equal(t, "req-b", rows[1].RequestID)
}

func TestDeduct_EmitsOutboxEvent(t *testing.T) {
	f := setup(t)

	f.deduct(t, snowflake.ID(10), "req-1", costing.Usage{InputTokens: 100})

	var count int64
	require.NoError(t, f.db.Model(&events.OutboxEvent{}).
		Where("type = ?", string(events.EventCreditDeducted)).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDeduct_StoresVersionedMetadata(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Deduct(context.Background(), ledgerdomain.DeductRequest{
		UserID:     snowflake.ID(10),
		RequestID:  "req-1",
		ProviderID: f.provider.ID,
		ModelName:  "claude-sonnet",
		Usage:      costing.Usage{InputTokens: 100},
		Metadata:   &ledgerdomain.UsageMetadata{Source: "api", APIEndpoint: "/v1/messages"},
	})
	require.NoError(t, err)

	var row ledgerdomain.TokenUsage
	require.NoError(t, f.db.First(&row, "request_id = ?", "req-1").Error)
	require.NotNil(t, row.Metadata)

	meta := row.Metadata.Data()
	require.NoError(t, meta.Validate())
	assert.Equal(t, ledgerdomain.UsageMetadataSchemaVersion, meta.SchemaVersion)
	assert.Equal(t, "api", meta.Source)

	_, err = f.svc.Deduct(context.Background(), ledgerdomain.DeductRequest{
		UserID:     snowflake.ID(10),
		RequestID:  "req-2",
		ProviderID: f.provider.ID,
		ModelName:  "claude-sonnet",
		Usage:      costing.Usage{InputTokens: 100},
		Metadata:   &ledgerdomain.UsageMetadata{SchemaVersion: 99},
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrUnknownMetadataVersion)
}

func TestGrant_RequestIDUniqueAtTheDatabase(t *testing.T) {
	f := setup(t)
	requestID := "grant-dup"

	mk := func() *ledgerdomain.CreditTransaction {
		return &ledgerdomain.CreditTransaction{
			ID:            f.node.Generate(),
			UserID:        snowflake.ID(10),
			RequestID:     &requestID,
			Type:          ledgerdomain.TypeGrant,
			Reason:        ledgerdomain.ReasonManualGrant,
			Amount:        decimal.NewFromInt(10),
			BalanceBefore: decimal.Zero,
			BalanceAfter:  decimal.NewFromInt(10),
			Status:        ledgerdomain.StatusCompleted,
			CreatedAt:     f.clock.Now(),
		}
	}
	require.NoError(t, f.db.Create(mk()).Error)
	// Same request id and type trips the unique index even when the
	// service-level existence check is bypassed.
	assert.True(t, db.IsDuplicateKeyErr(f.db.Create(mk()).Error))

	// A reversal grant may share a deduction's request id: different type.
	deduction := mk()
	deduction.Type = ledgerdomain.TypeDeduction
	require.NoError(t, f.db.Create(deduction).Error)
}

func TestReverse_GrantCompensatedWithDeduction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	userID := snowflake.ID(10)

	grant, err := f.svc.Grant(ctx, ledgerdomain.GrantRequest{
		UserID: userID,
		Amount: decimal.NewFromInt(300),
		Reason: ledgerdomain.ReasonTierChange,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	// Billing-provider failure callback: undo the tier-change grant.
	compensating, err := f.svc.Reverse(ctx, grant.ID, "provider charge failed")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.TypeDeduction, compensating.Type)
	assert.Equal(t, ledgerdomain.ReasonReversal, compensating.Reason)
	require.NotNil(t, compensating.ReversalOf)
	assert.Equal(t, grant.ID, *compensating.ReversalOf)
	assert.True(t, compensating.BalanceAfter.IsZero())

	balance, err := f.svc.GetCurrentBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	var original ledgerdomain.CreditTransaction
	require.NoError(t, f.db.First(&original, "id = ?", grant.ID).Error)
	assert.Equal(t, ledgerdomain.StatusReversed, original.Status)

	_, err = f.svc.Reverse(ctx, grant.ID, "again")
	assert.ErrorIs(t, err, ledgerdomain.ErrAlreadyReversed)
}

func TestGetUsageHistory_SameTimestampTieBreak(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	userID := snowflake.ID(10)

	// Three rows on the same instant; paging falls back to the id order.
	for _, requestID := range []string{"req-1", "req-2", "req-3"} {
		f.deduct(t, userID, requestID, costing.Usage{InputTokens: 100})
	}

	page1, info1, err := f.svc.GetUsageHistory(ctx, userID, ledgerdomain.UsageHistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "req-3", page1[0].RequestID)
	assert.Equal(t, "req-2", page1[1].RequestID)
	require.True(t, info1.HasMore)

	page2, info2, err := f.svc.GetUsageHistory(ctx, userID, ledgerdomain.UsageHistoryQuery{
		PageToken: info1.NextPageToken,
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "req-1", page2[0].RequestID)
	assert.False(t, info2.HasMore)
}

func TestGetUsageHistory_RejectsBadPageToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, _, err := f.svc.GetUsageHistory(ctx, snowflake.ID(10), ledgerdomain.UsageHistoryQuery{
		PageToken: "not-base64!",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPageToken)

	token, err := pagination.EncodeCursor(pagination.Cursor{ID: "abc", CreatedAt: "yesterday"})
	require.NoError(t, err)
	_, _, err = f.svc.GetUsageHistory(ctx, snowflake.ID(10), ledgerdomain.UsageHistoryQuery{PageToken: token})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPageToken)
}

func TestReverse_UndoesAppliedTierChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	userID := snowflake.ID(10)

	prorationSvc := prorationservice.NewService(prorationservice.ServiceParam{
		DB:    f.db,
		Log:   zap.NewNop(),
		GenID: f.node,
		Clock: f.clock,
		Billing: config.NewBillingConfigHolderFrom(config.BillingConfig{
			CreditsPerUSD:   1000,
			CreditPrecision: 0,
		}),
		Outbox: events.NewOutbox(events.Params{Log: zap.NewNop(), GenID: f.node}),
	})

	basic := &subscriptiondomain.SubscriptionTier{
		ID:               f.node.Generate(),
		Name:             "basic",
		MonthlyPriceUSD:  decimal.NewFromInt(10),
		CreditAllocation: decimal.NewFromInt(1000),
		IsActive:         true,
	}
	pro := &subscriptiondomain.SubscriptionTier{
		ID:               f.node.Generate(),
		Name:             "pro",
		MonthlyPriceUSD:  decimal.NewFromInt(30),
		CreditAllocation: decimal.NewFromInt(3000),
		IsActive:         true,
	}
	require.NoError(t, f.db.Create(basic).Error)
	require.NoError(t, f.db.Create(pro).Error)

	sub := &subscriptiondomain.Subscription{
		ID:                       f.node.Generate(),
		UserID:                   userID,
		TierID:                   basic.ID,
		Status:                   subscriptiondomain.StatusActive,
		EffectiveMonthlyPriceUSD: basic.MonthlyPriceUSD,
		CreditAllocation:         basic.CreditAllocation,
		CurrentPeriodStart:       f.clock.Now().Add(-15 * 24 * time.Hour),
		CurrentPeriodEnd:         f.clock.Now().Add(15 * 24 * time.Hour),
	}
	require.NoError(t, f.db.Create(sub).Error)

	applied, err := prorationSvc.ApplyMidCycleChange(ctx, prorationdomain.ChangeRequest{
		SubscriptionID: sub.ID,
		NewTierID:      pro.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, applied.LedgerEntry)

	// Half the allocation delta landed in the balance.
	balance, err := f.svc.GetCurrentBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1000)), balance.String())

	// Billing-provider failure callback: the returned entry is reversible.
	f.clock.Advance(time.Minute)
	compensating, err := f.svc.Reverse(ctx, applied.LedgerEntry.ID, "provider charge declined")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.TypeDeduction, compensating.Type)

	balance, err = f.svc.GetCurrentBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), balance.String())
}
