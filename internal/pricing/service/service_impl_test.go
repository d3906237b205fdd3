package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/rephlo/metering/internal/cache"
	"github.com/rephlo/metering/internal/clock"
	"github.com/rephlo/metering/internal/config"
	"github.com/rephlo/metering/internal/events"
	pricingdomain "github.com/rephlo/metering/internal/pricing/domain"
	"github.com/rephlo/metering/internal/pricing/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (pricingdomain.Service, *gorm.DB) {
	t.Helper()
	return setupServiceWithClock(t, clock.NewSystemClock())
}

func setupServiceWithClock(t *testing.T, clk clock.Clock) (pricingdomain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&pricingdomain.Provider{},
		&pricingdomain.ModelPrice{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Repo:       repository.New(),
		PriceCache: cache.NewMemoryPriceCache(),
		Billing:    config.NewBillingConfigHolderFrom(config.DefaultBillingConfig()),
		Outbox: events.NewOutbox(events.Params{
			Log:   zap.NewNop(),
			GenID: node,
		}),
	})
	return svc, db
}

func createProvider(t *testing.T, svc pricingdomain.Service) *pricingdomain.Provider {
	t.Helper()
	provider, err := svc.CreateProvider(context.Background(), pricingdomain.CreateProviderRequest{
		Name:    "anthropic",
		APIType: "anthropic",
	})
	require.NoError(t, err)
	return provider
}

func TestCreateProvider_DuplicateName(t *testing.T) {
	svc, _ := setupService(t)
	createProvider(t, svc)

	_, err := svc.CreateProvider(context.Background(), pricingdomain.CreateProviderRequest{
		Name:    "anthropic",
		APIType: "anthropic",
	})
	assert.ErrorIs(t, err, pricingdomain.ErrDuplicateProvider)
}

func TestRecordNewPrice_FirstPrice(t *testing.T) {
	svc, _ := setupService(t)
	provider := createProvider(t, svc)
	ctx := context.Background()

	change, err := svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-sonnet",
		InputPricePer1K:  decimal.RequireFromString("0.005"),
		OutputPricePer1K: decimal.RequireFromString("0.015"),
	})
	require.NoError(t, err)
	assert.Nil(t, change.PreviousPrice)
	assert.Nil(t, change.PriceChangePercent)
	assert.False(t, change.AlertEmitted)

	quote, err := svc.GetEffectivePrice(ctx, provider.ID, "claude-sonnet", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", quote.ProviderName)
	assert.True(t, quote.InputPricePer1K.Equal(decimal.RequireFromString("0.005")))
}

func TestRecordNewPrice_InvalidInputs(t *testing.T) {
	svc, _ := setupService(t)
	provider := createProvider(t, svc)
	ctx := context.Background()

	_, err := svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "  ",
		InputPricePer1K:  decimal.NewFromInt(1),
		OutputPricePer1K: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidModelName)

	_, err = svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-sonnet",
		InputPricePer1K:  decimal.Zero,
		OutputPricePer1K: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidPrice)

	_, err = svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       snowflake.ID(42),
		ModelName:        "claude-sonnet",
		InputPricePer1K:  decimal.NewFromInt(1),
		OutputPricePer1K: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, pricingdomain.ErrProviderNotFound)
}

func TestRecordNewPrice_SupersedesAndAlerts(t *testing.T) {
	svc, db := setupService(t)
	provider := createProvider(t, svc)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(30 * 24 * time.Hour)

	_, err := svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-sonnet",
		InputPricePer1K:  decimal.RequireFromString("0.005"),
		OutputPricePer1K: decimal.RequireFromString("0.015"),
		EffectiveFrom:    t0,
	})
	require.NoError(t, err)

	// +50% on the combined per-1k price, well over the 10% alert threshold.
	change, err := svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-sonnet",
		InputPricePer1K:  decimal.RequireFromString("0.0075"),
		OutputPricePer1K: decimal.RequireFromString("0.0225"),
		EffectiveFrom:    t1,
	})
	require.NoError(t, err)
	require.NotNil(t, change.PreviousPrice)
	require.NotNil(t, change.PriceChangePercent)
	assert.True(t, change.PriceChangePercent.Equal(decimal.NewFromInt(50)),
		"got %s", change.PriceChangePercent)
	assert.True(t, change.AlertEmitted)

	var alerts int64
	require.NoError(t, db.Model(&events.OutboxEvent{}).
		Where("type = ?", string(events.EventPriceAlert)).
		Count(&alerts).Error)
	assert.Equal(t, int64(1), alerts)

	// Historical reads resolve against the superseded row.
	quote, err := svc.GetEffectivePrice(ctx, provider.ID, "claude-sonnet", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, quote.InputPricePer1K.Equal(decimal.RequireFromString("0.005")))

	quote, err = svc.GetEffectivePrice(ctx, provider.ID, "claude-sonnet", t1.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, quote.InputPricePer1K.Equal(decimal.RequireFromString("0.0075")))

	history, err := svc.ListPriceHistory(ctx, provider.ID, "claude-sonnet")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].EffectiveUntil)
	require.NotNil(t, history[1].EffectiveUntil)
	assert.Equal(t, t1, history[1].EffectiveUntil.UTC())
}

func TestRecordNewPrice_SmallChangeNoAlert(t *testing.T) {
	svc, db := setupService(t)
	provider := createProvider(t, svc)
	ctx := context.Background()

	_, err := svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-haiku",
		InputPricePer1K:  decimal.RequireFromString("0.001"),
		OutputPricePer1K: decimal.RequireFromString("0.005"),
	})
	require.NoError(t, err)

	change, err := svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-haiku",
		InputPricePer1K:  decimal.RequireFromString("0.00105"),
		OutputPricePer1K: decimal.RequireFromString("0.005"),
	})
	require.NoError(t, err)
	assert.False(t, change.AlertEmitted)

	var alerts int64
	require.NoError(t, db.Model(&events.OutboxEvent{}).Count(&alerts).Error)
	assert.Equal(t, int64(0), alerts)
}

func TestGetEffectivePrice_NotFound(t *testing.T) {
	svc, _ := setupService(t)
	provider := createProvider(t, svc)

	_, err := svc.GetEffectivePrice(context.Background(), provider.ID, "unpriced-model", time.Now().UTC())
	assert.ErrorIs(t, err, pricingdomain.ErrPriceNotFound)
}

func TestGetEffectivePrice_ServedFromCache(t *testing.T) {
	svc, db := setupService(t)
	provider := createProvider(t, svc)
	ctx := context.Background()

	_, err := svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-opus",
		InputPricePer1K:  decimal.RequireFromString("0.015"),
		OutputPricePer1K: decimal.RequireFromString("0.075"),
	})
	require.NoError(t, err)

	_, err = svc.GetEffectivePrice(ctx, provider.ID, "claude-opus", time.Now().UTC())
	require.NoError(t, err)

	// Drop the rows out from under the cache; the cached quote must survive.
	require.NoError(t, db.Exec("DELETE FROM model_provider_pricing").Error)

	quote, err := svc.GetEffectivePrice(ctx, provider.ID, "claude-opus", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, quote.InputPricePer1K.Equal(decimal.RequireFromString("0.015")))
}

func TestRecordNewPrice_InvalidatesCache(t *testing.T) {
	svc, _ := setupService(t)
	provider := createProvider(t, svc)
	ctx := context.Background()

	_, err := svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-opus",
		InputPricePer1K:  decimal.RequireFromString("0.015"),
		OutputPricePer1K: decimal.RequireFromString("0.075"),
	})
	require.NoError(t, err)

	_, err = svc.GetEffectivePrice(ctx, provider.ID, "claude-opus", time.Now().UTC())
	require.NoError(t, err)

	_, err = svc.RecordNewPrice(ctx, pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-opus",
		InputPricePer1K:  decimal.RequireFromString("0.016"),
		OutputPricePer1K: decimal.RequireFromString("0.075"),
	})
	require.NoError(t, err)

	quote, err := svc.GetEffectivePrice(ctx, provider.ID, "claude-opus", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, quote.InputPricePer1K.Equal(decimal.RequireFromString("0.016")))
}

func TestRecordNewPrice_DefaultsEffectiveFromToClock(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := setupServiceWithClock(t, fake)
	provider := createProvider(t, svc)

	change, err := svc.RecordNewPrice(context.Background(), pricingdomain.RecordPriceRequest{
		ProviderID:       provider.ID,
		ModelName:        "claude-sonnet",
		InputPricePer1K:  decimal.RequireFromString("0.003"),
		OutputPricePer1K: decimal.RequireFromString("0.015"),
	})
	require.NoError(t, err)
	assert.True(t, change.Price.EffectiveFrom.Equal(fake.Now()))
}
