package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rephlo/metering/internal/cache"
	"github.com/rephlo/metering/internal/clock"
	"github.com/rephlo/metering/internal/config"
	"github.com/rephlo/metering/internal/events"
	obsmetrics "github.com/rephlo/metering/internal/observability/metrics"
	pricingdomain "github.com/rephlo/metering/internal/pricing/domain"
	"github.com/rephlo/metering/pkg/db"
	"github.com/rephlo/metering/pkg/repository"
	"github.com/rephlo/metering/pkg/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       pricingdomain.Repository
	PriceCache cache.PriceCache
	Billing    *config.BillingConfigHolder
	Outbox     *events.Outbox
	Metrics    *telemetry.Metrics  `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       pricingdomain.Repository
	priceCache cache.PriceCache
	billing    *config.BillingConfigHolder
	outbox     *events.Outbox
	metrics    *telemetry.Metrics
	obsMetrics *obsmetrics.Metrics

	providerRepo repository.Repository[pricingdomain.Provider]
}

func NewService(p ServiceParam) pricingdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("pricing.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		priceCache: p.PriceCache,
		billing:    p.Billing,
		outbox:     p.Outbox,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,

		providerRepo: repository.ProvideStore[pricingdomain.Provider](p.DB),
	}
}

func (s *Service) GetEffectivePrice(
	ctx context.Context,
	providerID snowflake.ID,
	modelName string,
	asOf time.Time,
) (*pricingdomain.PriceQuote, error) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return nil, pricingdomain.ErrInvalidModelName
	}

	if quote, ok := s.priceCache.Get(ctx, providerID, modelName); ok {
		// Cached quotes are only served for "now" resolution; historical asOf
		// reads always hit the database.
		if !quote.EffectiveFrom.After(asOf) {
			return quote, nil
		}
	}

	price, err := s.repo.FindEffectiveAt(ctx, s.db, providerID, modelName, asOf.UTC())
	if err != nil {
		return nil, err
	}
	if price == nil {
		return nil, pricingdomain.ErrPriceNotFound
	}

	provider, err := s.providerRepo.FindOne(ctx, &pricingdomain.Provider{ID: providerID})
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, pricingdomain.ErrProviderNotFound
	}

	quote := &pricingdomain.PriceQuote{
		ProviderID:           price.ProviderID,
		ProviderName:         provider.Name,
		ModelName:            price.ModelName,
		InputPricePer1K:      price.InputPricePer1K,
		OutputPricePer1K:     price.OutputPricePer1K,
		CacheInputPricePer1K: price.CacheInputPricePer1K,
		CacheHitPricePer1K:   price.CacheHitPricePer1K,
		EffectiveFrom:        price.EffectiveFrom,
	}

	if price.EffectiveUntil == nil {
		ttl := time.Duration(s.billing.Get().PriceCacheTTLSeconds) * time.Second
		s.priceCache.Set(ctx, providerID, modelName, quote, ttl)
	}

	return quote, nil
}

func (s *Service) RecordNewPrice(ctx context.Context, req pricingdomain.RecordPriceRequest) (*pricingdomain.PriceChange, error) {
	req.ModelName = strings.TrimSpace(req.ModelName)
	if req.ModelName == "" {
		return nil, pricingdomain.ErrInvalidModelName
	}
	if !req.InputPricePer1K.IsPositive() || !req.OutputPricePer1K.IsPositive() {
		return nil, pricingdomain.ErrInvalidPrice
	}
	if req.EffectiveFrom.IsZero() {
		req.EffectiveFrom = s.clock.Now()
	}

	provider, err := s.providerRepo.FindOne(ctx, &pricingdomain.Provider{ID: req.ProviderID})
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, pricingdomain.ErrProviderNotFound
	}
	if !provider.IsEnabled {
		return nil, pricingdomain.ErrProviderDisabled
	}

	threshold := decimal.NewFromFloat(s.billing.Get().PriceAlertThresholdPct)

	change := &pricingdomain.PriceChange{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindCurrent(ctx, tx, req.ProviderID, req.ModelName)
		if err != nil {
			return err
		}

		if current != nil {
			if err := s.repo.Close(ctx, tx, current.ID, req.EffectiveFrom); err != nil {
				return err
			}
			pct := priceChangePercent(current, req)
			change.PreviousPrice = current
			change.PriceChangePercent = &pct
		}

		price := &pricingdomain.ModelPrice{
			ID:                   s.genID.Generate(),
			ProviderID:           req.ProviderID,
			ModelName:            req.ModelName,
			InputPricePer1K:      req.InputPricePer1K,
			OutputPricePer1K:     req.OutputPricePer1K,
			CacheInputPricePer1K: req.CacheInputPricePer1K,
			CacheHitPricePer1K:   req.CacheHitPricePer1K,
			EffectiveFrom:        req.EffectiveFrom.UTC(),
			IsActive:             true,
		}
		if err := s.repo.Insert(ctx, tx, price); err != nil {
			return err
		}
		change.Price = price

		if change.PriceChangePercent != nil && change.PriceChangePercent.Abs().GreaterThan(threshold) {
			change.AlertEmitted = true
			return s.outbox.PublishTx(ctx, tx, events.Event{
				Type: events.EventPriceAlert,
				Payload: map[string]any{
					"provider_id":          req.ProviderID.String(),
					"provider_name":        provider.Name,
					"model_name":           req.ModelName,
					"price_change_percent": change.PriceChangePercent.String(),
					"effective_from":       req.EffectiveFrom.UTC().Format(time.RFC3339),
				},
				DedupeKey: "price_alert:" + price.ID.String(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.priceCache.Invalidate(ctx, req.ProviderID, req.ModelName)

	if change.AlertEmitted {
		s.metrics.ObservePriceAlert(provider.Name)
		s.log.Warn("vendor price change exceeded alert threshold",
			zap.String("provider", provider.Name),
			zap.String("model", req.ModelName),
			zap.String("change_percent", change.PriceChangePercent.String()),
		)
	}
	s.obsMetrics.RecordPriceChange(ctx, provider.Name, change.AlertEmitted)

	return change, nil
}

func (s *Service) ListPriceHistory(ctx context.Context, providerID snowflake.ID, modelName string) ([]pricingdomain.ModelPrice, error) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return nil, pricingdomain.ErrInvalidModelName
	}
	return s.repo.ListHistory(ctx, s.db, providerID, modelName)
}

func (s *Service) CreateProvider(ctx context.Context, req pricingdomain.CreateProviderRequest) (*pricingdomain.Provider, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, pricingdomain.ErrInvalidModelName
	}

	provider := &pricingdomain.Provider{
		ID:        s.genID.Generate(),
		Name:      name,
		APIType:   strings.TrimSpace(req.APIType),
		IsEnabled: true,
	}
	if err := s.providerRepo.Create(ctx, provider); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, pricingdomain.ErrDuplicateProvider
		}
		return nil, err
	}
	return provider, nil
}

func (s *Service) GetProvider(ctx context.Context, id snowflake.ID) (*pricingdomain.Provider, error) {
	provider, err := s.providerRepo.FindOne(ctx, &pricingdomain.Provider{ID: id})
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, pricingdomain.ErrProviderNotFound
	}
	return provider, nil
}

// priceChangePercent compares the combined per-1k price of the old and new
// rows: (new-old)/old*100.
func priceChangePercent(old *pricingdomain.ModelPrice, req pricingdomain.RecordPriceRequest) decimal.Decimal {
	oldTotal := old.InputPricePer1K.Add(old.OutputPricePer1K)
	newTotal := req.InputPricePer1K.Add(req.OutputPricePer1K)
	if oldTotal.IsZero() {
		return decimal.Zero
	}
	return newTotal.Sub(oldTotal).Div(oldTotal).Mul(decimal.NewFromInt(100))
}
