package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/rephlo/metering/internal/clock"
	"github.com/rephlo/metering/internal/config"
	margindomain "github.com/rephlo/metering/internal/margin/domain"
	obsmetrics "github.com/rephlo/metering/internal/observability/metrics"
	"github.com/rephlo/metering/pkg/db/option"
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
	Billing    *config.BillingConfigHolder
	Metrics    *telemetry.Metrics  `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	metrics    *telemetry.Metrics
	obsMetrics *obsmetrics.Metrics

	configRepo repository.Repository[margindomain.MarginConfig]
}

func NewService(p ServiceParam) margindomain.Service {
	return &Service{
		log:        p.Log.Named("margin.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,

		configRepo: repository.ProvideStore[margindomain.MarginConfig](p.DB),
	}
}

func (s *Service) ResolveMultiplier(ctx context.Context, req margindomain.ResolveRequest) (margindomain.Resolution, error) {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}

	opts := []option.QueryOption{
		option.WithCondition("provider_id IS NULL OR provider_id = ?", req.ProviderID),
		option.WithCondition("model_name IS NULL OR model_name = ?", req.ModelName),
		option.WithCondition("effective_from <= ?", asOf),
		option.WithCondition("effective_until IS NULL OR effective_until > ?", asOf),
	}
	if req.TierID != nil {
		opts = append(opts, option.WithCondition("tier_id IS NULL OR tier_id = ?", *req.TierID))
	} else {
		opts = append(opts, option.WithCondition("tier_id IS NULL"))
	}

	candidates, err := s.configRepo.Find(ctx, &margindomain.MarginConfig{Status: margindomain.StatusActive}, opts...)
	if err != nil {
		return margindomain.Resolution{}, err
	}

	var best *margindomain.MarginConfig
	for _, c := range candidates {
		// Ties on specificity resolve to the most recently created row.
		if best == nil ||
			c.Specificity() > best.Specificity() ||
			(c.Specificity() == best.Specificity() && c.CreatedAt.After(best.CreatedAt)) {
			best = c
		}
	}

	if best == nil {
		fallback := decimal.NewFromFloat(s.billing.Get().DefaultMarginMultiplier)
		s.log.Warn("no margin config matched, falling back to default multiplier",
			zap.Int64("provider_id", int64(req.ProviderID)),
			zap.String("model", req.ModelName),
			zap.String("multiplier", fallback.String()),
		)
		s.metrics.ObserveMarginFallback()
		return margindomain.Resolution{Multiplier: fallback, IsDefault: true}, nil
	}

	return margindomain.Resolution{Multiplier: best.Multiplier, ConfigID: &best.ID}, nil
}

func (s *Service) CreateConfig(ctx context.Context, req margindomain.CreateConfigRequest) (*margindomain.MarginConfig, error) {
	if !req.Multiplier.IsPositive() {
		return nil, margindomain.ErrInvalidMultiplier
	}

	effectiveFrom := req.EffectiveFrom
	if effectiveFrom.IsZero() {
		effectiveFrom = s.clock.Now()
	}
	if req.EffectiveUntil != nil && !req.EffectiveUntil.After(effectiveFrom) {
		return nil, margindomain.ErrInvalidEffectiveRange
	}

	status := margindomain.StatusActive
	if req.RequiresApproval {
		status = margindomain.StatusPendingApproval
	}

	cfg := &margindomain.MarginConfig{
		ID:             s.genID.Generate(),
		ProviderID:     req.ProviderID,
		ModelName:      req.ModelName,
		TierID:         req.TierID,
		Multiplier:     req.Multiplier,
		Status:         status,
		EffectiveFrom:  effectiveFrom,
		EffectiveUntil: req.EffectiveUntil,
		CreatedBy:      req.CreatedBy,
	}
	if err := s.configRepo.Create(ctx, cfg); err != nil {
		return nil, err
	}

	s.log.Info("margin config created",
		zap.String("config_id", cfg.ID.String()),
		zap.String("multiplier", cfg.Multiplier.String()),
		zap.String("status", cfg.Status),
	)
	return cfg, nil
}

func (s *Service) Approve(ctx context.Context, configID, approverID snowflake.ID) (*margindomain.MarginConfig, error) {
	cfg, err := s.pending(ctx, configID)
	if err != nil {
		return nil, err
	}
	if cfg.CreatedBy == approverID {
		return nil, margindomain.ErrSelfApproval
	}

	err = s.configRepo.Update(ctx, configID.String(), map[string]any{
		"status":      margindomain.StatusActive,
		"approved_by": approverID,
		"updated_at":  s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	cfg.Status = margindomain.StatusActive
	cfg.ApprovedBy = &approverID
	return cfg, nil
}

func (s *Service) Reject(ctx context.Context, configID, approverID snowflake.ID, reason string) (*margindomain.MarginConfig, error) {
	cfg, err := s.pending(ctx, configID)
	if err != nil {
		return nil, err
	}
	if cfg.CreatedBy == approverID {
		return nil, margindomain.ErrSelfApproval
	}

	err = s.configRepo.Update(ctx, configID.String(), map[string]any{
		"status":      margindomain.StatusRejected,
		"approved_by": approverID,
		"reason":      reason,
		"updated_at":  s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	cfg.Status = margindomain.StatusRejected
	cfg.ApprovedBy = &approverID
	cfg.Reason = &reason
	return cfg, nil
}

func (s *Service) ListConfigs(ctx context.Context, status string) ([]*margindomain.MarginConfig, error) {
	query := &margindomain.MarginConfig{}
	if status != "" {
		query.Status = status
	}
	return s.configRepo.Find(ctx, query, option.WithOrder("created_at DESC"))
}

func (s *Service) pending(ctx context.Context, configID snowflake.ID) (*margindomain.MarginConfig, error) {
	cfg, err := s.configRepo.FindOne(ctx, &margindomain.MarginConfig{ID: configID})
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, margindomain.ErrConfigNotFound
	}
	if cfg.Status != margindomain.StatusPendingApproval {
		return nil, margindomain.ErrConfigNotPending
	}
	return cfg, nil
}
