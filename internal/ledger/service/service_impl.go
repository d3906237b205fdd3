package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rephlo/metering/internal/clock"
	"github.com/rephlo/metering/internal/config"
	"github.com/rephlo/metering/internal/costing"
	"github.com/rephlo/metering/internal/events"
	"github.com/rephlo/metering/internal/ledger/balance"
	ledgerdomain "github.com/rephlo/metering/internal/ledger/domain"
	margindomain "github.com/rephlo/metering/internal/margin/domain"
	obsmetrics "github.com/rephlo/metering/internal/observability/metrics"
	pricingdomain "github.com/rephlo/metering/internal/pricing/domain"
	"github.com/rephlo/metering/pkg/db"
	"github.com/rephlo/metering/pkg/db/option"
	"github.com/rephlo/metering/pkg/db/pagination"
	"github.com/rephlo/metering/pkg/repository"
	"github.com/rephlo/metering/pkg/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Pricing    pricingdomain.Service
	Margin     margindomain.Service
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
	pricing    pricingdomain.Service
	margin     margindomain.Service
	billing    *config.BillingConfigHolder
	outbox     *events.Outbox
	metrics    *telemetry.Metrics
	obsMetrics *obsmetrics.Metrics

	usageRepo   repository.Repository[ledgerdomain.TokenUsage]
	txnRepo     repository.Repository[ledgerdomain.CreditTransaction]
	balanceRepo repository.Repository[ledgerdomain.UserCreditBalance]
}

func NewService(p ServiceParam) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		pricing:    p.Pricing,
		margin:     p.Margin,
		billing:    p.Billing,
		outbox:     p.Outbox,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,

		usageRepo:   repository.ProvideStore[ledgerdomain.TokenUsage](p.DB),
		txnRepo:     repository.ProvideStore[ledgerdomain.CreditTransaction](p.DB),
		balanceRepo: repository.ProvideStore[ledgerdomain.UserCreditBalance](p.DB),
	}
}

func (s *Service) Deduct(ctx context.Context, req ledgerdomain.DeductRequest) (*ledgerdomain.DeductResult, error) {
	start := time.Now()

	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		return nil, ledgerdomain.ErrInvalidRequestID
	}
	if req.Metadata != nil {
		if req.Metadata.SchemaVersion == 0 {
			req.Metadata.SchemaVersion = ledgerdomain.UsageMetadataSchemaVersion
		}
		if err := req.Metadata.Validate(); err != nil {
			return nil, err
		}
	}

	// Fast path: a request_id already metered replays the stored outcome.
	if result, err := s.replayByRequestID(ctx, s.db, req.RequestID); err != nil || result != nil {
		if result != nil {
			s.metrics.ObserveDeduction("replayed", 0, 0, time.Since(start))
			s.obsMetrics.RecordDeduction(ctx, "replayed")
		}
		return result, err
	}

	now := s.clock.Now()
	quote, err := s.pricing.GetEffectivePrice(ctx, req.ProviderID, req.ModelName, now)
	if err != nil {
		return nil, err
	}

	resolution, err := s.margin.ResolveMultiplier(ctx, margindomain.ResolveRequest{
		ProviderID: req.ProviderID,
		ModelName:  req.ModelName,
		TierID:     req.TierID,
		AsOf:       now,
	})
	if err != nil {
		return nil, err
	}

	breakdown := costing.Calculate(req.Usage, quote, resolution.Multiplier, s.billing.Get())

	var meta *datatypes.JSONType[ledgerdomain.UsageMetadata]
	if req.Metadata != nil {
		v := datatypes.NewJSONType(*req.Metadata)
		meta = &v
	}

	result := &ledgerdomain.DeductResult{Breakdown: breakdown}
	err = db.RunSerializable(ctx, s.db, func(tx *gorm.DB) error {
		usage := &ledgerdomain.TokenUsage{
			ID:                  s.genID.Generate(),
			UserID:              req.UserID,
			RequestID:           req.RequestID,
			ProviderID:          req.ProviderID,
			ModelName:           req.ModelName,
			InputTokens:         req.Usage.InputTokens,
			OutputTokens:        req.Usage.OutputTokens,
			CacheCreationTokens: req.Usage.CacheCreationTokens,
			CacheReadTokens:     req.Usage.CacheReadTokens,
			VendorCostUSD:       breakdown.VendorCostUSD,
			MarginMultiplier:    breakdown.MarginMultiplier,
			CreditsCharged:      breakdown.Credits,
			GrossMarginUSD:      breakdown.GrossMarginUSD,
			Status:              ledgerdomain.StatusCompleted,
			Metadata:            meta,
			CreatedAt:           now,
		}

		inserted := tx.WithContext(ctx).Exec(
			`INSERT INTO token_usage_ledger
				(id, user_id, request_id, provider_id, model_name,
				 input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
				 vendor_cost_usd, margin_multiplier, credits_charged, gross_margin_usd,
				 status, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (request_id) DO NOTHING`,
			usage.ID, usage.UserID, usage.RequestID, usage.ProviderID, usage.ModelName,
			usage.InputTokens, usage.OutputTokens, usage.CacheCreationTokens, usage.CacheReadTokens,
			usage.VendorCostUSD, usage.MarginMultiplier, usage.CreditsCharged, usage.GrossMarginUSD,
			usage.Status, usage.Metadata, usage.CreatedAt,
		)
		if inserted.Error != nil {
			return inserted.Error
		}
		if inserted.RowsAffected == 0 {
			// Lost the race to a concurrent submit of the same request.
			replayed, err := s.replayByRequestID(ctx, tx, req.RequestID)
			if err != nil {
				return err
			}
			*result = *replayed
			return nil
		}

		before, err := balance.Fetch(ctx, tx, req.UserID, now)
		if err != nil {
			return err
		}
		after := before.Sub(breakdown.Credits)
		result.WentNegative = after.IsNegative()

		if err := balance.WriteDeduction(ctx, tx, req.UserID, after, breakdown.Credits, now); err != nil {
			return err
		}

		txn := &ledgerdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        req.UserID,
			RequestID:     &usage.RequestID,
			Type:          ledgerdomain.TypeDeduction,
			Reason:        ledgerdomain.ReasonAPICompletion,
			Amount:        breakdown.Credits,
			BalanceBefore: before,
			BalanceAfter:  after,
			Status:        ledgerdomain.StatusCompleted,
			CreatedAt:     now,
		}
		if err := s.txnRepo.WithTrx(tx).Create(ctx, txn); err != nil {
			return err
		}

		result.Transaction = txn
		result.Usage = usage

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type: events.EventCreditDeducted,
			Payload: map[string]any{
				"user_id":        req.UserID.String(),
				"request_id":     req.RequestID,
				"credits":        breakdown.Credits.String(),
				"balance_after":  after.String(),
				"model_name":     req.ModelName,
				"vendor_cost":    breakdown.VendorCostUSD.String(),
				"margin":         breakdown.MarginMultiplier.String(),
				"transaction_id": txn.ID.String(),
			},
			DedupeKey: "credit_deducted:" + req.RequestID,
		})
	})
	if err != nil {
		s.metrics.ObserveDeduction("failed", 0, 0, time.Since(start))
		return nil, err
	}

	if result.Replayed {
		s.metrics.ObserveDeduction("replayed", 0, 0, time.Since(start))
		s.obsMetrics.RecordDeduction(ctx, "replayed")
		return result, nil
	}

	credits, _ := breakdown.Credits.Float64()
	vendorUSD, _ := breakdown.VendorCostUSD.Float64()
	s.metrics.ObserveDeduction("new", credits, vendorUSD, time.Since(start))
	s.obsMetrics.RecordDeduction(ctx, "new")

	s.log.Info("credits deducted",
		zap.String("user_id", req.UserID.String()),
		zap.String("request_id", req.RequestID),
		zap.String("credits", breakdown.Credits.String()),
		zap.String("balance_after", result.Transaction.BalanceAfter.String()),
	)
	if result.WentNegative {
		s.log.Warn("balance went negative",
			zap.String("user_id", req.UserID.String()),
			zap.String("balance_after", result.Transaction.BalanceAfter.String()),
		)
	}
	return result, nil
}

func (s *Service) Grant(ctx context.Context, req ledgerdomain.GrantRequest) (*ledgerdomain.CreditTransaction, error) {
	if !req.Amount.IsPositive() {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	reason := req.Reason
	if reason == "" {
		reason = ledgerdomain.ReasonManualGrant
	}

	var txn *ledgerdomain.CreditTransaction
	err := db.RunSerializable(ctx, s.db, func(tx *gorm.DB) error {
		if req.RequestID != nil {
			existing, err := s.txnRepo.WithTrx(tx).FindOne(ctx, &ledgerdomain.CreditTransaction{
				RequestID: req.RequestID,
				Type:      ledgerdomain.TypeGrant,
			})
			if err != nil {
				return err
			}
			if existing != nil {
				txn = existing
				return nil
			}
		}

		now := s.clock.Now()
		before, err := balance.Fetch(ctx, tx, req.UserID, now)
		if err != nil {
			return err
		}
		after := before.Add(req.Amount)

		if err := balance.Write(ctx, tx, req.UserID, after, now); err != nil {
			return err
		}

		txn = &ledgerdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        req.UserID,
			RequestID:     req.RequestID,
			Type:          ledgerdomain.TypeGrant,
			Reason:        reason,
			Amount:        req.Amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			Status:        ledgerdomain.StatusCompleted,
			Description:   req.Description,
			CreatedAt:     now,
		}
		if err := s.txnRepo.WithTrx(tx).Create(ctx, txn); err != nil {
			return err
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type: events.EventCreditGranted,
			Payload: map[string]any{
				"user_id":        req.UserID.String(),
				"amount":         req.Amount.String(),
				"reason":         reason,
				"balance_after":  after.String(),
				"transaction_id": txn.ID.String(),
			},
			DedupeKey: "credit_granted:" + txn.ID.String(),
		})
	})
	if err != nil {
		// A concurrent grant with the same request id beat us to the unique
		// index; return its entry as the replay.
		if req.RequestID != nil && db.IsDuplicateKeyErr(err) {
			existing, ferr := s.txnRepo.FindOne(ctx, &ledgerdomain.CreditTransaction{
				RequestID: req.RequestID,
				Type:      ledgerdomain.TypeGrant,
			})
			if ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.metrics.ObserveGrant(reason)
	s.obsMetrics.RecordGrant(ctx, reason)
	return txn, nil
}

func (s *Service) Reverse(ctx context.Context, transactionID snowflake.ID, description string) (*ledgerdomain.CreditTransaction, error) {
	var compensating *ledgerdomain.CreditTransaction
	err := db.RunSerializable(ctx, s.db, func(tx *gorm.DB) error {
		original, err := s.txnRepo.WithTrx(tx).FindOne(ctx, &ledgerdomain.CreditTransaction{ID: transactionID})
		if err != nil {
			return err
		}
		if original == nil {
			return ledgerdomain.ErrTransactionNotFound
		}
		if original.Type != ledgerdomain.TypeDeduction && original.Type != ledgerdomain.TypeGrant {
			return ledgerdomain.ErrNotReversible
		}
		// A compensating entry is itself final; unwinding a reversal means
		// re-running the original operation, not reversing the reversal.
		if original.ReversalOf != nil {
			return ledgerdomain.ErrNotReversible
		}
		if original.Status == ledgerdomain.StatusReversed {
			return ledgerdomain.ErrAlreadyReversed
		}
		if original.Status != ledgerdomain.StatusCompleted {
			return ledgerdomain.ErrNotReversible
		}

		now := s.clock.Now()
		err = s.txnRepo.WithTrx(tx).Update(ctx, original.ID.String(), map[string]any{
			"status": ledgerdomain.StatusReversed,
		})
		if err != nil {
			return err
		}

		before, err := balance.Fetch(ctx, tx, original.UserID, now)
		if err != nil {
			return err
		}

		// Reversing a deduction hands the credits back; reversing a grant
		// (a failed tier-change charge, say) takes them away again.
		compensatingType := ledgerdomain.TypeGrant
		eventType := events.EventDeductionReversed
		dedupe := "deduction_reversed:"
		after := before.Add(original.Amount)
		if original.Type == ledgerdomain.TypeGrant {
			compensatingType = ledgerdomain.TypeDeduction
			eventType = events.EventGrantReversed
			dedupe = "grant_reversed:"
			after = before.Sub(original.Amount)
		}

		if err := balance.Write(ctx, tx, original.UserID, after, now); err != nil {
			return err
		}

		compensating = &ledgerdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        original.UserID,
			RequestID:     original.RequestID,
			Type:          compensatingType,
			Reason:        ledgerdomain.ReasonReversal,
			Amount:        original.Amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			Status:        ledgerdomain.StatusCompleted,
			ReversalOf:    &original.ID,
			Description:   description,
			CreatedAt:     now,
		}
		if err := s.txnRepo.WithTrx(tx).Create(ctx, compensating); err != nil {
			return err
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type: eventType,
			Payload: map[string]any{
				"user_id":        original.UserID.String(),
				"original_id":    original.ID.String(),
				"amount":         original.Amount.String(),
				"balance_after":  after.String(),
				"transaction_id": compensating.ID.String(),
			},
			DedupeKey: dedupe + original.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveReversal()
	s.log.Info("ledger entry reversed",
		zap.String("original_id", transactionID.String()),
		zap.String("compensating_id", compensating.ID.String()),
		zap.String("compensating_type", compensating.Type),
	)
	return compensating, nil
}

func (s *Service) GetCurrentBalance(ctx context.Context, userID snowflake.ID) (decimal.Decimal, error) {
	row, err := s.balanceRepo.FindOne(ctx, &ledgerdomain.UserCreditBalance{UserID: userID})
	if err != nil {
		return decimal.Zero, err
	}
	if row == nil {
		return decimal.Zero, nil
	}
	return row.Balance, nil
}

func (s *Service) GetUsageHistory(ctx context.Context, userID snowflake.ID, q ledgerdomain.UsageHistoryQuery) ([]ledgerdomain.TokenUsage, *pagination.PageInfo, error) {
	limit := q.Limit
	if limit <= 0 || limit > 250 {
		limit = 50
	}

	opts := []option.QueryOption{
		option.WithOrder("created_at DESC, id DESC"),
		option.WithLimit(limit + 1),
	}
	if q.From != nil {
		opts = append(opts, option.WithCondition("created_at >= ?", *q.From))
	}
	if q.To != nil {
		opts = append(opts, option.WithCondition("created_at < ?", *q.To))
	}
	if q.PageToken != "" {
		decoded, err := pagination.DecodeCursor(q.PageToken)
		if err != nil {
			return nil, nil, ledgerdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return nil, nil, ledgerdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return nil, nil, ledgerdomain.ErrInvalidPageToken
		}
		opts = append(opts, option.WithCondition(
			"created_at < ? OR (created_at = ? AND id < ?)",
			createdAt, createdAt, id,
		))
	}

	rows, err := s.usageRepo.Find(ctx, &ledgerdomain.TokenUsage{UserID: userID}, opts...)
	if err != nil {
		return nil, nil, err
	}

	pageInfo, rows := pagination.BuildCursorPageInfo(rows, limit, func(u *ledgerdomain.TokenUsage) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        u.ID.String(),
			CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	result := make([]ledgerdomain.TokenUsage, 0, len(rows))
	for _, row := range rows {
		result = append(result, *row)
	}
	return result, pageInfo, nil
}

func (s *Service) ReplayBalance(ctx context.Context, userID snowflake.ID) (*ledgerdomain.ReplayResult, error) {
	entries, err := s.txnRepo.Find(ctx,
		&ledgerdomain.CreditTransaction{UserID: userID},
		option.WithOrder("created_at ASC, id ASC"),
	)
	if err != nil {
		return nil, err
	}

	replayed := decimal.Zero
	for _, entry := range entries {
		replayed = replayed.Add(entry.Signed())
	}

	stored, err := s.GetCurrentBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &ledgerdomain.ReplayResult{
		UserID:          userID,
		StoredBalance:   stored,
		ReplayedBalance: replayed,
		Entries:         len(entries),
		Consistent:      replayed.Equal(stored),
	}
	if !result.Consistent {
		s.log.Error("ledger replay mismatch",
			zap.String("user_id", userID.String()),
			zap.String("stored", stored.String()),
			zap.String("replayed", replayed.String()),
		)
	}
	return result, nil
}

// replayByRequestID returns the stored outcome of an already-metered
// request, or nil when the request_id is unseen.
func (s *Service) replayByRequestID(ctx context.Context, conn *gorm.DB, requestID string) (*ledgerdomain.DeductResult, error) {
	usage, err := s.usageRepo.WithTrx(conn).FindOne(ctx, &ledgerdomain.TokenUsage{RequestID: requestID})
	if err != nil || usage == nil {
		return nil, err
	}

	txn, err := s.txnRepo.WithTrx(conn).FindOne(ctx, &ledgerdomain.CreditTransaction{
		RequestID: &requestID,
		Type:      ledgerdomain.TypeDeduction,
	})
	if err != nil {
		return nil, err
	}

	result := &ledgerdomain.DeductResult{
		Transaction: txn,
		Usage:       usage,
		Breakdown: costing.Breakdown{
			VendorCostUSD:    usage.VendorCostUSD,
			MarginMultiplier: usage.MarginMultiplier,
			MarginalCostUSD:  usage.VendorCostUSD.Mul(usage.MarginMultiplier),
			Credits:          usage.CreditsCharged,
			GrossMarginUSD:   usage.GrossMarginUSD,
		},
		Replayed: true,
	}
	if txn != nil {
		result.WentNegative = txn.BalanceAfter.IsNegative()
	}
	return result, nil
}
