package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventType string

const (
	EventPriceAlert          EventType = "pricing.price_alert"
	EventCreditDeducted      EventType = "ledger.credit_deducted"
	EventCreditGranted       EventType = "ledger.credit_granted"
	EventDeductionReversed   EventType = "ledger.deduction_reversed"
	EventGrantReversed       EventType = "ledger.grant_reversed"
	EventTierChangeApplied   EventType = "subscription.tier_change_applied"
	EventTierCreditsUpgraded EventType = "subscription.tier_credits_upgraded"
)

// Event is the publish request. DedupeKey makes retried publishes idempotent.
type Event struct {
	Type      EventType
	Payload   map[string]any
	DedupeKey string
}

// OutboxEvent is the persisted row. Events are written in the same
// transaction as the state change they describe and dispatched out-of-band,
// so no network I/O ever happens inside a ledger transaction.
type OutboxEvent struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	Type         string            `gorm:"type:text;not null;index"`
	Payload      datatypes.JSONMap `gorm:"type:jsonb"`
	DedupeKey    *string           `gorm:"type:text;uniqueIndex"`
	Status       string            `gorm:"type:text;not null;default:pending;index"`
	Attempts     int               `gorm:"not null;default:0"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DispatchedAt *time.Time
}

// TableName sets the database table name.
func (OutboxEvent) TableName() string { return "outbox_events" }

const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusFailed     = "failed"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
}

type Outbox struct {
	log   *zap.Logger
	genID *snowflake.Node
}

// Module provides the outbox.
var Module = fx.Provide(NewOutbox)

func NewOutbox(p Params) *Outbox {
	return &Outbox{
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
	}
}

// PublishTx stages an event inside the caller's transaction.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	var dedupe *string
	if evt.DedupeKey != "" {
		dedupe = &evt.DedupeKey
	}
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (id, type, payload, dedupe_key, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		string(evt.Type),
		datatypes.JSONMap(evt.Payload),
		dedupe,
		StatusPending,
		time.Now().UTC(),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		o.log.Debug("outbox event deduplicated", zap.String("type", string(evt.Type)), zap.String("dedupe_key", evt.DedupeKey))
	}
	return nil
}
