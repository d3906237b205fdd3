package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const (
	StatusActive          = "active"
	StatusPendingApproval = "pending_approval"
	StatusRejected        = "rejected"
)

// MarginConfig is a scoped margin multiplier. Nil scope fields are
// wildcards: a row with only tier_id set applies to every model that
// tier consumes, a row with no scopes at all is the global margin.
type MarginConfig struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	ProviderID     *snowflake.ID   `gorm:"index:idx_margin_scope,priority:1"`
	ModelName      *string         `gorm:"type:text;index:idx_margin_scope,priority:2"`
	TierID         *snowflake.ID   `gorm:"index:idx_margin_scope,priority:3"`
	Multiplier     decimal.Decimal `gorm:"type:numeric(10,4);not null"`
	Status         string          `gorm:"type:text;not null;default:active;index"`
	EffectiveFrom  time.Time       `gorm:"not null"`
	EffectiveUntil *time.Time
	CreatedBy      snowflake.ID `gorm:"not null"`
	ApprovedBy     *snowflake.ID
	Reason         *string   `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MarginConfig) TableName() string { return "margin_configs" }

// Specificity ranks a config for most-specific-wins resolution. Weights
// order scopes as model+tier > model > provider+tier > provider > tier >
// global.
func (c MarginConfig) Specificity() int {
	score := 0
	if c.ModelName != nil {
		score += 4
	}
	if c.ProviderID != nil {
		score += 2
	}
	if c.TierID != nil {
		score += 1
	}
	return score
}

// ResolveRequest identifies the usage context a multiplier is needed for.
// A zero AsOf means "now".
type ResolveRequest struct {
	ProviderID snowflake.ID
	ModelName  string
	TierID     *snowflake.ID
	AsOf       time.Time
}

// Resolution is the outcome of a multiplier lookup. ConfigID is nil when
// the default multiplier was used because nothing matched.
type Resolution struct {
	Multiplier decimal.Decimal
	ConfigID   *snowflake.ID
	IsDefault  bool
}

// CreateConfigRequest adds a new margin config. RequiresApproval parks
// the row as pending_approval until a second operator approves it.
// A zero EffectiveFrom means effective immediately.
type CreateConfigRequest struct {
	ProviderID       *snowflake.ID
	ModelName        *string
	TierID           *snowflake.ID
	Multiplier       decimal.Decimal
	EffectiveFrom    time.Time
	EffectiveUntil   *time.Time
	CreatedBy        snowflake.ID
	RequiresApproval bool
}
