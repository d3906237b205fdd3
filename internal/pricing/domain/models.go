// Package domain contains persistence models for vendor pricing reference data.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Provider is an upstream model vendor. Rows are immutable once referenced by
// pricing; disabling is the only state change.
type Provider struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Name      string       `gorm:"type:text;not null;uniqueIndex"`
	APIType   string       `gorm:"type:text;not null"`
	IsEnabled bool         `gorm:"not null;default:true"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Provider) TableName() string { return "providers" }

// ModelPrice is a time-ranged vendor price row. For a (provider, model) pair
// at most one row has a null effective_until; history rows are closed by
// superseding, never deleted.
type ModelPrice struct {
	ID                   snowflake.ID     `gorm:"primaryKey"`
	ProviderID           snowflake.ID     `gorm:"not null;index:idx_model_pricing_lookup,priority:1"`
	ModelName            string           `gorm:"type:text;not null;index:idx_model_pricing_lookup,priority:2"`
	InputPricePer1K      decimal.Decimal  `gorm:"type:numeric(20,10);not null"`
	OutputPricePer1K     decimal.Decimal  `gorm:"type:numeric(20,10);not null"`
	CacheInputPricePer1K *decimal.Decimal `gorm:"type:numeric(20,10)"`
	CacheHitPricePer1K   *decimal.Decimal `gorm:"type:numeric(20,10)"`
	EffectiveFrom        time.Time        `gorm:"not null;index:idx_model_pricing_lookup,priority:3"`
	EffectiveUntil       *time.Time
	IsActive             bool      `gorm:"not null;default:true"`
	CreatedAt            time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ModelPrice) TableName() string { return "model_provider_pricing" }

// PriceQuote is the resolved price handed to the cost calculator.
type PriceQuote struct {
	ProviderID           snowflake.ID
	ProviderName         string
	ModelName            string
	InputPricePer1K      decimal.Decimal
	OutputPricePer1K     decimal.Decimal
	CacheInputPricePer1K *decimal.Decimal
	CacheHitPricePer1K   *decimal.Decimal
	EffectiveFrom        time.Time
}

// CreateProviderRequest registers a new vendor.
type CreateProviderRequest struct {
	Name    string
	APIType string
}

// RecordPriceRequest supersedes the current price for a (provider, model).
type RecordPriceRequest struct {
	ProviderID           snowflake.ID
	ModelName            string
	InputPricePer1K      decimal.Decimal
	OutputPricePer1K     decimal.Decimal
	CacheInputPricePer1K *decimal.Decimal
	CacheHitPricePer1K   *decimal.Decimal
	EffectiveFrom        time.Time
}

// PriceChange reports the outcome of RecordNewPrice for audit.
type PriceChange struct {
	Price              *ModelPrice
	PreviousPrice      *ModelPrice
	PriceChangePercent *decimal.Decimal // nil on first price for the model
	AlertEmitted       bool
}
