package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository isolates the pricing range queries. Methods take the caller's
// db handle so writes can join an outer transaction.
type Repository interface {
	FindEffectiveAt(ctx context.Context, db *gorm.DB, providerID snowflake.ID, modelName string, asOf time.Time) (*ModelPrice, error)
	FindCurrent(ctx context.Context, db *gorm.DB, providerID snowflake.ID, modelName string) (*ModelPrice, error)
	Close(ctx context.Context, db *gorm.DB, id snowflake.ID, until time.Time) error
	Insert(ctx context.Context, db *gorm.DB, price *ModelPrice) error
	ListHistory(ctx context.Context, db *gorm.DB, providerID snowflake.ID, modelName string) ([]ModelPrice, error)
}
