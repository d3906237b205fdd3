package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service resolves and manages vendor pricing. GetEffectivePrice returning
// ErrPriceNotFound is an expected branch: callers must refuse to charge
// credits for unpriced usage rather than charge zero.
type Service interface {
	GetEffectivePrice(ctx context.Context, providerID snowflake.ID, modelName string, asOf time.Time) (*PriceQuote, error)
	RecordNewPrice(ctx context.Context, req RecordPriceRequest) (*PriceChange, error)
	ListPriceHistory(ctx context.Context, providerID snowflake.ID, modelName string) ([]ModelPrice, error)
	CreateProvider(ctx context.Context, req CreateProviderRequest) (*Provider, error)
	GetProvider(ctx context.Context, id snowflake.ID) (*Provider, error)
}

var (
	ErrPriceNotFound     = errors.New("price_not_found")
	ErrProviderNotFound  = errors.New("provider_not_found")
	ErrProviderDisabled  = errors.New("provider_disabled")
	ErrDuplicateProvider = errors.New("duplicate_provider")
	ErrInvalidPrice      = errors.New("invalid_price")
	ErrInvalidModelName  = errors.New("invalid_model_name")
)
