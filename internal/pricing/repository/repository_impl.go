package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/rephlo/metering/internal/pricing/domain"
	"gorm.io/gorm"
)

type repository struct{}

func New() pricingdomain.Repository {
	return &repository{}
}

// FindEffectiveAt selects the row whose window contains asOf. Overlapping
// windows are a data-integrity violation; the latest effective_from wins.
func (r *repository) FindEffectiveAt(
	ctx context.Context,
	db *gorm.DB,
	providerID snowflake.ID,
	modelName string,
	asOf time.Time,
) (*pricingdomain.ModelPrice, error) {
	var price pricingdomain.ModelPrice
	err := db.WithContext(ctx).
		Where("provider_id = ? AND model_name = ? AND is_active = ?", providerID, modelName, true).
		Where("effective_from <= ? AND (effective_until IS NULL OR effective_until > ?)", asOf, asOf).
		Order("effective_from DESC").
		First(&price).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &price, nil
}

func (r *repository) FindCurrent(
	ctx context.Context,
	db *gorm.DB,
	providerID snowflake.ID,
	modelName string,
) (*pricingdomain.ModelPrice, error) {
	var price pricingdomain.ModelPrice
	err := db.WithContext(ctx).
		Where("provider_id = ? AND model_name = ? AND effective_until IS NULL", providerID, modelName).
		Order("effective_from DESC").
		First(&price).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &price, nil
}

func (r *repository) Close(ctx context.Context, db *gorm.DB, id snowflake.ID, until time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE model_provider_pricing SET effective_until = ? WHERE id = ? AND effective_until IS NULL`,
		until.UTC(),
		id,
	).Error
}

func (r *repository) Insert(ctx context.Context, db *gorm.DB, price *pricingdomain.ModelPrice) error {
	return db.WithContext(ctx).Create(price).Error
}

func (r *repository) ListHistory(
	ctx context.Context,
	db *gorm.DB,
	providerID snowflake.ID,
	modelName string,
) ([]pricingdomain.ModelPrice, error) {
	var rows []pricingdomain.ModelPrice
	err := db.WithContext(ctx).
		Where("provider_id = ? AND model_name = ?", providerID, modelName).
		Order("effective_from DESC").
		Find(&rows).Error
	return rows, err
}
