package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// RateRepository reads daily tariffs per body type. A row with an empty
// station id is the tariff for stations without their own price.
type RateRepository struct {
	db *gorm.DB
}

func NewRateRepository(db *gorm.DB) *RateRepository {
	return &RateRepository{db: db}
}

type BodyType struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time
}

type BodyTypePrice struct {
	BodyTypeID int64   `gorm:"primaryKey"`
	StationID  string  `gorm:"primaryKey"`
	DailyRate  float64 `gorm:"not null"`
	UpdatedAt  time.Time
}

func (r *RateRepository) GetDailyRate(ctx context.Context, bodyTypeID int64, stationID string) (float64, bool, error) {
	var price BodyTypePrice
	err := r.db.WithContext(ctx).
		Where("body_type_id = ? AND station_id IN (?, '')", bodyTypeID, stationID).
		Order("station_id DESC").
		First(&price).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return price.DailyRate, true, nil
}

func (r *RateRepository) ListBodyTypes(ctx context.Context) ([]BodyType, error) {
	var types []BodyType
	err := r.db.WithContext(ctx).Order("id ASC").Find(&types).Error
	return types, err
}
