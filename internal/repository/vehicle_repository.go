package repository

import (
	"context"
	"errors"
	"time"

	"gopkg.in/guregu/null.v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-gate-service/internal/domain/parking"
)

type VehicleRepository struct {
	db *gorm.DB
}

func NewVehicleRepository(db *gorm.DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

type Vehicle struct {
	ID          int64  `gorm:"primaryKey"`
	PlateNumber string `gorm:"not null;uniqueIndex"`
	BodyTypeID  *int64
	PaidUntil   *time.Time
	Make        *string
	Model       *string
	Color       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (v Vehicle) toDomain() parking.Vehicle {
	return parking.Vehicle{
		PlateNumber: v.PlateNumber,
		BodyTypeID:  null.IntFromPtr(v.BodyTypeID),
		PaidUntil:   null.TimeFromPtr(v.PaidUntil),
		Make:        null.StringFromPtr(v.Make).String,
		Model:       null.StringFromPtr(v.Model).String,
		Color:       null.StringFromPtr(v.Color).String,
	}
}

func vehicleRow(v parking.Vehicle) Vehicle {
	return Vehicle{
		PlateNumber: v.PlateNumber,
		BodyTypeID:  v.BodyTypeID.Ptr(),
		PaidUntil:   v.PaidUntil.Ptr(),
		Make:        null.NewString(v.Make, v.Make != "").Ptr(),
		Model:       null.NewString(v.Model, v.Model != "").Ptr(),
		Color:       null.NewString(v.Color, v.Color != "").Ptr(),
	}
}

func (r *VehicleRepository) GetVehicle(ctx context.Context, plate string) (parking.Vehicle, bool, error) {
	var v Vehicle
	err := r.db.WithContext(ctx).Where("plate_number = ?", plate).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return parking.Vehicle{}, false, nil
	}
	if err != nil {
		return parking.Vehicle{}, false, err
	}
	return v.toDomain(), true, nil
}

// SaveVehicle upserts by plate. Empty optional fields never overwrite
// values already on record.
func (r *VehicleRepository) SaveVehicle(ctx context.Context, v parking.Vehicle) error {
	row := vehicleRow(v)
	now := time.Now()
	row.CreatedAt, row.UpdatedAt = now, now

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "plate_number"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "body_type_id"}, Value: gorm.Expr("COALESCE(EXCLUDED.body_type_id, vehicles.body_type_id)")},
			{Column: clause.Column{Name: "paid_until"}, Value: gorm.Expr("COALESCE(EXCLUDED.paid_until, vehicles.paid_until)")},
			{Column: clause.Column{Name: "make"}, Value: gorm.Expr("COALESCE(EXCLUDED.make, vehicles.make)")},
			{Column: clause.Column{Name: "model"}, Value: gorm.Expr("COALESCE(EXCLUDED.model, vehicles.model)")},
			{Column: clause.Column{Name: "color"}, Value: gorm.Expr("COALESCE(EXCLUDED.color, vehicles.color)")},
			{Column: clause.Column{Name: "updated_at"}, Value: now},
		},
	}).Create(&row).Error
}

func (r *VehicleRepository) SetPaidUntil(ctx context.Context, plate string, paidUntil time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&Vehicle{}).
		Where("plate_number = ?", plate).
		Updates(map[string]interface{}{"paid_until": paidUntil, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.SaveVehicle(ctx, parking.Vehicle{PlateNumber: plate, PaidUntil: null.TimeFrom(paidUntil)})
	}
	return nil
}
