package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v4"
	"gorm.io/gorm"

	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/ledger"
)

// PassageRepository persists ledger transitions. At most one active row per
// plate is enforced by the ux_passages_active_plate partial index; the
// connection must be opened with TranslateError so violations surface as
// gorm.ErrDuplicatedKey.
type PassageRepository struct {
	db *gorm.DB
}

func NewPassageRepository(db *gorm.DB) *PassageRepository {
	return &PassageRepository{db: db}
}

type Passage struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	PlateNumber string    `gorm:"not null"`
	StationID   string    `gorm:"not null;index"`
	EntryGateID string    `gorm:"not null"`
	ExitGateID  *string
	EntryTime   time.Time `gorm:"not null"`
	ExitTime    *time.Time
	BodyTypeID  *int64
	DailyRate   *float64
	TotalAmount *float64
	Status      string `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func passageRow(p parking.Passage) Passage {
	return Passage{
		ID:          p.ID,
		PlateNumber: p.PlateNumber,
		StationID:   p.StationID,
		EntryGateID: p.EntryGateID,
		ExitGateID:  p.ExitGateID.Ptr(),
		EntryTime:   p.EntryTime,
		ExitTime:    p.ExitTime.Ptr(),
		BodyTypeID:  p.BodyTypeID.Ptr(),
		DailyRate:   p.DailyRate.Ptr(),
		TotalAmount: p.TotalAmount.Ptr(),
		Status:      string(p.Status),
	}
}

func (p Passage) toDomain() parking.Passage {
	return parking.Passage{
		ID:          p.ID,
		PlateNumber: p.PlateNumber,
		StationID:   p.StationID,
		EntryGateID: p.EntryGateID,
		ExitGateID:  null.StringFromPtr(p.ExitGateID),
		EntryTime:   p.EntryTime.UTC(),
		ExitTime:    null.TimeFromPtr(p.ExitTime),
		BodyTypeID:  null.IntFromPtr(p.BodyTypeID),
		DailyRate:   null.FloatFromPtr(p.DailyRate),
		TotalAmount: null.FloatFromPtr(p.TotalAmount),
		Status:      parking.PassageStatus(p.Status),
	}
}

func (r *PassageRepository) PersistPassageOpen(ctx context.Context, p parking.Passage) error {
	row := passageRow(p)
	now := time.Now()
	row.CreatedAt, row.UpdatedAt = now, now

	err := r.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: plate %s", ledger.ErrConflict, p.PlateNumber)
	}
	return err
}

// PersistPassageClose only transitions a row that is still active, so a
// passage closed elsewhere is reported as ledger.ErrNotFound.
func (r *PassageRepository) PersistPassageClose(ctx context.Context, p parking.Passage) error {
	res := r.db.WithContext(ctx).
		Model(&Passage{}).
		Where("id = ? AND status = ?", p.ID, string(parking.PassageActive)).
		Updates(map[string]interface{}{
			"exit_gate_id": p.ExitGateID.Ptr(),
			"exit_time":    p.ExitTime.Ptr(),
			"body_type_id": p.BodyTypeID.Ptr(),
			"daily_rate":   p.DailyRate.Ptr(),
			"total_amount": p.TotalAmount.Ptr(),
			"status":       string(p.Status),
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: passage %s is not active", ledger.ErrNotFound, p.ID)
	}
	return nil
}

func (r *PassageRepository) PersistPassageUpdate(ctx context.Context, p parking.Passage) error {
	res := r.db.WithContext(ctx).
		Model(&Passage{}).
		Where("id = ? AND status = ?", p.ID, string(parking.PassageActive)).
		Updates(map[string]interface{}{
			"body_type_id": p.BodyTypeID.Ptr(),
			"daily_rate":   p.DailyRate.Ptr(),
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: passage %s is not active", ledger.ErrNotFound, p.ID)
	}
	return nil
}

func (r *PassageRepository) ListActive(ctx context.Context, stationID string) ([]parking.Passage, error) {
	var rows []Passage
	err := r.db.WithContext(ctx).
		Where("station_id = ? AND status = ?", stationID, string(parking.PassageActive)).
		Order("entry_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]parking.Passage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *PassageRepository) FindByPlate(ctx context.Context, plate string, limit int) ([]parking.Passage, error) {
	var rows []Passage
	err := r.db.WithContext(ctx).
		Where("plate_number = ?", plate).
		Order("entry_time DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]parking.Passage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
