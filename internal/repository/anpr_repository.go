package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parking-gate-service/internal/domain/anpr"
)

type ANPRRepository struct {
	db *gorm.DB
}

func NewANPRRepository(db *gorm.DB) *ANPRRepository {
	return &ANPRRepository{db: db}
}

type Plate struct {
	ID         int64  `gorm:"primaryKey"`
	Number     string `gorm:"not null"`
	Normalized string `gorm:"not null;uniqueIndex"`
	Country    *string
	Region     *string
	CreatedAt  time.Time
}

type ANPREvent struct {
	ID              int64 `gorm:"primaryKey"`
	PlateID         *int64
	CameraID        string `gorm:"not null"`
	CameraModel     *string
	GateID          string `gorm:"not null;index"`
	Direction       string `gorm:"not null"`
	Lane            *int
	RawPlate        string `gorm:"not null"`
	NormalizedPlate string `gorm:"not null"`
	Confidence      *float64
	VehicleMake     *string
	VehicleModel    *string
	VehicleColor    *string
	VehicleType     *string
	SnapshotURL     *string
	EventTime       time.Time      `gorm:"not null"`
	RawPayload      datatypes.JSON `gorm:"type:jsonb"`
	Processed       bool           `gorm:"not null;default:false"`
	ProcessedAt     *time.Time
	CreatedAt       time.Time
}

func (ANPREvent) TableName() string { return "anpr_events" }

type List struct {
	ID          int64  `gorm:"primaryKey"`
	Name        string `gorm:"not null;uniqueIndex"`
	Type        string `gorm:"not null"`
	Description *string
	CreatedAt   time.Time
}

type ListItem struct {
	ListID    int64 `gorm:"primaryKey"`
	PlateID   int64 `gorm:"primaryKey"`
	Note      *string
	CreatedAt time.Time
}

func (r *ANPRRepository) GetOrCreatePlate(ctx context.Context, normalized, original string) (int64, error) {
	var plate Plate
	err := r.db.WithContext(ctx).Where("normalized = ?", normalized).First(&plate).Error
	if err == nil {
		return plate.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	plate = Plate{
		Number:     original,
		Normalized: normalized,
		CreatedAt:  time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&plate).Error; err != nil {
		return 0, err
	}
	return plate.ID, nil
}

func (r *ANPRRepository) CreateANPREvent(ctx context.Context, event *anpr.Event) error {
	dbEvent := newEventRow(event)
	if err := r.db.WithContext(ctx).Create(&dbEvent).Error; err != nil {
		return err
	}

	event.ID = dbEvent.ID
	return nil
}

func newEventRow(event *anpr.Event) ANPREvent {
	dbEvent := ANPREvent{
		PlateID:         &event.PlateID,
		CameraID:        event.CameraID,
		GateID:          event.GateID,
		Direction:       event.Direction,
		RawPlate:        event.Plate,
		NormalizedPlate: event.NormalizedPlate,
		EventTime:       event.EventTime,
		CreatedAt:       time.Now(),
	}

	if event.CameraModel != "" {
		dbEvent.CameraModel = &event.CameraModel
	}
	if event.Lane != 0 {
		dbEvent.Lane = &event.Lane
	}
	if event.Confidence != 0 {
		dbEvent.Confidence = &event.Confidence
	}
	if event.Vehicle.Make != "" {
		dbEvent.VehicleMake = &event.Vehicle.Make
	}
	if event.Vehicle.Model != "" {
		dbEvent.VehicleModel = &event.Vehicle.Model
	}
	if event.Vehicle.Color != "" {
		dbEvent.VehicleColor = &event.Vehicle.Color
	}
	if event.Vehicle.Type != "" {
		dbEvent.VehicleType = &event.Vehicle.Type
	}
	if event.SnapshotURL != "" {
		dbEvent.SnapshotURL = &event.SnapshotURL
	}
	if len(event.RawPayload) > 0 {
		if raw, err := json.Marshal(event.RawPayload); err == nil {
			dbEvent.RawPayload = datatypes.JSON(raw)
		}
	}
	return dbEvent
}

func (r *ANPRRepository) FindListsForPlate(ctx context.Context, plateID int64) ([]anpr.ListHit, error) {
	var hits []anpr.ListHit

	err := r.db.WithContext(ctx).
		Table("list_items").
		Select("lists.id as list_id, lists.name as list_name, lists.type as list_type").
		Joins("JOIN lists ON list_items.list_id = lists.id").
		Where("list_items.plate_id = ?", plateID).
		Scan(&hits).Error

	if err != nil {
		return nil, err
	}

	return hits, nil
}

func (r *ANPRRepository) FindPlatesByNormalized(ctx context.Context, normalized string) ([]Plate, error) {
	var plates []Plate
	err := r.db.WithContext(ctx).
		Where("normalized = ?", normalized).
		Find(&plates).Error
	return plates, err
}

type EventFilter struct {
	NormalizedPlate *string
	GateID          *string
	From            *time.Time
	To              *time.Time
	Limit           int
	Offset          int
}

func (r *ANPRRepository) FindEvents(ctx context.Context, f EventFilter) ([]ANPREvent, error) {
	query := r.db.WithContext(ctx).Model(&ANPREvent{})

	if f.NormalizedPlate != nil {
		query = query.Where("normalized_plate = ?", *f.NormalizedPlate)
	}
	if f.GateID != nil {
		query = query.Where("gate_id = ?", *f.GateID)
	}
	if f.From != nil {
		query = query.Where("event_time >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("event_time <= ?", *f.To)
	}

	query = query.Order("event_time DESC")

	if f.Limit > 0 {
		query = query.Limit(min(f.Limit, 100))
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var events []ANPREvent
	err := query.Find(&events).Error
	return events, err
}

func (r *ANPRRepository) GetLastEventTimeForPlate(ctx context.Context, plateID int64) (*time.Time, error) {
	var event ANPREvent
	err := r.db.WithContext(ctx).
		Where("plate_id = ?", plateID).
		Order("event_time DESC").
		First(&event).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &event.EventTime, nil
}

// FindPending returns unprocessed detections for a gate and direction,
// oldest first.
func (r *ANPRRepository) FindPending(ctx context.Context, gateID, direction string, since time.Time, limit int) ([]ANPREvent, error) {
	var events []ANPREvent
	err := r.db.WithContext(ctx).
		Where("gate_id = ? AND direction = ? AND processed = ? AND event_time >= ?", gateID, direction, false, since).
		Order("event_time ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *ANPRRepository) MarkProcessed(ctx context.Context, gateID string, id int64) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&ANPREvent{}).
		Where("id = ? AND gate_id = ? AND processed = ?", id, gateID, false).
		Updates(map[string]interface{}{"processed": true, "processed_at": time.Now()})
	return res.RowsAffected, res.Error
}

// MarkProcessedByKey marks detections matching plate, gate and direction
// whose event time falls within the same second as at.
func (r *ANPRRepository) MarkProcessedByKey(ctx context.Context, gateID, normalizedPlate, direction string, at time.Time) (int64, error) {
	from := at.Truncate(time.Second)
	res := r.db.WithContext(ctx).
		Model(&ANPREvent{}).
		Where("gate_id = ? AND normalized_plate = ? AND direction = ? AND processed = ?", gateID, normalizedPlate, direction, false).
		Where("event_time >= ? AND event_time < ?", from, from.Add(time.Second)).
		Updates(map[string]interface{}{"processed": true, "processed_at": time.Now()})
	return res.RowsAffected, res.Error
}

func (r *ANPRRepository) DeleteOldEvents(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res := r.db.WithContext(ctx).
		Where("event_time < ?", cutoff).
		Delete(&ANPREvent{})
	return res.RowsAffected, res.Error
}
