package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"parking-gate-service/internal/domain/anpr"
	"parking-gate-service/internal/repository"
	"parking-gate-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

const (
	// PendingWindow bounds how far back the pending queues look.
	PendingWindow = time.Hour
	pendingLimit  = 50
)

type EventRepository interface {
	GetOrCreatePlate(ctx context.Context, normalized, original string) (int64, error)
	CreateANPREvent(ctx context.Context, event *anpr.Event) error
	FindListsForPlate(ctx context.Context, plateID int64) ([]anpr.ListHit, error)
	FindPlatesByNormalized(ctx context.Context, normalized string) ([]repository.Plate, error)
	FindEvents(ctx context.Context, f repository.EventFilter) ([]repository.ANPREvent, error)
	GetLastEventTimeForPlate(ctx context.Context, plateID int64) (*time.Time, error)
	FindPending(ctx context.Context, gateID, direction string, since time.Time, limit int) ([]repository.ANPREvent, error)
	MarkProcessed(ctx context.Context, gateID string, id int64) (int64, error)
	MarkProcessedByKey(ctx context.Context, gateID, normalizedPlate, direction string, at time.Time) (int64, error)
	DeleteOldEvents(ctx context.Context, days int) (int64, error)
}

// Publisher delivers a stored detection to the gate sessions listening on
// its gate.
type Publisher interface {
	Publish(ev anpr.DetectionEvent) int
}

// DetectionService stores camera detections, reports list hits, publishes
// them to the push channel and serves the per-gate pending queues that back
// the polling fallback.
type DetectionService struct {
	repo      EventRepository
	publisher Publisher
	log       zerolog.Logger
}

func NewDetectionService(repo EventRepository, publisher Publisher, log zerolog.Logger) *DetectionService {
	return &DetectionService{
		repo:      repo,
		publisher: publisher,
		log:       log.With().Str("component", "detection_service").Logger(),
	}
}

func (s *DetectionService) ProcessIncomingEvent(ctx context.Context, payload anpr.EventPayload, defaultCameraModel string) (*anpr.ProcessResult, error) {
	if payload.Plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if payload.CameraID == "" {
		return nil, fmt.Errorf("%w: camera_id is required", ErrInvalidInput)
	}
	if payload.GateID == "" {
		return nil, fmt.Errorf("%w: gate_id is required", ErrInvalidInput)
	}
	if payload.EventTime.IsZero() {
		return nil, fmt.Errorf("%w: event_time is required", ErrInvalidInput)
	}
	dir, ok := anpr.ParseDirection(payload.Direction)
	if !ok {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, payload.Direction)
	}
	payload.Direction = string(dir)

	normalized := utils.NormalizePlate(payload.Plate)
	if normalized == "" {
		return nil, fmt.Errorf("%w: plate cannot be empty after normalization", ErrInvalidInput)
	}

	plateID, err := s.repo.GetOrCreatePlate(ctx, normalized, payload.Plate)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get or create plate")
		return nil, fmt.Errorf("failed to get or create plate: %w", err)
	}

	if payload.CameraModel == "" {
		payload.CameraModel = defaultCameraModel
	}

	event := &anpr.Event{
		PlateID:         plateID,
		EventPayload:    payload,
		NormalizedPlate: normalized,
	}

	if err := s.repo.CreateANPREvent(ctx, event); err != nil {
		s.log.Error().
			Err(err).
			Str("plate", normalized).
			Str("camera_id", payload.CameraID).
			Msg("failed to create ANPR event")
		return nil, fmt.Errorf("failed to create ANPR event: %w", err)
	}

	s.log.Info().
		Int64("event_id", event.ID).
		Str("plate", normalized).
		Str("raw_plate", payload.Plate).
		Str("gate_id", payload.GateID).
		Str("direction", payload.Direction).
		Time("event_time", payload.EventTime).
		Msg("saved detection")

	hits, err := s.repo.FindListsForPlate(ctx, plateID)
	if err != nil {
		s.log.Error().
			Err(err).
			Int64("plate_id", plateID).
			Msg("failed to find lists for plate")
		return nil, fmt.Errorf("failed to find lists for plate: %w", err)
	}
	if len(hits) > 0 {
		s.log.Info().
			Str("plate", normalized).
			Int("hits_count", len(hits)).
			Msg("plate found in lists")
	}

	delivered := 0
	ev, err := anpr.NewDetectionEvent(eventID(event.ID), payload.Plate, payload.GateID, dir, payload.EventTime, payload.Vehicle, anpr.SourcePush)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if s.publisher != nil {
		delivered = s.publisher.Publish(ev)
	}

	return &anpr.ProcessResult{
		EventID:   event.ID,
		PlateID:   plateID,
		Plate:     normalized,
		Hits:      hits,
		Delivered: delivered,
	}, nil
}

// IngestDetection accepts a detection in transport shape, as read from the
// queue feed. Validation failures wrap anpr.ErrMalformedDetection.
func (s *DetectionService) IngestDetection(ctx context.Context, p anpr.DetectionPayload) error {
	ev, err := p.Event(anpr.SourcePush, "")
	if err != nil {
		return err
	}

	cameraID := "queue"
	if ev.ID != "" {
		cameraID = "queue:" + ev.ID
	}
	_, err = s.ProcessIncomingEvent(ctx, anpr.EventPayload{
		CameraID:  cameraID,
		GateID:    ev.GateID,
		Plate:     ev.RawPlate,
		Direction: string(ev.Direction),
		EventTime: ev.Timestamp,
		Vehicle:   ev.Vehicle,
	}, "")
	if errors.Is(err, ErrInvalidInput) {
		return fmt.Errorf("%w: %v", anpr.ErrMalformedDetection, err)
	}
	return err
}

// PendingDetections lists unprocessed detections of the last PendingWindow
// for a gate, oldest first, in transport shape.
func (s *DetectionService) PendingDetections(ctx context.Context, gateID string, dir anpr.Direction) ([]anpr.DetectionPayload, error) {
	if gateID == "" {
		return nil, fmt.Errorf("%w: gate_id is required", ErrInvalidInput)
	}
	rows, err := s.repo.FindPending(ctx, gateID, string(dir), time.Now().Add(-PendingWindow), pendingLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending detections: %w", err)
	}

	out := make([]anpr.DetectionPayload, 0, len(rows))
	for _, row := range rows {
		out = append(out, payloadFromRow(row))
	}
	return out, nil
}

func (s *DetectionService) FetchPendingEntryDetections(ctx context.Context, gateID string) ([]anpr.DetectionEvent, error) {
	return s.pendingEvents(ctx, gateID, anpr.DirectionEntry)
}

func (s *DetectionService) FetchPendingExitDetections(ctx context.Context, gateID string) ([]anpr.DetectionEvent, error) {
	return s.pendingEvents(ctx, gateID, anpr.DirectionExit)
}

func (s *DetectionService) pendingEvents(ctx context.Context, gateID string, dir anpr.Direction) ([]anpr.DetectionEvent, error) {
	payloads, err := s.PendingDetections(ctx, gateID, dir)
	if err != nil {
		return nil, err
	}
	events := make([]anpr.DetectionEvent, 0, len(payloads))
	for _, p := range payloads {
		ev, err := p.Event(anpr.SourcePoll, gateID)
		if err != nil {
			s.log.Warn().Err(err).Str("gate_id", gateID).Msg("skipping unusable stored detection")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ProcessedMark identifies a detection either by id or by plate, direction
// and timestamp.
type ProcessedMark struct {
	ID        string         `json:"id,omitempty"`
	Plate     string         `json:"plate_number"`
	Direction anpr.Direction `json:"direction"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *DetectionService) MarkProcessed(ctx context.Context, gateID string, m ProcessedMark) (int64, error) {
	if gateID == "" {
		return 0, fmt.Errorf("%w: gate_id is required", ErrInvalidInput)
	}

	var (
		updated int64
		err     error
	)
	if m.ID != "" {
		id, perr := strconv.ParseInt(m.ID, 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("%w: unknown detection id %q", ErrInvalidInput, m.ID)
		}
		updated, err = s.repo.MarkProcessed(ctx, gateID, id)
	} else {
		plate := utils.NormalizePlate(m.Plate)
		if plate == "" || m.Timestamp.IsZero() {
			return 0, fmt.Errorf("%w: id or plate_number and timestamp are required", ErrInvalidInput)
		}
		dir, ok := anpr.ParseDirection(string(m.Direction))
		if !ok {
			return 0, fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, m.Direction)
		}
		updated, err = s.repo.MarkProcessedByKey(ctx, gateID, plate, string(dir), m.Timestamp)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark detection processed: %w", err)
	}

	s.log.Debug().Str("gate_id", gateID).Str("id", m.ID).Str("plate", m.Plate).Int64("updated", updated).Msg("detection marked processed")
	return updated, nil
}

// Acknowledge lets the service act as the poll transport's acknowledger for
// gate sessions running in this process.
func (s *DetectionService) Acknowledge(ctx context.Context, ev anpr.DetectionEvent) error {
	_, err := s.MarkProcessed(ctx, ev.GateID, ProcessedMark{
		ID:        ev.ID,
		Plate:     ev.Plate,
		Direction: ev.Direction,
		Timestamp: ev.Timestamp,
	})
	return err
}

func (s *DetectionService) FindPlates(ctx context.Context, plateQuery string) ([]PlateInfo, error) {
	normalized := utils.NormalizePlate(plateQuery)
	if normalized == "" {
		return nil, fmt.Errorf("%w: plate query cannot be empty", ErrInvalidInput)
	}

	plates, err := s.repo.FindPlatesByNormalized(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find plates: %w", err)
	}

	result := make([]PlateInfo, 0, len(plates))
	for _, p := range plates {
		lastEventTime, _ := s.repo.GetLastEventTimeForPlate(ctx, p.ID)
		result = append(result, PlateInfo{
			ID:            p.ID,
			Number:        p.Number,
			Normalized:    p.Normalized,
			LastEventTime: lastEventTime,
		})
	}

	return result, nil
}

type EventQuery struct {
	Plate  string
	GateID string
	From   string
	To     string
	Limit  int
	Offset int
}

func (s *DetectionService) FindEvents(ctx context.Context, q EventQuery) ([]EventInfo, error) {
	var f repository.EventFilter

	if normalized := utils.NormalizePlate(q.Plate); normalized != "" {
		f.NormalizedPlate = &normalized
	}
	if q.GateID != "" {
		f.GateID = &q.GateID
	}
	if q.From != "" {
		t, err := time.Parse(time.RFC3339, q.From)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		f.From = &t
	}
	if q.To != "" {
		t, err := time.Parse(time.RFC3339, q.To)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		f.To = &t
	}

	f.Limit = q.Limit
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	f.Offset = max(q.Offset, 0)

	events, err := s.repo.FindEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}

	result := make([]EventInfo, 0, len(events))
	for _, e := range events {
		result = append(result, EventInfo{
			ID:              e.ID,
			PlateID:         e.PlateID,
			CameraID:        e.CameraID,
			CameraModel:     e.CameraModel,
			GateID:          e.GateID,
			Direction:       e.Direction,
			Lane:            e.Lane,
			RawPlate:        e.RawPlate,
			NormalizedPlate: e.NormalizedPlate,
			Confidence:      e.Confidence,
			VehicleColor:    e.VehicleColor,
			VehicleType:     e.VehicleType,
			SnapshotURL:     e.SnapshotURL,
			EventTime:       e.EventTime,
			Processed:       e.Processed,
		})
	}

	return result, nil
}

// CleanupOldEvents deletes detections older than days.
func (s *DetectionService) CleanupOldEvents(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidInput)
	}
	deleted, err := s.repo.DeleteOldEvents(ctx, days)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old events")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old events")
	}
	return deleted, nil
}

func eventID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func payloadFromRow(row repository.ANPREvent) anpr.DetectionPayload {
	id := eventID(row.ID)
	gate := row.GateID
	dir := row.Direction
	plate := row.RawPlate
	ts := row.EventTime.UTC()

	vehicle := anpr.VehicleInfo{}
	if row.VehicleMake != nil {
		vehicle.Make = *row.VehicleMake
	}
	if row.VehicleModel != nil {
		vehicle.Model = *row.VehicleModel
	}
	if row.VehicleColor != nil {
		vehicle.Color = *row.VehicleColor
	}
	if row.VehicleType != nil {
		vehicle.Type = *row.VehicleType
	}

	return anpr.DetectionPayload{
		ID:        &id,
		Plate:     &plate,
		GateID:    &gate,
		Direction: &dir,
		Timestamp: &ts,
		Vehicle:   &vehicle,
	}
}

type PlateInfo struct {
	ID            int64      `json:"id"`
	Number        string     `json:"number"`
	Normalized    string     `json:"normalized"`
	LastEventTime *time.Time `json:"last_event_time,omitempty"`
}

type EventInfo struct {
	ID              int64     `json:"id"`
	PlateID         *int64    `json:"plate_id,omitempty"`
	CameraID        string    `json:"camera_id"`
	CameraModel     *string   `json:"camera_model,omitempty"`
	GateID          string    `json:"gate_id"`
	Direction       string    `json:"direction"`
	Lane            *int      `json:"lane,omitempty"`
	RawPlate        string    `json:"raw_plate"`
	NormalizedPlate string    `json:"normalized_plate"`
	Confidence      *float64  `json:"confidence,omitempty"`
	VehicleColor    *string   `json:"vehicle_color,omitempty"`
	VehicleType     *string   `json:"vehicle_type,omitempty"`
	SnapshotURL     *string   `json:"snapshot_url,omitempty"`
	EventTime       time.Time `json:"event_time"`
	Processed       bool      `json:"processed"`
}
