package anpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"parking-gate-service/internal/utils"
)

var ErrMalformedDetection = errors.New("malformed detection")

type Direction string

const (
	DirectionEntry Direction = "entry"
	DirectionExit  Direction = "exit"
)

// ParseDirection accepts the spellings cameras and consoles send.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entry", "in", "approaching", "forward":
		return DirectionEntry, true
	case "exit", "out", "leaving", "reverse":
		return DirectionExit, true
	}
	return "", false
}

type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

type VehicleInfo struct {
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Color string `json:"color,omitempty"`
	Type  string `json:"type,omitempty"`
}

// EventPayload is what cameras POST to the ingest endpoint.
type EventPayload struct {
	CameraID    string                 `json:"camera_id"`
	CameraModel string                 `json:"camera_model,omitempty"`
	GateID      string                 `json:"gate_id"`
	Plate       string                 `json:"plate"`
	Confidence  float64                `json:"confidence"`
	Direction   string                 `json:"direction"`
	Lane        int                    `json:"lane"`
	EventTime   time.Time              `json:"event_time"`
	Vehicle     VehicleInfo            `json:"vehicle"`
	SnapshotURL string                 `json:"snapshot_url,omitempty"`
	RawPayload  map[string]interface{} `json:"raw_payload,omitempty"`
}

type Event struct {
	ID      int64
	PlateID int64
	EventPayload
	NormalizedPlate string
}

type ListHit struct {
	ListID   int64  `json:"list_id"`
	ListName string `json:"list_name"`
	ListType string `json:"list_type"`
}

type ProcessResult struct {
	EventID   int64     `json:"event_id"`
	PlateID   int64     `json:"plate_id"`
	Plate     string    `json:"plate"`
	Hits      []ListHit `json:"hits"`
	Delivered int       `json:"delivered"`
}

// DetectionPayload is the transport-level shape of a detection, as delivered by
// the push channel or returned by a pending-detections poll. Every field is
// optional on the wire; Event decides what is acceptable.
type DetectionPayload struct {
	ID        *string      `json:"id,omitempty"`
	Plate     *string      `json:"plate_number,omitempty"`
	GateID    *string      `json:"gate_id,omitempty"`
	Direction *string      `json:"direction,omitempty"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
	Vehicle   *VehicleInfo `json:"vehicle,omitempty"`
}

// DetectionEvent is a validated detection. Values are only built through
// DetectionPayload.Event or NewDetectionEvent.
type DetectionEvent struct {
	ID        string      `json:"id,omitempty"`
	RawPlate  string      `json:"raw_plate"`
	Plate     string      `json:"plate"`
	GateID    string      `json:"gate_id"`
	Direction Direction   `json:"direction"`
	Timestamp time.Time   `json:"timestamp"`
	Vehicle   VehicleInfo `json:"vehicle"`
	Source    Source      `json:"source"`
}

// Event validates the payload. gateID is used when the payload carries none
// and must match when it does.
func (p DetectionPayload) Event(source Source, gateID string) (DetectionEvent, error) {
	var ev DetectionEvent

	if p.Plate == nil {
		return ev, fmt.Errorf("%w: plate_number is required", ErrMalformedDetection)
	}
	if p.Direction == nil {
		return ev, fmt.Errorf("%w: direction is required", ErrMalformedDetection)
	}
	if p.Timestamp == nil || p.Timestamp.IsZero() {
		return ev, fmt.Errorf("%w: timestamp is required", ErrMalformedDetection)
	}

	gate := gateID
	if p.GateID != nil && *p.GateID != "" {
		if gateID != "" && *p.GateID != gateID {
			return ev, fmt.Errorf("%w: gate %q does not match subscription gate %q", ErrMalformedDetection, *p.GateID, gateID)
		}
		gate = *p.GateID
	}

	dir, ok := ParseDirection(*p.Direction)
	if !ok {
		return ev, fmt.Errorf("%w: unknown direction %q", ErrMalformedDetection, *p.Direction)
	}

	var vehicle VehicleInfo
	if p.Vehicle != nil {
		vehicle = *p.Vehicle
	}

	var id string
	if p.ID != nil {
		id = strings.TrimSpace(*p.ID)
	}

	return NewDetectionEvent(id, *p.Plate, gate, dir, *p.Timestamp, vehicle, source)
}

func NewDetectionEvent(id, plate, gateID string, dir Direction, ts time.Time, vehicle VehicleInfo, source Source) (DetectionEvent, error) {
	normalized := utils.NormalizePlate(plate)
	if normalized == "" {
		return DetectionEvent{}, fmt.Errorf("%w: plate cannot be empty after normalization", ErrMalformedDetection)
	}
	if gateID == "" {
		return DetectionEvent{}, fmt.Errorf("%w: gate_id is required", ErrMalformedDetection)
	}
	if dir != DirectionEntry && dir != DirectionExit {
		return DetectionEvent{}, fmt.Errorf("%w: unknown direction %q", ErrMalformedDetection, dir)
	}
	if ts.IsZero() {
		return DetectionEvent{}, fmt.Errorf("%w: timestamp is required", ErrMalformedDetection)
	}
	if source != SourcePush && source != SourcePoll {
		return DetectionEvent{}, fmt.Errorf("%w: unknown source %q", ErrMalformedDetection, source)
	}

	return DetectionEvent{
		ID:        id,
		RawPlate:  plate,
		Plate:     normalized,
		GateID:    gateID,
		Direction: dir,
		Timestamp: ts.UTC(),
		Vehicle:   vehicle,
		Source:    source,
	}, nil
}

// Key identifies the detection for deduplication: the source id when present,
// otherwise plate, gate, direction and the timestamp truncated to the second.
func (e DetectionEvent) Key() string {
	if e.ID != "" {
		return "id:" + e.ID
	}
	return e.CompositeKey()
}

func (e DetectionEvent) CompositeKey() string {
	return fmt.Sprintf("k:%s|%s|%s|%d", e.Plate, e.GateID, e.Direction, e.Timestamp.Truncate(time.Second).Unix())
}

// Payload converts the event back into its wire shape.
func (e DetectionEvent) Payload() DetectionPayload {
	p := DetectionPayload{
		Plate:     &e.RawPlate,
		GateID:    &e.GateID,
		Timestamp: &e.Timestamp,
		Vehicle:   &e.Vehicle,
	}
	dir := string(e.Direction)
	p.Direction = &dir
	if e.ID != "" {
		p.ID = &e.ID
	}
	return p
}
