package parking

import (
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v4"

	"parking-gate-service/internal/domain/anpr"
)

type PassageStatus string

const (
	PassageActive    PassageStatus = "active"
	PassageCompleted PassageStatus = "completed"
	PassageCancelled PassageStatus = "cancelled"
)

type Vehicle struct {
	PlateNumber string    `json:"plate_number"`
	BodyTypeID  null.Int  `json:"body_type_id"`
	PaidUntil   null.Time `json:"paid_until"`
	Make        string    `json:"make,omitempty"`
	Model       string    `json:"model,omitempty"`
	Color       string    `json:"color,omitempty"`
}

type Passage struct {
	ID          uuid.UUID     `json:"id"`
	PlateNumber string        `json:"plate_number"`
	StationID   string        `json:"station_id"`
	EntryGateID string        `json:"entry_gate_id"`
	ExitGateID  null.String   `json:"exit_gate_id"`
	EntryTime   time.Time     `json:"entry_time"`
	ExitTime    null.Time     `json:"exit_time"`
	BodyTypeID  null.Int      `json:"body_type_id"`
	DailyRate   null.Float    `json:"daily_rate"`
	TotalAmount null.Float    `json:"total_amount"`
	Status      PassageStatus `json:"status"`
}

func (p Passage) IsActive() bool {
	return p.Status == PassageActive
}

type Disposition string

const (
	NewEntry    Disposition = "NEW_ENTRY"
	KnownEntry  Disposition = "KNOWN_ENTRY"
	PendingExit Disposition = "PENDING_EXIT"
	Ignore      Disposition = "IGNORE"
)

// Classification is what the operator console renders a prompt from.
type Classification struct {
	Event            anpr.DetectionEvent `json:"event"`
	Disposition      Disposition         `json:"disposition"`
	RequiresBodyType bool                `json:"requires_body_type"`
	Vehicle          *Vehicle            `json:"vehicle,omitempty"`
	Passage          *Passage            `json:"passage,omitempty"`
	Reason           string              `json:"reason,omitempty"`
}

type FeeQuote struct {
	BillableDays int     `json:"billable_days"`
	Amount       float64 `json:"amount"`
	FreeReentry  bool    `json:"free_reentry"`
	// ReceiptDays is the half-day unit count printed on receipts. It is never charged.
	ReceiptDays  float64   `json:"receipt_days"`
	Hours        float64   `json:"hours"`
	DailyRate    float64   `json:"daily_rate"`
	RateRequired bool      `json:"rate_required"`
	ReferenceAt  time.Time `json:"reference_at"`
}
