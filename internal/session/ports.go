package session

import (
	"context"
	"time"

	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/journal"
)

type VehicleStore interface {
	GetVehicle(ctx context.Context, plate string) (parking.Vehicle, bool, error)
	SaveVehicle(ctx context.Context, v parking.Vehicle) error
	SetPaidUntil(ctx context.Context, plate string, paidUntil time.Time) error
}

type RateProvider interface {
	GetDailyRate(ctx context.Context, bodyTypeID int64, stationID string) (float64, bool, error)
}

// PassageStore persists ledger transitions. Conflicting writes are reported
// as ledger.ErrConflict and ledger.ErrNotFound.
type PassageStore interface {
	PersistPassageOpen(ctx context.Context, p parking.Passage) error
	PersistPassageClose(ctx context.Context, p parking.Passage) error
	PersistPassageUpdate(ctx context.Context, p parking.Passage) error
	ListActive(ctx context.Context, stationID string) ([]parking.Passage, error)
}

type Journal interface {
	Record(ctx context.Context, rec journal.Record) error
	MarkProcessed(ctx context.Context, localID string) error
	Pending(ctx context.Context, gateID string, since time.Time) ([]journal.Record, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type BarrierOpener interface {
	Open(ctx context.Context, gateID string) error
}
