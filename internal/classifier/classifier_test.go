package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v4"

	"parking-gate-service/internal/domain/anpr"
	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/ledger"
)

type vehicleMap map[string]parking.Vehicle

func (m vehicleMap) GetVehicle(ctx context.Context, plate string) (parking.Vehicle, bool, error) {
	v, ok := m[plate]
	return v, ok, nil
}

type failingVehicles struct{}

func (failingVehicles) GetVehicle(ctx context.Context, plate string) (parking.Vehicle, bool, error) {
	return parking.Vehicle{}, false, errors.New("connection refused")
}

var ts = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func event(t *testing.T, plate string, dir anpr.Direction) anpr.DetectionEvent {
	t.Helper()
	ev, err := anpr.NewDetectionEvent("", plate, "gate-1", dir, ts, anpr.VehicleInfo{}, anpr.SourcePush)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func TestClassifyEntry(t *testing.T) {
	vehicles := vehicleMap{
		"KNOWN1": {PlateNumber: "KNOWN1", BodyTypeID: null.IntFrom(2)},
		"NOBODY": {PlateNumber: "NOBODY"},
	}
	l := ledger.New()
	c := New(vehicles, l, "st-1", zerolog.Nop())

	tests := []struct {
		plate            string
		disposition      parking.Disposition
		requiresBodyType bool
	}{
		{"ABC123", parking.NewEntry, true},
		{"KNOWN1", parking.KnownEntry, false},
		{"NOBODY", parking.KnownEntry, true},
	}
	for _, tt := range tests {
		t.Run(tt.plate, func(t *testing.T) {
			cl, err := c.Classify(context.Background(), event(t, tt.plate, anpr.DirectionEntry))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cl.Disposition != tt.disposition || cl.RequiresBodyType != tt.requiresBodyType {
				t.Fatalf("got %s requiresBodyType=%v, want %s/%v", cl.Disposition, cl.RequiresBodyType, tt.disposition, tt.requiresBodyType)
			}
		})
	}
}

func TestClassifyEntryLookupError(t *testing.T) {
	c := New(failingVehicles{}, ledger.New(), "st-1", zerolog.Nop())
	if _, err := c.Classify(context.Background(), event(t, "ABC123", anpr.DirectionEntry)); err == nil {
		t.Fatal("expected lookup error to surface")
	}
}

func TestClassifyExit(t *testing.T) {
	l := ledger.New()
	if _, err := l.Open("ABC123", "st-1", "gate-in", ts.Add(-5*time.Hour), null.Int{}, null.Float{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Open("RATED1", "st-1", "gate-in", ts.Add(-5*time.Hour), null.IntFrom(3), null.FloatFrom(5000)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Open("ELSEWHERE", "st-2", "gate-x", ts.Add(-time.Hour), null.IntFrom(1), null.FloatFrom(1000)); err != nil {
		t.Fatalf("open: %v", err)
	}
	c := New(vehicleMap{}, l, "st-1", zerolog.Nop())

	t.Run("active passage without body type", func(t *testing.T) {
		cl, _ := c.Classify(context.Background(), event(t, "ABC123", anpr.DirectionExit))
		if cl.Disposition != parking.PendingExit || !cl.RequiresBodyType || cl.Passage == nil {
			t.Fatalf("unexpected classification %+v", cl)
		}
	})

	t.Run("active passage with body type", func(t *testing.T) {
		cl, _ := c.Classify(context.Background(), event(t, "RATED1", anpr.DirectionExit))
		if cl.Disposition != parking.PendingExit || cl.RequiresBodyType {
			t.Fatalf("unexpected classification %+v", cl)
		}
	})

	t.Run("stray exit", func(t *testing.T) {
		cl, _ := c.Classify(context.Background(), event(t, "NOPE1", anpr.DirectionExit))
		if cl.Disposition != parking.Ignore {
			t.Fatalf("disposition = %s, want IGNORE", cl.Disposition)
		}
	})

	t.Run("passage at another station", func(t *testing.T) {
		cl, _ := c.Classify(context.Background(), event(t, "ELSEWHERE", anpr.DirectionExit))
		if cl.Disposition != parking.Ignore {
			t.Fatalf("disposition = %s, want IGNORE", cl.Disposition)
		}
	})
}
