package anpr

import (
	"errors"
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func TestDetectionPayloadEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 30, 15, 400_000_000, time.UTC)

	t.Run("valid payload", func(t *testing.T) {
		p := DetectionPayload{
			ID:        strp(" 42 "),
			Plate:     strp("t 123-abc"),
			Direction: strp("IN"),
			Timestamp: &ts,
			Vehicle:   &VehicleInfo{Make: "Toyota", Color: "white"},
		}
		ev, err := p.Event(SourcePush, "gate-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Plate != "T123ABC" || ev.RawPlate != "t 123-abc" {
			t.Fatalf("plate = %q/%q", ev.Plate, ev.RawPlate)
		}
		if ev.ID != "42" || ev.GateID != "gate-1" || ev.Direction != DirectionEntry {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Vehicle.Make != "Toyota" {
			t.Fatalf("vehicle attributes lost: %+v", ev.Vehicle)
		}
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		cases := []DetectionPayload{
			{Direction: strp("entry"), Timestamp: &ts},
			{Plate: strp("ABC"), Timestamp: &ts},
			{Plate: strp("ABC"), Direction: strp("entry")},
			{Plate: strp("--"), Direction: strp("entry"), Timestamp: &ts},
			{Plate: strp("ABC"), Direction: strp("sideways"), Timestamp: &ts},
		}
		for i, p := range cases {
			if _, err := p.Event(SourcePoll, "gate-1"); !errors.Is(err, ErrMalformedDetection) {
				t.Errorf("case %d: expected ErrMalformedDetection, got %v", i, err)
			}
		}
	})

	t.Run("gate mismatch is rejected", func(t *testing.T) {
		p := DetectionPayload{Plate: strp("ABC"), Direction: strp("exit"), Timestamp: &ts, GateID: strp("gate-2")}
		if _, err := p.Event(SourcePush, "gate-1"); !errors.Is(err, ErrMalformedDetection) {
			t.Fatalf("expected ErrMalformedDetection, got %v", err)
		}
	})

	t.Run("payload gate used when subscription has none", func(t *testing.T) {
		p := DetectionPayload{Plate: strp("ABC"), Direction: strp("exit"), Timestamp: &ts, GateID: strp("gate-2")}
		ev, err := p.Event(SourcePush, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.GateID != "gate-2" {
			t.Fatalf("gate = %q", ev.GateID)
		}
	})
}

func TestDetectionEventKey(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 30, 15, 0, time.UTC)

	a, _ := NewDetectionEvent("", "ABC123", "g1", DirectionEntry, ts.Add(100*time.Millisecond), VehicleInfo{}, SourcePush)
	b, _ := NewDetectionEvent("", "abc 123", "g1", DirectionEntry, ts.Add(900*time.Millisecond), VehicleInfo{}, SourcePoll)
	if a.Key() != b.Key() {
		t.Fatalf("keys differ within the same second: %q vs %q", a.Key(), b.Key())
	}

	c, _ := NewDetectionEvent("", "ABC123", "g1", DirectionExit, ts, VehicleInfo{}, SourcePush)
	if a.Key() == c.Key() {
		t.Fatal("direction must be part of the key")
	}

	d, _ := NewDetectionEvent("7", "ABC123", "g1", DirectionEntry, ts, VehicleInfo{}, SourcePush)
	if d.Key() != "id:7" {
		t.Fatalf("id key = %q", d.Key())
	}
	if d.CompositeKey() != a.CompositeKey() {
		t.Fatal("composite key must ignore the id")
	}
}
