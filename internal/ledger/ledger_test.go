package ledger

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gopkg.in/guregu/null.v4"

	"parking-gate-service/internal/domain/parking"
)

var t0 = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func TestLedgerOpenClose(t *testing.T) {
	l := New()

	p, err := l.Open("abc 123", "st-1", "g-in", t0, null.IntFrom(3), null.FloatFrom(5000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PlateNumber != "ABC123" || p.Status != parking.PassageActive || p.ExitTime.Valid {
		t.Fatalf("unexpected passage %+v", p)
	}

	if _, err := l.Open("ABC123", "st-1", "g-in", t0.Add(time.Minute), null.Int{}, null.Float{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, ok := l.LookupActive("ABC-123")
	if !ok || got.ID != p.ID {
		t.Fatalf("LookupActive = %+v, %v", got, ok)
	}

	closed, err := l.Close("ABC123", "g-out", t0.Add(30*time.Hour), 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed.Status != parking.PassageCompleted || closed.TotalAmount.Float64 != 10000 || closed.ExitGateID.String != "g-out" {
		t.Fatalf("unexpected closed passage %+v", closed)
	}

	if _, ok := l.LookupActive("ABC123"); ok {
		t.Fatal("closed passage must not be active")
	}
	if _, err := l.Close("ABC123", "g-out", t0, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := l.Open("ABC123", "st-1", "g-in", t0.Add(31*time.Hour), null.Int{}, null.Float{}); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestLedgerReturnsCopies(t *testing.T) {
	l := New()
	p, _ := l.Open("XYZ", "st-1", "g", t0, null.Int{}, null.Float{})
	p.Status = parking.PassageCompleted
	p.DailyRate = null.FloatFrom(1)

	got, ok := l.LookupActive("XYZ")
	if !ok || got.Status != parking.PassageActive || got.DailyRate.Valid {
		t.Fatalf("ledger state leaked through returned value: %+v", got)
	}
}

func TestLedgerSetBodyType(t *testing.T) {
	l := New()
	if _, err := l.SetBodyType("NONE", 1, null.Float{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	l.Open("ABC123", "st-1", "g", t0, null.Int{}, null.Float{})
	p, err := l.SetBodyType("ABC123", 4, null.FloatFrom(2500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.BodyTypeID.Int64 != 4 || p.DailyRate.Float64 != 2500 {
		t.Fatalf("body type not applied: %+v", p)
	}
}

func TestLedgerCancel(t *testing.T) {
	l := New()
	l.Open("ABC123", "st-1", "g", t0, null.Int{}, null.Float{})
	p, err := l.Cancel("ABC123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != parking.PassageCancelled {
		t.Fatalf("status = %s", p.Status)
	}
	if len(l.Active()) != 0 {
		t.Fatal("cancelled passage still active")
	}
}

func TestLedgerLoadAndReconcile(t *testing.T) {
	l := New()
	a := parking.Passage{PlateNumber: "aaa1", Status: parking.PassageActive, EntryTime: t0}
	a.ID[0] = 1
	b := parking.Passage{PlateNumber: "BBB2", Status: parking.PassageCompleted, EntryTime: t0}
	b.ID[0] = 2

	if err := l.Load([]parking.Passage{a, b}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(l.Active()) != 1 {
		t.Fatalf("active = %d, want 1", len(l.Active()))
	}

	dup := a
	dup.ID[0] = 9
	if err := l.Load([]parking.Passage{dup}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	closed := a
	closed.PlateNumber = "AAA1"
	closed.Status = parking.PassageCompleted
	if !l.Reconcile(closed) {
		t.Fatal("reconcile of a closed passage must change the view")
	}
	if _, ok := l.LookupActive("AAA1"); ok {
		t.Fatal("reconciled passage still active")
	}
	if l.Reconcile(closed) {
		t.Fatal("second reconcile must be a no-op")
	}
}

func TestLedgerOneActivePerPlateUnderContention(t *testing.T) {
	l := New()
	plates := []string{"AAA", "BBB", "CCC"}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plate := plates[i%len(plates)]
			if i%4 == 3 {
				l.Close(plate, "g", t0, 0)
				return
			}
			l.Open(plate, "st", fmt.Sprintf("g%d", i), t0, null.Int{}, null.Float{})
		}(i)
	}
	wg.Wait()

	seen := map[string]int{}
	for _, p := range l.Active() {
		seen[p.PlateNumber]++
	}
	for plate, n := range seen {
		if n > 1 {
			t.Fatalf("plate %s has %d active passages", plate, n)
		}
	}
}
