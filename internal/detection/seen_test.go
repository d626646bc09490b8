package detection

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"parking-gate-service/internal/domain/anpr"
)

func mustEvent(t *testing.T, id, plate string, dir anpr.Direction, ts time.Time) anpr.DetectionEvent {
	t.Helper()
	ev, err := anpr.NewDetectionEvent(id, plate, "gate-1", dir, ts, anpr.VehicleInfo{}, anpr.SourcePush)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func TestSeenSet(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("duplicate id is rejected", func(t *testing.T) {
		s := NewSeenSet(10, time.Hour, clockz.NewFakeClock())
		ev := mustEvent(t, "e1", "ABC123", anpr.DirectionEntry, ts)

		if !s.Add(ev) {
			t.Fatal("first add must succeed")
		}
		if s.Add(ev) {
			t.Fatal("second add must be rejected")
		}
		if s.Len() != 1 {
			t.Fatalf("len = %d, want 1", s.Len())
		}
	})

	t.Run("event without id matches by composite key", func(t *testing.T) {
		s := NewSeenSet(10, time.Hour, clockz.NewFakeClock())
		withID := mustEvent(t, "e1", "abc 123", anpr.DirectionEntry, ts)
		withoutID := mustEvent(t, "", "ABC123", anpr.DirectionEntry, ts.Add(300*time.Millisecond))

		s.Add(withID)
		if !s.Seen(withoutID) {
			t.Fatal("composite key should match the id-bearing event")
		}
	})

	t.Run("different direction is a different detection", func(t *testing.T) {
		s := NewSeenSet(10, time.Hour, clockz.NewFakeClock())
		s.Add(mustEvent(t, "", "ABC123", anpr.DirectionEntry, ts))
		if s.Seen(mustEvent(t, "", "ABC123", anpr.DirectionExit, ts)) {
			t.Fatal("exit must not collide with entry")
		}
	})

	t.Run("window expiry", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		s := NewSeenSet(10, time.Minute, clock)
		ev := mustEvent(t, "e1", "ABC123", anpr.DirectionEntry, ts)

		s.Add(ev)
		clock.Advance(30 * time.Second)
		if !s.Seen(ev) {
			t.Fatal("event should still be inside the window")
		}
		clock.Advance(31 * time.Second)
		if s.Seen(ev) {
			t.Fatal("event should have expired")
		}
		if s.Len() != 0 {
			t.Fatalf("len = %d, want 0", s.Len())
		}
	})

	t.Run("redelivery restarts the window", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		s := NewSeenSet(10, time.Minute, clock)
		ev := mustEvent(t, "e1", "ABC123", anpr.DirectionEntry, ts)

		s.Add(ev)
		for i := 0; i < 5; i++ {
			clock.Advance(40 * time.Second)
			if s.Add(ev) {
				t.Fatalf("redelivery %d accepted after %v", i, time.Duration(i+1)*40*time.Second)
			}
		}
		clock.Advance(61 * time.Second)
		if s.Seen(ev) {
			t.Fatal("event should expire once redeliveries stop")
		}
	})

	t.Run("capacity evicts oldest", func(t *testing.T) {
		s := NewSeenSet(2, 0, clockz.NewFakeClock())
		a := mustEvent(t, "a", "AAA", anpr.DirectionEntry, ts)
		b := mustEvent(t, "b", "BBB", anpr.DirectionEntry, ts)
		c := mustEvent(t, "c", "CCC", anpr.DirectionEntry, ts)

		s.Add(a)
		s.Add(b)
		s.Add(c)
		if s.Seen(a) {
			t.Fatal("oldest entry should be evicted")
		}
		if !s.Seen(b) || !s.Seen(c) {
			t.Fatal("newer entries should be kept")
		}
	})

	t.Run("forget allows redelivery", func(t *testing.T) {
		s := NewSeenSet(10, time.Hour, clockz.NewFakeClock())
		ev := mustEvent(t, "e1", "ABC123", anpr.DirectionExit, ts)
		s.Add(ev)
		s.Forget(ev)
		if !s.Add(ev) {
			t.Fatal("forgotten event must be accepted again")
		}
	})
}
