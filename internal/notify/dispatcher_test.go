package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"parking-gate-service/internal/domain/anpr"
	"parking-gate-service/internal/domain/parking"
)

type recordingSink struct {
	mu    sync.Mutex
	items []parking.Notification
}

func (s *recordingSink) Publish(n parking.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
}

func (s *recordingSink) kinds(kind parking.NotificationKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingSink) last() parking.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[len(s.items)-1]
}

func classification(plate string, d parking.Disposition) parking.Classification {
	dir := anpr.DirectionEntry
	if d == parking.PendingExit {
		dir = anpr.DirectionExit
	}
	return parking.Classification{
		Event:       anpr.DetectionEvent{Plate: plate, GateID: "gate-1", Direction: dir},
		Disposition: d,
	}
}

func TestDispatcherSingleSlotAndPriority(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher("gate-1", sink, clockz.NewFakeClock(), time.Second, zerolog.Nop())

	first, _ := d.Submit(classification("ENTRY1", parking.NewEntry))
	d.Submit(classification("ENTRY2", parking.KnownEntry))
	d.Submit(classification("EXIT1", parking.PendingExit))
	d.Submit(classification("EXIT2", parking.PendingExit))

	active, ok := d.Active()
	if !ok || active.ID != first.ID {
		t.Fatalf("active prompt replaced: %+v", active)
	}

	want := []string{"EXIT1", "EXIT2", "ENTRY2"}
	pending := d.Pending()
	if len(pending) != len(want) {
		t.Fatalf("pending = %d, want %d", len(pending), len(want))
	}
	for i, p := range pending {
		if p.Classification.Event.Plate != want[i] {
			t.Fatalf("pending[%d] = %s, want %s", i, p.Classification.Event.Plate, want[i])
		}
	}

	if _, err := d.Resolve(first.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	active, _ = d.Active()
	if active.Classification.Event.Plate != "EXIT1" {
		t.Fatalf("next active = %s, want EXIT1", active.Classification.Event.Plate)
	}
	if sink.kinds(parking.NotifyPrompt) != 2 || sink.kinds(parking.NotifyCleared) != 1 {
		t.Fatalf("unexpected notifications %+v", sink.items)
	}
}

func TestDispatcherIgnoreIsNotSurfaced(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher("gate-1", sink, clockz.NewFakeClock(), 0, zerolog.Nop())

	if _, ok := d.Submit(classification("STRAY", parking.Ignore)); ok {
		t.Fatal("IGNORE must not create a prompt")
	}
	if _, ok := d.Active(); ok {
		t.Fatal("slot must stay empty")
	}
	if len(sink.items) != 0 {
		t.Fatalf("unexpected notifications %+v", sink.items)
	}
}

func TestDispatcherChimeRateLimit(t *testing.T) {
	clock := clockz.NewFakeClock()
	sink := &recordingSink{}
	d := NewDispatcher("gate-1", sink, clock, DefaultChimeInterval, zerolog.Nop())

	p1, _ := d.Submit(classification("A1", parking.NewEntry))
	if sink.kinds(parking.NotifyChime) != 1 {
		t.Fatal("first prompt should chime")
	}

	clock.Advance(time.Second)
	d.Submit(classification("A2", parking.NewEntry))
	d.Resolve(p1.ID)
	if sink.kinds(parking.NotifyChime) != 1 {
		t.Fatal("chime repeated inside the 2.2s window")
	}

	active, _ := d.Active()
	clock.Advance(1500 * time.Millisecond)
	d.Submit(classification("A3", parking.NewEntry))
	d.Resolve(active.ID)
	if sink.kinds(parking.NotifyChime) != 2 {
		t.Fatalf("chimes = %d, want 2 after the window elapsed", sink.kinds(parking.NotifyChime))
	}
}

func TestDispatcherProcessedSignal(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher("gate-1", sink, clockz.NewFakeClock(), 0, zerolog.Nop())

	p, _ := d.Submit(classification("ABC123", parking.PendingExit))
	if _, err := d.Processed(p.ID, ""); err != nil {
		t.Fatalf("processed: %v", err)
	}
	if _, ok := d.Active(); ok {
		t.Fatal("slot must be cleared")
	}
	last := sink.last()
	if last.Kind != parking.NotifyNotice || last.Message == "" {
		t.Fatalf("expected a neutral notice, got %+v", last)
	}

	if _, err := d.Resolve(p.ID); !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("expected ErrPromptNotFound, got %v", err)
	}
}

func TestDispatcherProcessedPlate(t *testing.T) {
	d := NewDispatcher("gate-1", nil, clockz.NewFakeClock(), 0, zerolog.Nop())

	d.Submit(classification("ABC123", parking.PendingExit))
	d.Submit(classification("OTHER", parking.NewEntry))
	d.Submit(classification("ABC123", parking.PendingExit))

	if got := d.ProcessedPlate("ABC123", "closed at another console"); len(got) != 2 {
		t.Fatalf("withdrew %d prompts, want 2", len(got))
	}
	active, ok := d.Active()
	if !ok || active.Classification.Event.Plate != "OTHER" {
		t.Fatalf("active = %+v", active)
	}
	if len(d.Pending()) != 0 {
		t.Fatalf("pending = %d", len(d.Pending()))
	}
}

func TestDispatcherRemoveQueued(t *testing.T) {
	d := NewDispatcher("gate-1", nil, clockz.NewFakeClock(), 0, zerolog.Nop())
	d.Submit(classification("A1", parking.NewEntry))
	queued, _ := d.Submit(classification("A2", parking.NewEntry))

	if _, ok := d.Find(queued.ID); !ok {
		t.Fatal("queued prompt not found")
	}
	if _, err := d.Resolve(queued.ID); err != nil {
		t.Fatalf("resolve queued: %v", err)
	}
	if len(d.Pending()) != 0 {
		t.Fatal("queued prompt not removed")
	}
}

func TestDispatcherOutstanding(t *testing.T) {
	d := NewDispatcher("gate-1", nil, clockz.NewFakeClock(), 0, zerolog.Nop())
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	active := classification("ABC123", parking.NewEntry)
	active.Event.ID = "det-1"
	active.Event.Timestamp = ts
	queued := classification("XYZ9", parking.NewEntry)
	queued.Event.Timestamp = ts

	d.Submit(active)
	d.Submit(queued)

	t.Run("matches active prompt by id", func(t *testing.T) {
		ev := active.Event
		ev.Source = anpr.SourcePoll
		if !d.Outstanding(ev) {
			t.Fatal("redelivered detection not matched")
		}
	})

	t.Run("matches queued prompt by composite key", func(t *testing.T) {
		ev := queued.Event
		ev.Timestamp = ts.Add(400 * time.Millisecond)
		if !d.Outstanding(ev) {
			t.Fatal("queued detection not matched")
		}
	})

	t.Run("other detections are not outstanding", func(t *testing.T) {
		ev := active.Event
		ev.ID = "det-2"
		ev.Timestamp = ts.Add(time.Minute)
		if d.Outstanding(ev) {
			t.Fatal("unrelated detection matched")
		}
	})
}

func TestDispatcherQueuedPromptChimes(t *testing.T) {
	clock := clockz.NewFakeClock()
	sink := &recordingSink{}
	d := NewDispatcher("gate-1", sink, clock, DefaultChimeInterval, zerolog.Nop())

	first, _ := d.Submit(classification("A1", parking.NewEntry))
	clock.Advance(3 * time.Second)
	d.Submit(classification("EXIT1", parking.PendingExit))

	if active, _ := d.Active(); active.ID != first.ID {
		t.Fatal("active prompt replaced")
	}
	if n := sink.kinds(parking.NotifyChime); n != 2 {
		t.Fatalf("chimes = %d, want 2: a queued arrival outside the window must chime", n)
	}

	d.Resolve(first.ID)
	if n := sink.kinds(parking.NotifyChime); n != 2 {
		t.Fatalf("chimes = %d, showing an already announced prompt must not chime again", n)
	}
}
