package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"parking-gate-service/internal/detection"
	"parking-gate-service/internal/domain/anpr"
	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/ledger"
	"parking-gate-service/internal/utils"
)

type memVehicles struct {
	mu       sync.Mutex
	vehicles map[string]parking.Vehicle
}

func newMemVehicles(vs ...parking.Vehicle) *memVehicles {
	m := &memVehicles{vehicles: make(map[string]parking.Vehicle)}
	for _, v := range vs {
		m.vehicles[v.PlateNumber] = v
	}
	return m
}

func (m *memVehicles) GetVehicle(ctx context.Context, plate string) (parking.Vehicle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[utils.NormalizePlate(plate)]
	return v, ok, nil
}

func (m *memVehicles) SaveVehicle(ctx context.Context, v parking.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.vehicles[v.PlateNumber]; ok && !v.PaidUntil.Valid {
		v.PaidUntil = existing.PaidUntil
	}
	m.vehicles[v.PlateNumber] = v
	return nil
}

func (m *memVehicles) SetPaidUntil(ctx context.Context, plate string, paidUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.vehicles[plate]
	v.PlateNumber = plate
	v.PaidUntil.Time, v.PaidUntil.Valid = paidUntil, true
	m.vehicles[plate] = v
	return nil
}

func (m *memVehicles) get(plate string) parking.Vehicle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vehicles[plate]
}

type rateTable map[int64]float64

func (r rateTable) GetDailyRate(ctx context.Context, bodyTypeID int64, stationID string) (float64, bool, error) {
	rate, ok := r[bodyTypeID]
	return rate, ok, nil
}

type memPassages struct {
	mu       sync.Mutex
	passages map[string]parking.Passage
}

func newMemPassages(ps ...parking.Passage) *memPassages {
	m := &memPassages{passages: make(map[string]parking.Passage)}
	for _, p := range ps {
		m.passages[p.ID.String()] = p
	}
	return m
}

func (m *memPassages) PersistPassageOpen(ctx context.Context, p parking.Passage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.passages {
		if existing.PlateNumber == p.PlateNumber && existing.IsActive() {
			return fmt.Errorf("%w: %s", ledger.ErrConflict, p.PlateNumber)
		}
	}
	m.passages[p.ID.String()] = p
	return nil
}

func (m *memPassages) PersistPassageClose(ctx context.Context, p parking.Passage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.passages[p.ID.String()]
	if !ok || !existing.IsActive() {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, p.PlateNumber)
	}
	m.passages[p.ID.String()] = p
	return nil
}

func (m *memPassages) PersistPassageUpdate(ctx context.Context, p parking.Passage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passages[p.ID.String()] = p
	return nil
}

func (m *memPassages) ListActive(ctx context.Context, stationID string) ([]parking.Passage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []parking.Passage
	for _, p := range m.passages {
		if p.IsActive() && p.StationID == stationID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPassages) activeFor(plate string) []parking.Passage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []parking.Passage
	for _, p := range m.passages {
		if p.PlateNumber == plate && p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

type chanSub struct {
	events chan anpr.DetectionEvent
	states chan detection.ChannelState
	once   sync.Once
}

func (s *chanSub) Events() <-chan anpr.DetectionEvent    { return s.events }
func (s *chanSub) States() <-chan detection.ChannelState { return s.states }
func (s *chanSub) Unsubscribe()                          { s.once.Do(func() {}) }

type chanPush struct {
	sub *chanSub
}

func newChanPush() *chanPush {
	return &chanPush{sub: &chanSub{
		events: make(chan anpr.DetectionEvent, 16),
		states: make(chan detection.ChannelState, 1),
	}}
}

func (p *chanPush) Subscribe(ctx context.Context, gateID string) (detection.Subscription, error) {
	return p.sub, nil
}

func (p *chanPush) send(ev anpr.DetectionEvent) { p.sub.events <- ev }

type staticPoll struct {
	mu     sync.Mutex
	events []anpr.DetectionEvent
	acked  []string
}

func (p *staticPoll) FetchPendingEntryDetections(ctx context.Context, gateID string) ([]anpr.DetectionEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]anpr.DetectionEvent(nil), p.events...), nil
}

func (p *staticPoll) FetchPendingExitDetections(ctx context.Context, gateID string) ([]anpr.DetectionEvent, error) {
	return nil, nil
}

func (p *staticPoll) Acknowledge(ctx context.Context, ev anpr.DetectionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acked = append(p.acked, ev.Key())
	return nil
}

type countingBarrier struct {
	mu     sync.Mutex
	opened []string
}

func (b *countingBarrier) Open(ctx context.Context, gateID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, gateID)
	return nil
}

func (b *countingBarrier) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.opened)
}

type notifications struct {
	mu    sync.Mutex
	items []parking.Notification
}

func (n *notifications) Publish(item parking.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
}

func (n *notifications) prompts(plate string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, it := range n.items {
		if it.Kind == parking.NotifyPrompt && it.Prompt != nil && it.Prompt.Classification.Event.Plate == plate {
			count++
		}
	}
	return count
}

func detectionAt(t *testing.T, id, plate, gateID string, dir anpr.Direction, ts time.Time) anpr.DetectionEvent {
	t.Helper()
	ev, err := anpr.NewDetectionEvent(id, plate, gateID, dir, ts, anpr.VehicleInfo{}, anpr.SourcePush)
	if err != nil {
		t.Fatalf("build detection: %v", err)
	}
	return ev
}

func waitForPrompt(t *testing.T, o *Orchestrator) parking.Prompt {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := o.Status(); st.Active != nil {
			return *st.Active
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a prompt")
	return parking.Prompt{}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
