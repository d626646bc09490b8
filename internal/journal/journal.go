package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long an unprocessed detection stays eligible for replay.
const DefaultTTL = time.Hour

var ErrNotFound = errors.New("journal record not found")

// Record is a detection the console has surfaced but the operator has not yet
// resolved.
type Record struct {
	LocalID     string
	EventID     string
	PlateNumber string
	GateID      string
	Direction   string
	Timestamp   time.Time
	Processed   bool
	CreatedAt   time.Time
}

// Memory is a process-local journal, used when no journal file is configured.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Record(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.LocalID] = rec
	return nil
}

func (m *Memory) MarkProcessed(ctx context.Context, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[localID]
	if !ok {
		return ErrNotFound
	}
	rec.Processed = true
	m.records[localID] = rec
	return nil
}

func (m *Memory) Pending(ctx context.Context, gateID string, since time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if rec.Processed || rec.GateID != gateID || rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Purge(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, rec := range m.records {
		if rec.Processed || rec.CreatedAt.Before(before) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}
