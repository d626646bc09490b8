package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v4"

	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/utils"
)

var (
	ErrConflict = errors.New("vehicle already has an active passage")
	ErrNotFound = errors.New("no active passage for vehicle")
)

// Ledger is the in-memory view of open passages, keyed by normalized plate.
// It holds at most one active passage per plate. Callers only ever see copies.
type Ledger struct {
	mu     sync.RWMutex
	active map[string]*parking.Passage
}

func New() *Ledger {
	return &Ledger{active: make(map[string]*parking.Passage)}
}

func (l *Ledger) Open(plate, stationID, gateID string, entryTime time.Time, bodyTypeID null.Int, dailyRate null.Float) (parking.Passage, error) {
	key := utils.NormalizePlate(plate)
	if key == "" {
		return parking.Passage{}, fmt.Errorf("open passage: empty plate")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.active[key]; ok {
		return parking.Passage{}, fmt.Errorf("%w: %s", ErrConflict, key)
	}

	p := &parking.Passage{
		ID:          uuid.New(),
		PlateNumber: key,
		StationID:   stationID,
		EntryGateID: gateID,
		EntryTime:   entryTime.UTC(),
		BodyTypeID:  bodyTypeID,
		DailyRate:   dailyRate,
		Status:      parking.PassageActive,
	}
	l.active[key] = p
	return *p, nil
}

// Close completes the active passage and freezes its total amount.
func (l *Ledger) Close(plate, exitGateID string, exitTime time.Time, totalAmount float64) (parking.Passage, error) {
	key := utils.NormalizePlate(plate)

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.active[key]
	if !ok {
		return parking.Passage{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(l.active, key)

	p.Status = parking.PassageCompleted
	p.ExitTime = null.TimeFrom(exitTime.UTC())
	p.TotalAmount = null.FloatFrom(totalAmount)
	if exitGateID != "" {
		p.ExitGateID = null.StringFrom(exitGateID)
	}
	return *p, nil
}

// Cancel drops the active passage without billing it.
func (l *Ledger) Cancel(plate string) (parking.Passage, error) {
	key := utils.NormalizePlate(plate)

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.active[key]
	if !ok {
		return parking.Passage{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(l.active, key)
	p.Status = parking.PassageCancelled
	return *p, nil
}

func (l *Ledger) LookupActive(plate string) (parking.Passage, bool) {
	key := utils.NormalizePlate(plate)

	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.active[key]
	if !ok {
		return parking.Passage{}, false
	}
	return *p, true
}

func (l *Ledger) SetBodyType(plate string, bodyTypeID int64, dailyRate null.Float) (parking.Passage, error) {
	key := utils.NormalizePlate(plate)

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.active[key]
	if !ok {
		return parking.Passage{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	p.BodyTypeID = null.IntFrom(bodyTypeID)
	p.DailyRate = dailyRate
	return *p, nil
}

// Load seeds the ledger with passages read from the store. Non-active
// passages are skipped; a second active passage for a plate is a conflict.
func (l *Ledger) Load(passages []parking.Passage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range passages {
		p := passages[i]
		if !p.IsActive() {
			continue
		}
		key := utils.NormalizePlate(p.PlateNumber)
		if existing, ok := l.active[key]; ok && existing.ID != p.ID {
			return fmt.Errorf("%w: %s loaded twice (%s, %s)", ErrConflict, key, existing.ID, p.ID)
		}
		p.PlateNumber = key
		l.active[key] = &p
	}
	return nil
}

// Reconcile applies a state reported by the backend, e.g. a passage closed by
// another operator. It reports whether the view changed.
func (l *Ledger) Reconcile(p parking.Passage) bool {
	key := utils.NormalizePlate(p.PlateNumber)

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.active[key]
	if p.IsActive() {
		if ok && current.ID != p.ID {
			return false
		}
		p.PlateNumber = key
		l.active[key] = &p
		return true
	}
	if ok && current.ID == p.ID {
		delete(l.active, key)
		return true
	}
	return false
}

func (l *Ledger) Active() []parking.Passage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]parking.Passage, 0, len(l.active))
	for _, p := range l.active {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}
