package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"parking-gate-service/internal/detection"
	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/ledger"
	"parking-gate-service/internal/notify"
)

var (
	ErrSessionNotFound = errors.New("gate session not found")
	ErrGateInUse       = errors.New("gate session belongs to another station")
)

// Transports builds the push and poll transports for one gate.
type Transports func(gateID string) (detection.PushTransport, detection.PollTransport)

type ManagerDeps struct {
	Transports Transports
	Vehicles   VehicleStore
	Rates      RateProvider
	Passages   PassageStore
	Journal    Journal
	Barrier    BarrierOpener
	Sink       notify.Sink
}

// Manager owns the running gate sessions. Sessions of the same station share
// one ledger so an exit gate sees passages opened at any entry gate.
type Manager struct {
	ctx  context.Context
	base Config
	deps ManagerDeps
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Orchestrator
	ledgers  map[string]*ledger.Ledger
}

// NewManager binds sessions to ctx: they outlive the request that opened them
// and stop when ctx is cancelled or Close is called.
func NewManager(ctx context.Context, base Config, deps ManagerDeps, log zerolog.Logger) *Manager {
	return &Manager{
		ctx:      ctx,
		base:     base,
		deps:     deps,
		log:      log.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*Orchestrator),
		ledgers:  make(map[string]*ledger.Ledger),
	}
}

// Open starts a session for gateID or returns the running one.
func (m *Manager) Open(ctx context.Context, gateID, stationID string) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.sessions[gateID]; ok {
		if o.StationID() != stationID {
			return nil, fmt.Errorf("%w: gate %s is open for station %s", ErrGateInUse, gateID, o.StationID())
		}
		return o, nil
	}

	l, err := m.ledgerLocked(ctx, stationID)
	if err != nil {
		return nil, err
	}

	var push detection.PushTransport
	var poll detection.PollTransport
	if m.deps.Transports != nil {
		push, poll = m.deps.Transports(gateID)
	}

	cfg := m.base
	cfg.GateID = gateID
	cfg.StationID = stationID

	o, err := New(cfg, Deps{
		Push:            push,
		Poll:            poll,
		Vehicles:        m.deps.Vehicles,
		Rates:           m.deps.Rates,
		Passages:        m.deps.Passages,
		Journal:         m.deps.Journal,
		Barrier:         m.deps.Barrier,
		Sink:            m.deps.Sink,
		OnPassageClosed: m.passageClosed,
	}, l, m.log)
	if err != nil {
		return nil, err
	}
	if err := o.Start(m.ctx); err != nil {
		return nil, err
	}

	m.sessions[gateID] = o
	m.log.Info().Str("gate_id", gateID).Str("station_id", stationID).Int("sessions", len(m.sessions)).Msg("gate session opened")
	return o, nil
}

func (m *Manager) ledgerLocked(ctx context.Context, stationID string) (*ledger.Ledger, error) {
	if l, ok := m.ledgers[stationID]; ok {
		return l, nil
	}

	active, err := m.deps.Passages.ListActive(ctx, stationID)
	if err != nil {
		return nil, fmt.Errorf("load active passages for station %s: %w", stationID, err)
	}
	l := ledger.New()
	if err := l.Load(active); err != nil {
		return nil, fmt.Errorf("load active passages for station %s: %w", stationID, err)
	}
	m.ledgers[stationID] = l
	m.log.Info().Str("station_id", stationID).Int("active_passages", len(active)).Msg("station ledger loaded")
	return l, nil
}

func (m *Manager) Get(gateID string) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.sessions[gateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, gateID)
	}
	return o, nil
}

func (m *Manager) Close(gateID string) error {
	m.mu.Lock()
	o, ok := m.sessions[gateID]
	delete(m.sessions, gateID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, gateID)
	}
	o.Stop()
	return nil
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Orchestrator)
	m.mu.Unlock()

	for _, o := range sessions {
		o.Stop()
	}
}

func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	sessions := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		sessions = append(sessions, o)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, o := range sessions {
		out = append(out, o.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GateID < out[j].GateID })
	return out
}

// Reload re-reads the active passages of a station and applies the backend
// state to its ledger, e.g. passages closed from another console.
func (m *Manager) Reload(ctx context.Context, stationID string) (int, error) {
	m.mu.Lock()
	l, ok := m.ledgers[stationID]
	m.mu.Unlock()
	if !ok {
		return 0, nil
	}

	active, err := m.deps.Passages.ListActive(ctx, stationID)
	if err != nil {
		return 0, fmt.Errorf("reload station %s: %w", stationID, err)
	}

	stillActive := make(map[string]bool, len(active))
	changed := 0
	for _, p := range active {
		stillActive[p.ID.String()] = true
		if _, ok := l.LookupActive(p.PlateNumber); !ok && l.Reconcile(p) {
			changed++
		}
	}
	for _, p := range l.Active() {
		if stillActive[p.ID.String()] {
			continue
		}
		p.Status = parking.PassageCompleted
		if l.Reconcile(p) {
			changed++
			m.passageClosed(stationID, "", p.PlateNumber)
		}
	}
	return changed, nil
}

func (m *Manager) passageClosed(stationID, gateID, plate string) {
	m.mu.Lock()
	var siblings []*Orchestrator
	for id, o := range m.sessions {
		if id != gateID && o.StationID() == stationID {
			siblings = append(siblings, o)
		}
	}
	m.mu.Unlock()

	for _, o := range siblings {
		if n := o.Withdraw(m.ctx, plate, "passage closed at another gate"); n > 0 {
			m.log.Info().Str("gate_id", o.GateID()).Str("plate", plate).Int("withdrawn", n).Msg("stale prompts withdrawn")
		}
	}
}

// ActivePassages lists the open passages of a station's ledger. Stations
// without a running session have no ledger and report ErrSessionNotFound.
func (m *Manager) ActivePassages(stationID string) ([]parking.Passage, error) {
	m.mu.Lock()
	l, ok := m.ledgers[stationID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no session for station %s", ErrSessionNotFound, stationID)
	}
	return l.Active(), nil
}
