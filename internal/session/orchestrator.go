package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"gopkg.in/guregu/null.v4"

	"parking-gate-service/internal/billing"
	"parking-gate-service/internal/classifier"
	"parking-gate-service/internal/detection"
	"parking-gate-service/internal/domain/anpr"
	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/journal"
	"parking-gate-service/internal/ledger"
	"parking-gate-service/internal/notify"
)

var (
	ErrBodyTypeRequired = errors.New("body type is required for a new vehicle")
	ErrPromptNotFound   = notify.ErrPromptNotFound
	ErrWrongPrompt      = errors.New("prompt does not match the requested action")
)

const barrierTimeout = 5 * time.Second

type Config struct {
	GateID        string
	StationID     string
	Source        detection.Config
	SeenCapacity  int
	SeenWindow    time.Duration
	ChimeInterval time.Duration
	JournalTTL    time.Duration
}

type Deps struct {
	Push     detection.PushTransport
	Poll     detection.PollTransport
	Vehicles VehicleStore
	Rates    RateProvider
	Passages PassageStore
	Journal  Journal
	Barrier  BarrierOpener
	Sink     notify.Sink
	Clock    clockz.Clock

	// OnPassageClosed runs after an exit is committed, outside the session lock.
	OnPassageClosed func(stationID, gateID, plate string)
}

// Orchestrator wires one gate session: source, classifier, dispatcher and
// the station ledger. Detections are handled on the source goroutine;
// operator commands serialize with them through mu.
type Orchestrator struct {
	cfg        Config
	deps       Deps
	ledger     *ledger.Ledger
	classifier *classifier.Classifier
	dispatcher *notify.Dispatcher
	source     *detection.Source
	acker      detection.Acknowledger
	clock      clockz.Clock
	log        zerolog.Logger

	mu         sync.Mutex
	journalIDs map[string]string
}

type Status struct {
	GateID       string                 `json:"gate_id"`
	StationID    string                 `json:"station_id"`
	ChannelState detection.ChannelState `json:"channel_state"`
	PollInterval string                 `json:"poll_interval"`
	Visible      bool                   `json:"visible"`
	Active       *parking.Prompt        `json:"active,omitempty"`
	Pending      []parking.Prompt       `json:"pending"`
}

func New(cfg Config, deps Deps, l *ledger.Ledger, log zerolog.Logger) (*Orchestrator, error) {
	if cfg.GateID == "" {
		return nil, fmt.Errorf("new gate session: empty gate id")
	}
	if deps.Vehicles == nil || deps.Rates == nil || deps.Passages == nil {
		return nil, fmt.Errorf("new gate session %s: vehicle, rate and passage stores are required", cfg.GateID)
	}
	if l == nil {
		l = ledger.New()
	}
	if deps.Clock == nil {
		deps.Clock = clockz.RealClock
	}
	if cfg.JournalTTL <= 0 {
		cfg.JournalTTL = journal.DefaultTTL
	}
	if cfg.SeenWindow <= 0 {
		cfg.SeenWindow = time.Hour
	}

	log = log.With().Str("gate_id", cfg.GateID).Str("station_id", cfg.StationID).Logger()

	o := &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		ledger:     l,
		classifier: classifier.New(deps.Vehicles, l, cfg.StationID, log),
		dispatcher: notify.NewDispatcher(cfg.GateID, deps.Sink, deps.Clock, cfg.ChimeInterval, log),
		clock:      deps.Clock,
		log:        log.With().Str("component", "session").Logger(),
		journalIDs: make(map[string]string),
	}
	if a, ok := deps.Poll.(detection.Acknowledger); ok {
		o.acker = a
	}

	seen := detection.NewSeenSet(cfg.SeenCapacity, cfg.SeenWindow, deps.Clock)
	o.source = detection.NewSource(cfg.Source, deps.Push, deps.Poll, seen, deps.Clock, o.handle, log)
	return o, nil
}

func (o *Orchestrator) GateID() string    { return o.cfg.GateID }
func (o *Orchestrator) StationID() string { return o.cfg.StationID }

// Start replays unresolved journal records and then starts intake.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.replay(ctx); err != nil {
		o.log.Warn().Err(err).Msg("journal replay failed")
	}
	if err := o.source.Start(ctx, o.cfg.GateID); err != nil {
		o.dispatcher.Reset()
		return fmt.Errorf("start gate session %s: %w", o.cfg.GateID, err)
	}
	o.log.Info().Msg("gate session started")
	return nil
}

func (o *Orchestrator) Stop() {
	o.source.Stop()
	o.dispatcher.Reset()

	o.mu.Lock()
	o.journalIDs = make(map[string]string)
	o.mu.Unlock()

	o.log.Info().Msg("gate session stopped")
}

func (o *Orchestrator) SetVisible(v bool) { o.source.SetVisible(v) }
func (o *Orchestrator) Refresh()          { o.source.Refresh() }

func (o *Orchestrator) Status() Status {
	st := Status{
		GateID:       o.cfg.GateID,
		StationID:    o.cfg.StationID,
		ChannelState: o.source.State(),
		PollInterval: o.source.PollInterval().String(),
		Visible:      o.source.Visible(),
		Pending:      o.dispatcher.Pending(),
	}
	if p, ok := o.dispatcher.Active(); ok {
		st.Active = &p
	}
	return st
}

// Snapshot is what a newly attached console needs to render the current slot.
func (o *Orchestrator) Snapshot() []parking.Notification {
	p, ok := o.dispatcher.Active()
	if !ok {
		return nil
	}
	return []parking.Notification{{
		GateID: o.cfg.GateID,
		Kind:   parking.NotifyPrompt,
		Prompt: &p,
		At:     o.clock.Now(),
	}}
}

func (o *Orchestrator) replay(ctx context.Context) error {
	if o.deps.Journal == nil {
		return nil
	}

	cutoff := o.clock.Now().Add(-o.cfg.JournalTTL)
	if n, err := o.deps.Journal.Purge(ctx, cutoff); err != nil {
		o.log.Warn().Err(err).Msg("journal purge failed")
	} else if n > 0 {
		o.log.Debug().Int64("purged", n).Msg("expired journal records discarded")
	}

	recs, err := o.deps.Journal.Pending(ctx, o.cfg.GateID, cutoff)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, rec := range recs {
		dir, ok := anpr.ParseDirection(rec.Direction)
		if !ok {
			o.markJournal(ctx, rec.LocalID)
			continue
		}
		ev, err := anpr.NewDetectionEvent(rec.EventID, rec.PlateNumber, rec.GateID, dir, rec.Timestamp, anpr.VehicleInfo{}, anpr.SourcePoll)
		if err != nil {
			o.log.Warn().Err(err).Str("local_id", rec.LocalID).Msg("discarding malformed journal record")
			o.markJournal(ctx, rec.LocalID)
			continue
		}

		o.source.MarkSeen(ev)
		if err := o.dispatchLocked(ctx, ev, rec.LocalID); err != nil {
			o.source.Forget(ev)
			o.log.Warn().Err(err).Str("plate", ev.Plate).Msg("journal replay of detection failed")
			continue
		}
		o.log.Info().Str("plate", ev.Plate).Str("direction", string(ev.Direction)).Msg("detection replayed from journal")
	}
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, ev anpr.DetectionEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dispatchLocked(ctx, ev, "")
}

func (o *Orchestrator) dispatchLocked(ctx context.Context, ev anpr.DetectionEvent, localID string) error {
	if o.dispatcher.Outstanding(ev) {
		o.log.Debug().Str("plate", ev.Plate).Str("key", ev.Key()).Msg("detection already has an open prompt")
		if localID != "" {
			o.markJournal(ctx, localID)
		}
		return nil
	}

	cl, err := o.classifier.Classify(ctx, ev)
	if err != nil {
		return err
	}

	o.log.Info().
		Str("plate", ev.Plate).
		Str("direction", string(ev.Direction)).
		Str("source", string(ev.Source)).
		Str("disposition", string(cl.Disposition)).
		Bool("requires_body_type", cl.RequiresBodyType).
		Msg("detection classified")

	if cl.Disposition == parking.Ignore {
		o.acknowledge(ctx, ev)
		if localID != "" {
			o.markJournal(ctx, localID)
		}
		return nil
	}

	if localID == "" {
		localID = o.recordJournal(ctx, ev)
	}
	prompt, _ := o.dispatcher.Submit(cl)
	if localID != "" {
		o.journalIDs[prompt.ID] = localID
	}
	return nil
}

// ConfirmEntry opens a passage for an entry prompt. bodyTypeID may be nil for
// a known vehicle; it is required for a new one.
func (o *Orchestrator) ConfirmEntry(ctx context.Context, promptID string, bodyTypeID *int64) (parking.Passage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prompt, ok := o.dispatcher.Find(promptID)
	if !ok {
		return parking.Passage{}, fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	cl := prompt.Classification
	if cl.Disposition != parking.NewEntry && cl.Disposition != parking.KnownEntry {
		return parking.Passage{}, fmt.Errorf("%w: %s is %s", ErrWrongPrompt, promptID, cl.Disposition)
	}

	bodyType := null.Int{}
	switch {
	case bodyTypeID != nil:
		bodyType = null.IntFrom(*bodyTypeID)
	case cl.Vehicle != nil && cl.Vehicle.BodyTypeID.Valid:
		bodyType = cl.Vehicle.BodyTypeID
	}
	if cl.Disposition == parking.NewEntry && !bodyType.Valid {
		return parking.Passage{}, ErrBodyTypeRequired
	}

	rate, err := o.dailyRate(ctx, bodyType)
	if err != nil {
		return parking.Passage{}, err
	}

	ev := cl.Event
	passage, err := o.ledger.Open(ev.Plate, o.cfg.StationID, o.cfg.GateID, ev.Timestamp, bodyType, rate)
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			o.dispatcher.Processed(promptID, "vehicle is already parked")
			o.finishLocked(ctx, prompt, false)
		}
		return parking.Passage{}, err
	}

	if err := o.deps.Passages.PersistPassageOpen(ctx, passage); err != nil {
		o.ledger.Cancel(passage.PlateNumber)
		if errors.Is(err, ledger.ErrConflict) {
			o.dispatcher.Processed(promptID, "vehicle is already parked")
			o.finishLocked(ctx, prompt, false)
		}
		return parking.Passage{}, fmt.Errorf("persist passage for %s: %w", passage.PlateNumber, err)
	}

	vehicle := parking.Vehicle{PlateNumber: passage.PlateNumber}
	if cl.Vehicle != nil {
		vehicle = *cl.Vehicle
	}
	if bodyType.Valid {
		vehicle.BodyTypeID = bodyType
	}
	if vehicle.Make == "" {
		vehicle.Make = ev.Vehicle.Make
	}
	if vehicle.Model == "" {
		vehicle.Model = ev.Vehicle.Model
	}
	if vehicle.Color == "" {
		vehicle.Color = ev.Vehicle.Color
	}
	if err := o.deps.Vehicles.SaveVehicle(ctx, vehicle); err != nil {
		o.log.Error().Err(err).Str("plate", vehicle.PlateNumber).Msg("failed to save vehicle")
	}

	o.dispatcher.Resolve(promptID)
	o.finishLocked(ctx, prompt, true)

	o.log.Info().
		Str("plate", passage.PlateNumber).
		Str("passage_id", passage.ID.String()).
		Bool("rated", passage.DailyRate.Valid).
		Msg("entry confirmed")
	return passage, nil
}

// ConfirmExit bills and closes the passage behind an exit prompt. A missing
// daily rate blocks the close with billing.ErrRateUnavailable.
func (o *Orchestrator) ConfirmExit(ctx context.Context, promptID string) (parking.Passage, parking.FeeQuote, error) {
	p, quote, err := o.confirmExit(ctx, promptID)
	if err == nil && o.deps.OnPassageClosed != nil {
		o.deps.OnPassageClosed(o.cfg.StationID, o.cfg.GateID, p.PlateNumber)
	}
	return p, quote, err
}

func (o *Orchestrator) confirmExit(ctx context.Context, promptID string) (parking.Passage, parking.FeeQuote, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prompt, ok := o.dispatcher.Find(promptID)
	if !ok {
		return parking.Passage{}, parking.FeeQuote{}, fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	cl := prompt.Classification
	if cl.Disposition != parking.PendingExit {
		return parking.Passage{}, parking.FeeQuote{}, fmt.Errorf("%w: %s is %s", ErrWrongPrompt, promptID, cl.Disposition)
	}

	plate := cl.Event.Plate
	active, ok := o.ledger.LookupActive(plate)
	if !ok {
		o.dispatcher.Processed(promptID, "passage already closed")
		o.finishLocked(ctx, prompt, false)
		return parking.Passage{}, parking.FeeQuote{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, plate)
	}

	exitTime := cl.Event.Timestamp
	if exitTime.Before(active.EntryTime) {
		exitTime = o.clock.Now()
	}

	paidUntil := o.paidUntil(ctx, plate)
	quote, err := billing.ComputeFee(active.DailyRate, active.EntryTime, exitTime, paidUntil)
	if err != nil {
		return parking.Passage{}, quote, fmt.Errorf("close passage for %s: %w", plate, err)
	}

	pending := active
	pending.Status = parking.PassageCompleted
	pending.ExitTime = null.TimeFrom(exitTime.UTC())
	pending.ExitGateID = null.StringFrom(o.cfg.GateID)
	pending.TotalAmount = null.FloatFrom(quote.Amount)

	if err := o.deps.Passages.PersistPassageClose(ctx, pending); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			o.ledger.Reconcile(pending)
			o.dispatcher.Processed(promptID, "passage was closed elsewhere")
			o.finishLocked(ctx, prompt, false)
		}
		return parking.Passage{}, quote, fmt.Errorf("persist passage close for %s: %w", plate, err)
	}

	closed, err := o.ledger.Close(plate, o.cfg.GateID, exitTime, quote.Amount)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			return parking.Passage{}, quote, err
		}
		// The store already holds this close; a sibling gate reconciled the
		// ledger entry away after losing the same race.
		o.log.Debug().Str("plate", plate).Msg("ledger entry already reconciled, keeping stored close")
		closed = pending
	}

	if !quote.FreeReentry {
		until := billing.PaidUntil(closed.EntryTime, quote.BillableDays)
		if err := o.deps.Vehicles.SetPaidUntil(ctx, plate, until); err != nil {
			o.log.Error().Err(err).Str("plate", plate).Msg("failed to record paid-until")
		}
	}

	o.dispatcher.Resolve(promptID)
	o.finishLocked(ctx, prompt, true)

	o.log.Info().
		Str("plate", plate).
		Str("passage_id", closed.ID.String()).
		Int("billable_days", quote.BillableDays).
		Float64("amount", quote.Amount).
		Bool("free_reentry", quote.FreeReentry).
		Msg("exit confirmed")
	return closed, quote, nil
}

// Dismiss drops a prompt without touching the ledger.
func (o *Orchestrator) Dismiss(ctx context.Context, promptID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	prompt, err := o.dispatcher.Resolve(promptID)
	if err != nil {
		return err
	}
	o.finishLocked(ctx, prompt, false)
	return nil
}

// MarkProcessed handles the signal that a detection was resolved elsewhere.
func (o *Orchestrator) MarkProcessed(ctx context.Context, promptID, notice string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	prompt, err := o.dispatcher.Processed(promptID, notice)
	if err != nil {
		return err
	}
	if id, ok := o.journalIDs[prompt.ID]; ok {
		delete(o.journalIDs, prompt.ID)
		o.markJournal(ctx, id)
	}
	o.source.Refresh()
	return nil
}

// Withdraw removes every prompt for plate, used when a sibling gate closed it.
func (o *Orchestrator) Withdraw(ctx context.Context, plate, notice string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	withdrawn := o.dispatcher.ProcessedPlate(plate, notice)
	for _, p := range withdrawn {
		if localID, ok := o.journalIDs[p.ID]; ok {
			delete(o.journalIDs, p.ID)
			o.markJournal(ctx, localID)
		}
	}
	return len(withdrawn)
}

// SetBodyType assigns a body type, and with it a daily rate, to the active
// passage of plate.
func (o *Orchestrator) SetBodyType(ctx context.Context, plate string, bodyTypeID int64) (parking.Passage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rate, err := o.dailyRate(ctx, null.IntFrom(bodyTypeID))
	if err != nil {
		return parking.Passage{}, err
	}

	p, err := o.ledger.SetBodyType(plate, bodyTypeID, rate)
	if err != nil {
		return parking.Passage{}, err
	}
	if err := o.deps.Passages.PersistPassageUpdate(ctx, p); err != nil {
		return p, fmt.Errorf("persist body type for %s: %w", p.PlateNumber, err)
	}

	v, found, err := o.deps.Vehicles.GetVehicle(ctx, p.PlateNumber)
	if err != nil {
		o.log.Warn().Err(err).Str("plate", p.PlateNumber).Msg("vehicle lookup failed while setting body type")
		return p, nil
	}
	if !found {
		v = parking.Vehicle{PlateNumber: p.PlateNumber}
	}
	v.BodyTypeID = null.IntFrom(bodyTypeID)
	if err := o.deps.Vehicles.SaveVehicle(ctx, v); err != nil {
		o.log.Error().Err(err).Str("plate", p.PlateNumber).Msg("failed to save vehicle body type")
	}
	return p, nil
}

// PreviewFee is the live amount owed by a parked vehicle.
func (o *Orchestrator) PreviewFee(ctx context.Context, plate string) (parking.FeeQuote, error) {
	p, ok := o.ledger.LookupActive(plate)
	if !ok {
		return parking.FeeQuote{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, plate)
	}
	return billing.Preview(p, o.paidUntil(ctx, p.PlateNumber), o.clock.Now()), nil
}

func (o *Orchestrator) dailyRate(ctx context.Context, bodyType null.Int) (null.Float, error) {
	if !bodyType.Valid {
		return null.Float{}, nil
	}
	rate, ok, err := o.deps.Rates.GetDailyRate(ctx, bodyType.Int64, o.cfg.StationID)
	if err != nil {
		return null.Float{}, fmt.Errorf("daily rate for body type %d: %w", bodyType.Int64, err)
	}
	if !ok {
		o.log.Warn().Int64("body_type_id", bodyType.Int64).Msg("no daily rate configured for body type")
		return null.Float{}, nil
	}
	return null.FloatFrom(rate), nil
}

func (o *Orchestrator) paidUntil(ctx context.Context, plate string) null.Time {
	v, found, err := o.deps.Vehicles.GetVehicle(ctx, plate)
	if err != nil {
		o.log.Warn().Err(err).Str("plate", plate).Msg("vehicle lookup failed, ignoring paid-until")
		return null.Time{}
	}
	if !found {
		return null.Time{}
	}
	return v.PaidUntil
}

func (o *Orchestrator) finishLocked(ctx context.Context, prompt parking.Prompt, openBarrier bool) {
	if id, ok := o.journalIDs[prompt.ID]; ok {
		delete(o.journalIDs, prompt.ID)
		o.markJournal(ctx, id)
	}
	o.acknowledge(ctx, prompt.Classification.Event)
	if openBarrier {
		o.openBarrier(ctx)
	}
	o.source.Refresh()
}

func (o *Orchestrator) recordJournal(ctx context.Context, ev anpr.DetectionEvent) string {
	if o.deps.Journal == nil {
		return ""
	}
	rec := journal.Record{
		LocalID:     uuid.NewString(),
		EventID:     ev.ID,
		PlateNumber: ev.Plate,
		GateID:      ev.GateID,
		Direction:   string(ev.Direction),
		Timestamp:   ev.Timestamp,
		CreatedAt:   o.clock.Now(),
	}
	if err := o.deps.Journal.Record(ctx, rec); err != nil {
		o.log.Warn().Err(err).Str("plate", ev.Plate).Msg("failed to journal detection")
		return ""
	}
	return rec.LocalID
}

func (o *Orchestrator) markJournal(ctx context.Context, localID string) {
	if o.deps.Journal == nil {
		return
	}
	if err := o.deps.Journal.MarkProcessed(ctx, localID); err != nil && !errors.Is(err, journal.ErrNotFound) {
		o.log.Warn().Err(err).Str("local_id", localID).Msg("failed to mark journal record processed")
	}
}

func (o *Orchestrator) acknowledge(ctx context.Context, ev anpr.DetectionEvent) {
	if o.acker == nil {
		return
	}
	if err := o.acker.Acknowledge(ctx, ev); err != nil {
		o.log.Warn().Err(err).Str("plate", ev.Plate).Str("event_id", ev.ID).Msg("failed to acknowledge detection")
	}
}

func (o *Orchestrator) openBarrier(ctx context.Context) {
	if o.deps.Barrier == nil {
		return
	}
	bctx, cancel := context.WithTimeout(ctx, barrierTimeout)
	defer cancel()
	if err := o.deps.Barrier.Open(bctx, o.cfg.GateID); err != nil {
		o.log.Error().Err(err).Msg("failed to open barrier")
	}
}
