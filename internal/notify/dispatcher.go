package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"golang.org/x/time/rate"

	"parking-gate-service/internal/domain/anpr"
	"parking-gate-service/internal/domain/parking"
)

var ErrPromptNotFound = errors.New("prompt not found")

const DefaultChimeInterval = 2200 * time.Millisecond

// Sink receives every notification the dispatcher produces.
type Sink interface {
	Publish(n parking.Notification)
}

type SinkFunc func(n parking.Notification)

func (f SinkFunc) Publish(n parking.Notification) { f(n) }

// Dispatcher owns the single operator prompt slot of one gate. Exits wait
// ahead of entries; the prompt on screen is never replaced by a newer one.
type Dispatcher struct {
	gateID string
	sink   Sink
	clock  clockz.Clock
	chime  *rate.Limiter
	log    zerolog.Logger

	mu      sync.Mutex
	active  *parking.Prompt
	pending []parking.Prompt
}

func NewDispatcher(gateID string, sink Sink, clock clockz.Clock, chimeInterval time.Duration, log zerolog.Logger) *Dispatcher {
	if clock == nil {
		clock = clockz.RealClock
	}
	if chimeInterval <= 0 {
		chimeInterval = DefaultChimeInterval
	}
	if sink == nil {
		sink = SinkFunc(func(parking.Notification) {})
	}
	return &Dispatcher{
		gateID: gateID,
		sink:   sink,
		clock:  clock,
		chime:  rate.NewLimiter(rate.Every(chimeInterval), 1),
		log:    log.With().Str("component", "dispatcher").Str("gate_id", gateID).Logger(),
	}
}

// Submit queues a prompt for cl. IGNORE classifications are not surfaced.
func (d *Dispatcher) Submit(cl parking.Classification) (parking.Prompt, bool) {
	if cl.Disposition == parking.Ignore {
		return parking.Prompt{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p := parking.Prompt{
		ID:             uuid.NewString(),
		Classification: cl,
		QueuedAt:       d.clock.Now(),
	}

	if d.active == nil {
		d.showLocked(p)
		d.chimeLocked()
		return *d.active, true
	}

	d.enqueueLocked(p)
	d.chimeLocked()
	d.log.Debug().
		Str("prompt_id", p.ID).
		Str("plate", cl.Event.Plate).
		Int("pending", len(d.pending)).
		Msg("prompt queued behind active prompt")
	return p, true
}

// chimeLocked sounds the audible alert for an arriving prompt, at most once
// per chime interval.
func (d *Dispatcher) chimeLocked() {
	now := d.clock.Now()
	if d.chime.AllowN(now, 1) {
		d.sink.Publish(parking.Notification{GateID: d.gateID, Kind: parking.NotifyChime, At: now})
	}
}

func (d *Dispatcher) enqueueLocked(p parking.Prompt) {
	if p.Classification.Disposition != parking.PendingExit {
		d.pending = append(d.pending, p)
		return
	}
	i := 0
	for i < len(d.pending) && d.pending[i].Classification.Disposition == parking.PendingExit {
		i++
	}
	d.pending = append(d.pending, parking.Prompt{})
	copy(d.pending[i+1:], d.pending[i:])
	d.pending[i] = p
}

func (d *Dispatcher) showLocked(p parking.Prompt) {
	now := d.clock.Now()
	p.ShownAt = now
	d.active = &p

	shown := p
	d.sink.Publish(parking.Notification{
		GateID: d.gateID,
		Kind:   parking.NotifyPrompt,
		Prompt: &shown,
		At:     now,
	})
}

func (d *Dispatcher) advanceLocked() {
	d.active = nil
	if len(d.pending) == 0 {
		return
	}
	next := d.pending[0]
	d.pending = d.pending[1:]
	d.showLocked(next)
}

func (d *Dispatcher) Active() (parking.Prompt, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return parking.Prompt{}, false
	}
	return *d.active, true
}

func (d *Dispatcher) Pending() []parking.Prompt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]parking.Prompt(nil), d.pending...)
}

// Find looks a prompt up in the active slot and the queue.
func (d *Dispatcher) Find(promptID string) (parking.Prompt, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil && d.active.ID == promptID {
		return *d.active, true
	}
	for _, p := range d.pending {
		if p.ID == promptID {
			return p, true
		}
	}
	return parking.Prompt{}, false
}

// Outstanding reports whether ev already backs the active or a queued prompt.
func (d *Dispatcher) Outstanding(ev anpr.DetectionEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil && sameDetection(d.active.Classification.Event, ev) {
		return true
	}
	for _, p := range d.pending {
		if sameDetection(p.Classification.Event, ev) {
			return true
		}
	}
	return false
}

func sameDetection(a, b anpr.DetectionEvent) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	return a.CompositeKey() == b.CompositeKey()
}

// Resolve removes a prompt after the operator confirmed or dismissed it.
func (d *Dispatcher) Resolve(promptID string) (parking.Prompt, error) {
	return d.remove(promptID, "")
}

// Processed removes a prompt that was handled elsewhere and, when it was on
// screen, leaves a neutral notice in its place.
func (d *Dispatcher) Processed(promptID, notice string) (parking.Prompt, error) {
	if notice == "" {
		notice = "detection already processed"
	}
	return d.remove(promptID, notice)
}

// ProcessedPlate withdraws every prompt for plate, e.g. after another console
// closed the passage, and returns the withdrawn prompts.
func (d *Dispatcher) ProcessedPlate(plate, notice string) []parking.Prompt {
	d.mu.Lock()
	var ids []string
	if d.active != nil && d.active.Classification.Event.Plate == plate {
		ids = append(ids, d.active.ID)
	}
	for _, p := range d.pending {
		if p.Classification.Event.Plate == plate {
			ids = append(ids, p.ID)
		}
	}
	d.mu.Unlock()

	var out []parking.Prompt
	for _, id := range ids {
		if p, err := d.Processed(id, notice); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (d *Dispatcher) remove(promptID, notice string) (parking.Prompt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil && d.active.ID == promptID {
		removed := *d.active
		now := d.clock.Now()
		d.sink.Publish(parking.Notification{GateID: d.gateID, Kind: parking.NotifyCleared, Prompt: &removed, At: now})
		if notice != "" {
			d.sink.Publish(parking.Notification{GateID: d.gateID, Kind: parking.NotifyNotice, Message: notice, At: now})
		}
		d.advanceLocked()
		return removed, nil
	}

	for i, p := range d.pending {
		if p.ID == promptID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return p, nil
		}
	}
	return parking.Prompt{}, fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
}

// Reset drops the active prompt and the queue without notifying.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = nil
	d.pending = nil
}
