package push

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"parking-gate-service/internal/detection"
	"parking-gate-service/internal/domain/anpr"
)

const subscriberBuffer = 64

// Hub is the in-process push channel. Ingest paths publish detections and
// every gate session subscribed to the gate receives them.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*hubSub]struct{}
	log  zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*hubSub]struct{}),
		log:  log.With().Str("component", "push_hub").Logger(),
	}
}

type hubSub struct {
	hub    *Hub
	gateID string
	events chan anpr.DetectionEvent
	states chan detection.ChannelState
	lagged chan struct{}
	once   sync.Once
}

func (s *hubSub) Events() <-chan anpr.DetectionEvent    { return s.events }
func (s *hubSub) States() <-chan detection.ChannelState { return s.states }
func (s *hubSub) Lagged() <-chan struct{}               { return s.lagged }
func (s *hubSub) Unsubscribe()                          { s.once.Do(func() { s.hub.remove(s) }) }

func (h *Hub) Subscribe(ctx context.Context, gateID string) (detection.Subscription, error) {
	s := &hubSub{
		hub:    h,
		gateID: gateID,
		events: make(chan anpr.DetectionEvent, subscriberBuffer),
		states: make(chan detection.ChannelState, 1),
		lagged: make(chan struct{}, 1),
	}
	s.states <- detection.StateConnected

	h.mu.Lock()
	set, ok := h.subs[gateID]
	if !ok {
		set = make(map[*hubSub]struct{})
		h.subs[gateID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	return s, nil
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[s.gateID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.gateID)
	}
	close(s.events)
	close(s.states)
	close(s.lagged)
}

// Publish never blocks: a subscriber whose buffer is full misses the event
// and is signalled on Lagged so it can catch up by polling.
func (h *Hub) Publish(ev anpr.DetectionEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.subs[ev.GateID] {
		select {
		case s.events <- ev:
			delivered++
		default:
			h.log.Warn().Str("gate_id", ev.GateID).Str("plate", ev.Plate).Msg("subscriber buffer full, detection dropped")
			select {
			case s.lagged <- struct{}{}:
			default:
			}
		}
	}
	return delivered
}

func (h *Hub) Subscribers(gateID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[gateID])
}
