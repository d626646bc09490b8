package detection

import (
	"container/list"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"parking-gate-service/internal/domain/anpr"
)

type seenEntry struct {
	keys   []string
	seenAt time.Time
}

// SeenSet remembers recently consumed detections. It is bounded by capacity
// and by a time window; whichever limit is hit first evicts the oldest entry.
type SeenSet struct {
	mu       sync.Mutex
	clock    clockz.Clock
	capacity int
	window   time.Duration
	order    *list.List
	index    map[string]*list.Element
}

func NewSeenSet(capacity int, window time.Duration, clock clockz.Clock) *SeenSet {
	if capacity <= 0 {
		capacity = 1024
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &SeenSet{
		clock:    clock,
		capacity: capacity,
		window:   window,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func eventKeys(ev anpr.DetectionEvent) []string {
	if ev.ID != "" {
		return []string{ev.Key(), ev.CompositeKey()}
	}
	return []string{ev.CompositeKey()}
}

// Seen reports whether any key of ev was already consumed.
func (s *SeenSet) Seen(ev anpr.DetectionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	for _, k := range eventKeys(ev) {
		if _, ok := s.index[k]; ok {
			return true
		}
	}
	return false
}

// Add records ev and reports false when it was already present. A repeated
// delivery restarts the window of the stored entry, so a detection that a
// pending queue keeps returning stays suppressed for as long as it is served.
func (s *SeenSet) Add(ev anpr.DetectionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	now := s.clock.Now()
	keys := eventKeys(ev)
	for _, k := range keys {
		if el, ok := s.index[k]; ok {
			el.Value.(*seenEntry).seenAt = now
			s.order.MoveToBack(el)
			return false
		}
	}

	el := s.order.PushBack(&seenEntry{keys: keys, seenAt: now})
	for _, k := range keys {
		s.index[k] = el
	}
	for s.order.Len() > s.capacity {
		s.removeLocked(s.order.Front())
	}
	return true
}

func (s *SeenSet) Forget(ev anpr.DetectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range eventKeys(ev) {
		if el, ok := s.index[k]; ok {
			s.removeLocked(el)
		}
	}
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	return s.order.Len()
}

func (s *SeenSet) evictLocked() {
	if s.window <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.window)
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if el.Value.(*seenEntry).seenAt.After(cutoff) {
			return
		}
		s.removeLocked(el)
	}
}

func (s *SeenSet) removeLocked(el *list.Element) {
	entry := el.Value.(*seenEntry)
	for _, k := range entry.keys {
		if s.index[k] == el {
			delete(s.index, k)
		}
	}
	s.order.Remove(el)
}
