package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"parking-gate-service/internal/domain/anpr"
)

var (
	ErrAlreadyStarted = errors.New("detection source already started")
	ErrNoTransport    = errors.New("detection source has neither push nor poll transport")
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultPollTimeout  = 5 * time.Second
)

type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Source merges a push subscription and a polling fallback for one gate into a
// single deduplicated stream. All intake happens on one goroutine, so emit is
// never called concurrently.
type Source struct {
	cfg   Config
	push  PushTransport
	poll  PollTransport
	seen  *SeenSet
	clock clockz.Clock
	emit  EmitFunc
	log   zerolog.Logger

	mu      sync.Mutex
	gateID  string
	state   ChannelState
	visible bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	visibility chan bool
	refresh    chan struct{}
}

func NewSource(cfg Config, push PushTransport, poll PollTransport, seen *SeenSet, clock clockz.Clock, emit EmitFunc, log zerolog.Logger) *Source {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	if seen == nil {
		seen = NewSeenSet(0, 30*time.Minute, clock)
	}
	return &Source{
		cfg:        cfg,
		push:       push,
		poll:       poll,
		seen:       seen,
		clock:      clock,
		emit:       emit,
		log:        log.With().Str("component", "detection_source").Logger(),
		state:      StateDisconnected,
		visible:    true,
		visibility: make(chan bool),
		refresh:    make(chan struct{}, 1),
	}
}

// Start subscribes to the push channel and starts the intake loop. A failed
// subscription is not an error: polling covers the gap.
func (s *Source) Start(ctx context.Context, gateID string) (err error) {
	if gateID == "" {
		return fmt.Errorf("start detection source: empty gate id")
	}
	if s.push == nil && s.poll == nil {
		return ErrNoTransport
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.gateID = gateID
	s.state = StateConnecting
	s.cancel = cancel
	s.done = make(chan struct{})
	s.log = s.log.With().Str("gate_id", gateID).Logger()
	s.mu.Unlock()

	var sub Subscription
	defer func() {
		if err == nil {
			return
		}
		if sub != nil {
			sub.Unsubscribe()
		}
		cancel()
		close(s.done)
		s.setState(StateDisconnected)
	}()

	if s.push != nil {
		sub, err = s.push.Subscribe(runCtx, gateID)
		if err != nil {
			s.log.Warn().Err(err).Msg("push subscription failed, falling back to polling")
			sub, err = nil, nil
			s.setState(StateDisconnected)
		}
	} else {
		s.setState(StateDisconnected)
	}

	if err := runCtx.Err(); err != nil {
		return fmt.Errorf("start detection source: %w", err)
	}

	go s.run(runCtx, sub)
	return nil
}

// Stop releases the subscription and the poll timer and waits for the loop to
// exit. It cancels an in-flight poll and is safe to call more than once.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.setState(StateDisconnected)
}

func (s *Source) State() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PollInterval is zero while the push channel is connected.
func (s *Source) PollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollIntervalLocked()
}

func (s *Source) pollIntervalLocked() time.Duration {
	if s.state == StateConnected || s.poll == nil {
		return 0
	}
	return s.cfg.PollInterval
}

func (s *Source) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// SetVisible suspends or resumes dispatch. Becoming visible triggers one
// immediate catch-up poll.
func (s *Source) SetVisible(v bool) {
	s.mu.Lock()
	running := s.started && s.done != nil
	done := s.done
	if !running {
		s.visible = v
	}
	s.mu.Unlock()

	if !running {
		return
	}
	select {
	case s.visibility <- v:
	case <-done:
	}
}

// Refresh asks the loop for one poll as soon as possible. Requests coalesce.
func (s *Source) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// MarkSeen records an event that reached the classifier by another path,
// such as a journal replay.
func (s *Source) MarkSeen(ev anpr.DetectionEvent) {
	s.seen.Add(ev)
}

func (s *Source) Forget(ev anpr.DetectionEvent) {
	s.seen.Forget(ev)
}

func (s *Source) setState(st ChannelState) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()

	if prev != st {
		s.log.Info().Str("from", string(prev)).Str("to", string(st)).Msg("push channel state changed")
	}
}

func (s *Source) setVisible(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.visible != v
	s.visible = v
	return changed
}

func (s *Source) pollingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible && s.pollIntervalLocked() > 0
}

func (s *Source) run(ctx context.Context, sub Subscription) {
	defer close(s.done)
	defer func() {
		if sub != nil {
			sub.Unsubscribe()
		}
	}()

	var (
		events <-chan anpr.DetectionEvent
		states <-chan ChannelState
		lagged <-chan struct{}
		tick   <-chan time.Time
	)
	if sub != nil {
		events = sub.Events()
		states = sub.States()
		if l, ok := sub.(Lagger); ok {
			lagged = l.Lagged()
		}
	}

	rearm := func() {
		if !s.pollingEnabled() {
			tick = nil
			return
		}
		if tick == nil {
			tick = s.clock.After(s.cfg.PollInterval)
		}
	}

	s.pollOnce(ctx)
	rearm()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events, states, lagged = nil, nil, nil
				s.setState(StateDisconnected)
				rearm()
				continue
			}
			s.intake(ctx, ev)

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			s.setState(st)
			rearm()

		case _, ok := <-lagged:
			if !ok {
				lagged = nil
				continue
			}
			s.log.Warn().Msg("push subscription dropped detections, polling to catch up")
			s.pollOnce(ctx)

		case <-tick:
			tick = nil
			s.pollOnce(ctx)
			rearm()

		case v := <-s.visibility:
			if s.setVisible(v) && v {
				s.log.Debug().Msg("became visible, catching up")
				s.pollOnce(ctx)
			}
			tick = nil
			rearm()

		case <-s.refresh:
			s.pollOnce(ctx)
		}
	}
}

func (s *Source) intake(ctx context.Context, ev anpr.DetectionEvent) {
	if !s.Visible() {
		s.log.Debug().Str("plate", ev.Plate).Str("source", string(ev.Source)).Msg("not visible, detection dropped")
		return
	}
	if ev.GateID != s.gateID {
		s.log.Warn().Str("plate", ev.Plate).Str("event_gate_id", ev.GateID).Msg("detection for another gate ignored")
		return
	}
	if !s.seen.Add(ev) {
		s.log.Debug().Str("plate", ev.Plate).Str("key", ev.Key()).Str("source", string(ev.Source)).Msg("duplicate detection suppressed")
		return
	}
	if err := s.emit(ctx, ev); err != nil {
		s.seen.Forget(ev)
		s.log.Error().Err(err).Str("plate", ev.Plate).Str("key", ev.Key()).Msg("failed to handle detection, will retry on next poll")
	}
}

func (s *Source) pollOnce(ctx context.Context) {
	if s.poll == nil || !s.Visible() {
		return
	}

	fetches := []struct {
		direction anpr.Direction
		fetch     func(context.Context, string) ([]anpr.DetectionEvent, error)
	}{
		{anpr.DirectionEntry, s.poll.FetchPendingEntryDetections},
		{anpr.DirectionExit, s.poll.FetchPendingExitDetections},
	}

	for _, f := range fetches {
		events, err := s.fetch(ctx, f.fetch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				s.log.Debug().Str("direction", string(f.direction)).Msg("poll timed out, no detections this tick")
				continue
			}
			s.log.Warn().Err(err).Str("direction", string(f.direction)).Msg("poll failed")
			continue
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			s.intake(ctx, ev)
		}
	}
}

// fetch bounds one pending-queue request by the poll timeout, so a slow entry
// queue does not starve the exit queue.
func (s *Source) fetch(ctx context.Context, fn func(context.Context, string) ([]anpr.DetectionEvent, error)) ([]anpr.DetectionEvent, error) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()
	return fn(fctx, s.gateID)
}
