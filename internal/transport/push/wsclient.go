package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"parking-gate-service/internal/detection"
	"parking-gate-service/internal/domain/anpr"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second

	// GatePlaceholder is substituted with the escaped gate id in stream URLs.
	GatePlaceholder = "{gate_id}"
)

// WSClient subscribes to a remote detection stream over websocket. Each
// subscription dials on its own and reconnects with exponential backoff,
// reporting every transition on its state channel.
type WSClient struct {
	urlTemplate string
	header      http.Header
	dialer      *websocket.Dialer
	minBackoff  time.Duration
	maxBackoff  time.Duration
	clock       clockz.Clock
	log         zerolog.Logger
}

type WSOption func(*WSClient)

func WithBearerToken(token string) WSOption {
	return func(c *WSClient) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

func WithBackoff(lo, hi time.Duration) WSOption {
	return func(c *WSClient) {
		if lo > 0 {
			c.minBackoff = lo
		}
		if hi >= c.minBackoff {
			c.maxBackoff = hi
		}
	}
}

func WithClock(clock clockz.Clock) WSOption {
	return func(c *WSClient) { c.clock = clock }
}

func NewWSClient(urlTemplate string, log zerolog.Logger, opts ...WSOption) *WSClient {
	c := &WSClient{
		urlTemplate: urlTemplate,
		header:      http.Header{},
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		minBackoff:  DefaultMinBackoff,
		maxBackoff:  DefaultMaxBackoff,
		clock:       clockz.RealClock,
		log:         log.With().Str("component", "push_ws_client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSClient) URL(gateID string) (string, error) {
	raw := strings.ReplaceAll(c.urlTemplate, GatePlaceholder, url.PathEscape(gateID))
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Subscribe returns immediately; the connection is established in the
// background and its progress is visible on States.
func (c *WSClient) Subscribe(ctx context.Context, gateID string) (detection.Subscription, error) {
	target, err := c.URL(gateID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &wsSub{
		client: c,
		gateID: gateID,
		target: target,
		events: make(chan anpr.DetectionEvent, subscriberBuffer),
		states: make(chan detection.ChannelState, 4),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    c.log.With().Str("gate_id", gateID).Logger(),
	}
	go s.run(runCtx)
	return s, nil
}

type wsSub struct {
	client *WSClient
	gateID string
	target string
	events chan anpr.DetectionEvent
	states chan detection.ChannelState
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func (s *wsSub) Events() <-chan anpr.DetectionEvent    { return s.events }
func (s *wsSub) States() <-chan detection.ChannelState { return s.states }

func (s *wsSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *wsSub) run(ctx context.Context) {
	defer func() {
		close(s.events)
		close(s.states)
		close(s.done)
	}()

	backoff := s.client.minBackoff
	for {
		if !s.setState(ctx, detection.StateConnecting) {
			return
		}

		conn, _, err := s.client.dialer.DialContext(ctx, s.target, s.client.header)
		if err == nil {
			backoff = s.client.minBackoff
			s.log.Info().Str("url", s.target).Msg("detection stream connected")
			if s.setState(ctx, detection.StateConnected) {
				s.read(ctx, conn)
			}
			conn.Close()
		} else if ctx.Err() == nil {
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("detection stream dial failed")
		}

		if ctx.Err() != nil {
			return
		}
		if !s.setState(ctx, detection.StateDisconnected) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.client.clock.After(backoff):
		}
		backoff *= 2
		if backoff > s.client.maxBackoff {
			backoff = s.client.maxBackoff
		}
	}
}

func (s *wsSub) setState(ctx context.Context, st detection.ChannelState) bool {
	select {
	case s.states <- st:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *wsSub) read(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("detection stream dropped")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(streamPongWait))

		var payload anpr.DetectionPayload
		if err := json.Unmarshal(msg, &payload); err != nil {
			s.log.Warn().Err(err).Msg("undecodable detection on stream")
			continue
		}
		ev, err := payload.Event(anpr.SourcePush, s.gateID)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed detection on stream")
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
