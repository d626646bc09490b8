package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"parking-gate-service/internal/domain/parking"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	clientSend = 32
)

var errBroadcasterStopped = errors.New("broadcaster stopped")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	gateID string
	conn   *websocket.Conn
	send   chan []byte
}

type gateMessage struct {
	gateID  string
	payload []byte
}

// Broadcaster fans notifications out to the operator consoles attached to
// each gate. A slow console loses messages instead of stalling the gate.
type Broadcaster struct {
	clients    map[string]map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan gateMessage
	done       chan struct{}
	mu         sync.RWMutex
	log        zerolog.Logger
}

func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients:    make(map[string]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan gateMessage, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws_broadcaster").Logger(),
	}
}

func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for _, set := range b.clients {
				for c := range set {
					close(c.send)
				}
			}
			b.clients = make(map[string]map[*client]bool)
			b.mu.Unlock()
			return

		case c := <-b.register:
			b.mu.Lock()
			set, ok := b.clients[c.gateID]
			if !ok {
				set = make(map[*client]bool)
				b.clients[c.gateID] = set
			}
			set[c] = true
			n := len(set)
			b.mu.Unlock()
			b.log.Info().Str("gate_id", c.gateID).Int("clients", n).Msg("console connected")

		case c := <-b.unregister:
			b.mu.Lock()
			if set, ok := b.clients[c.gateID]; ok && set[c] {
				delete(set, c)
				close(c.send)
				if len(set) == 0 {
					delete(b.clients, c.gateID)
				}
			}
			b.mu.Unlock()
			b.log.Info().Str("gate_id", c.gateID).Msg("console disconnected")

		case msg := <-b.broadcast:
			b.mu.RLock()
			for c := range b.clients[msg.gateID] {
				select {
				case c.send <- msg.payload:
				default:
					b.log.Warn().Str("gate_id", msg.gateID).Msg("console send buffer full, dropping message")
				}
			}
			b.mu.RUnlock()
		}
	}
}

func (b *Broadcaster) Publish(n parking.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to marshal notification")
		return
	}

	select {
	case b.broadcast <- gateMessage{gateID: n.GateID, payload: payload}:
	default:
		b.log.Warn().Str("gate_id", n.GateID).Msg("broadcast channel is full, dropping notification")
	}
}

func (b *Broadcaster) Clients(gateID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[gateID])
}

// Serve upgrades the request and attaches the connection to gateID until the
// console goes away. initial is written before any broadcast.
func (b *Broadcaster) Serve(w http.ResponseWriter, r *http.Request, gateID string, initial []parking.Notification) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{gateID: gateID, conn: conn, send: make(chan []byte, clientSend)}
	for _, n := range initial {
		payload, err := json.Marshal(n)
		if err != nil || len(c.send) == cap(c.send) {
			continue
		}
		c.send <- payload
	}

	select {
	case b.register <- c:
	case <-b.done:
		conn.Close()
		return errBroadcasterStopped
	case <-r.Context().Done():
		conn.Close()
		return r.Context().Err()
	}

	go b.writePump(c)
	go b.readPump(c)
	return nil
}

func (b *Broadcaster) readPump(c *client) {
	defer func() {
		select {
		case b.unregister <- c:
		case <-b.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.log.Warn().Err(err).Str("gate_id", c.gateID).Msg("websocket read error")
			}
			return
		}
	}
}

func (b *Broadcaster) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
