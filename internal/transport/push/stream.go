package push

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"parking-gate-service/internal/detection"
	"parking-gate-service/internal/domain/anpr"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeStream upgrades the request and relays every detection published for
// gateID as a JSON DetectionPayload until either side goes away. A stream
// that falls behind is closed so the remote side reconnects and polls.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, gateID string) error {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.Subscribe(ctx, gateID)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	lagged := sub.(detection.Lagger).Lagged()

	log := h.log.With().Str("gate_id", gateID).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("detection stream attached")

	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(streamPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(streamWriteWait))
			log.Info().Msg("detection stream detached")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev.Payload()); err != nil {
				log.Warn().Err(err).Msg("detection stream write failed")
				return nil
			}
		case <-lagged:
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stream fell behind"), time.Now().Add(streamWriteWait))
			log.Warn().Msg("detection stream fell behind, closing")
			return nil
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// PublishPayload validates a wire payload for gateID and publishes it.
func (h *Hub) PublishPayload(p anpr.DetectionPayload, gateID string) (anpr.DetectionEvent, int, error) {
	ev, err := p.Event(anpr.SourcePush, gateID)
	if err != nil {
		return ev, 0, err
	}
	return ev, h.Publish(ev), nil
}
