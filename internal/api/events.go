package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bgg-roller/internal/models"
)

const (
	eventBuffer  = 32
	writeTimeout = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type eventClient struct {
	conn *websocket.Conn
	send chan models.StatusEvent
}

// EventHub fans relay progress messages out to websocket subscribers. It
// satisfies service.Notifier. Slow subscribers miss events instead of
// blocking the router.
type EventHub struct {
	mu      sync.Mutex
	clients map[*eventClient]struct{}
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEventHub(log zerolog.Logger) *EventHub {
	return &EventHub{
		clients: make(map[*eventClient]struct{}),
		logger:  log.With().Str("component", "events").Logger(),
		now:     time.Now,
	}
}

func (h *EventHub) Notify(message, kind string) {
	h.broadcast(models.StatusEvent{Type: "status", Kind: kind, Message: message, Time: h.now()})
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) broadcast(ev models.StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Debug().Msg("subscriber too slow, event dropped")
		}
	}
}

func (h *EventHub) register(c *eventClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *EventHub) unregister(c *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &eventClient{conn: conn, send: make(chan models.StatusEvent, eventBuffer)}
	c.send <- models.StatusEvent{Type: "hello", Time: h.now()}
	h.register(c)
	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("subscriber connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages and returns when the connection drops.
func (h *EventHub) readLoop(c *eventClient) {
	defer func() {
		h.unregister(c)
		h.logger.Debug().Msg("subscriber disconnected")
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writeLoop(c *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
