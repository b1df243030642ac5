package gateway

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway serves browsers on other origins in development; the JWT
	// on the API surface is the actual access control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub streams engine events to websocket clients. A client may subscribe to
// one execution (?executionId=N) or to everything.
type Hub struct {
	events *engine.Events
	log    logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	unsubscribe func()
	done        chan struct{}
}

type client struct {
	conn        *websocket.Conn
	send        chan engine.Event
	executionID int64
}

// NewHub creates a hub over the engine's event bus.
func NewHub(events *engine.Events, log logger.Logger) *Hub {
	return &Hub{
		events:  events,
		log:     log,
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the broadcast loop.
func (h *Hub) Run() {
	ch, unsubscribe := h.events.Subscribe(256)
	h.unsubscribe = unsubscribe

	go func() {
		defer close(h.done)
		for evt := range ch {
			h.broadcast(evt)
		}
	}()
}

// Stop ends the broadcast loop and closes every client.
func (h *Hub) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		<-h.done
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan engine.Event, 64)}
	if v := r.URL.Query().Get("executionId"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.executionID = id
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// broadcast fans one event out. Slow clients lose events rather than
// stalling the loop, mirroring the bus's own policy.
func (h *Hub) broadcast(evt engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.executionID != 0 && c.executionID != evt.ExecutionID {
			continue
		}
		select {
		case c.send <- evt:
		default:
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for evt := range c.send {
		if err := c.conn.WriteJSON(evt); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
}

// readLoop drains client frames so pings are handled, and unregisters the
// client when the connection drops.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
