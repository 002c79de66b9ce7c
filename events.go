package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Event is an unsolicited modem line as published to subscribers.
type Event struct {
	Time time.Time `json:"time"`
	Line string    `json:"line"`
}

// Hub fans unsolicited modem lines out to websocket clients and any
// registered sinks, such as the MQTT bridge.
type Hub struct {
	Logger *slog.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Int64

	mu      sync.Mutex
	clients map[int64]*wsClient
	sinks   []func(Event)
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		Logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[int64]*wsClient),
	}
}

// AddSink registers fn to receive every event. fn runs on the hub
// goroutine and must not block.
func (h *Hub) AddSink(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, fn)
}

// Run publishes every line read from urc until the channel closes or ctx
// is done.
func (h *Hub) Run(ctx context.Context, urc <-chan string) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case line, ok := <-urc:
			if !ok {
				h.closeAll()
				return
			}
			h.Publish(Event{Time: time.Now().UTC(), Line: line})
		}
	}
}

// Publish delivers ev to all sinks and connected clients.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	sinks := h.sinks
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, fn := range sinks {
		fn(ev)
	}
	for _, c := range clients {
		c.send(ev)
	}
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams events to it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		id:     h.nextID.Add(1),
		hub:    h,
		conn:   conn,
		sendCh: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.Logger.Info("Event client connected", "client", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[int64]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

type wsClient struct {
	id     int64
	hub    *Hub
	conn   *websocket.Conn
	sendCh chan Event
	done   chan struct{}
	once   sync.Once
}

// send queues ev for the client, dropping it when the client lags.
func (c *wsClient) send(ev Event) {
	select {
	case c.sendCh <- ev:
	case <-c.done:
	default:
		c.hub.Logger.Debug("Event client lagging, dropping event", "client", c.id)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump discards client messages and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
		c.hub.Logger.Info("Event client disconnected", "client", c.id)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.Logger.Warn("Websocket read error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.Logger.Warn("Websocket write error", "client", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		}
	}
}
