// Package stream pushes live waveform and actuator events to websocket
// clients.
package stream

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/itohio/govent/pkg/control"
	"github.com/itohio/govent/pkg/waveform"
	"github.com/sirupsen/logrus"
)

const (
	defaultBuffer = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxReadSize   = 4096
)

// PointMessage carries one published waveform value.
type PointMessage struct {
	Type    string  `json:"type"`
	Channel string  `json:"channel"`
	T       float64 `json:"t"`
	V       float64 `json:"v"`
}

// PlotMessage marks the end of one display publish.
type PlotMessage struct {
	Type string `json:"type"`
}

// PositionMessage carries both actuator accumulators.
type PositionMessage struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Hub fans out events to connected websocket clients. Slow clients lose
// messages instead of blocking the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
	buffer   int

	mu      sync.RWMutex
	clients map[uuid.UUID]*client

	posMu sync.Mutex
	x, y  float64
}

// NewHub creates a hub. buffer is the per-client queue length; <= 0 uses
// the default.
func NewHub(buffer int, log logrus.FieldLogger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     log.WithField("component", "stream"),
		buffer:  buffer,
		clients: make(map[uuid.UUID]*client),
	}
}

// Attach subscribes the hub to the loop's display publishes and to
// actuator position changes. Either argument may be nil.
func (h *Hub) Attach(loop *waveform.Loop, valves *control.Valves) {
	if loop != nil {
		loop.OnPoint(h.Point)
		loop.OnPlotUpdate(h.Plot)
	}
	if valves != nil {
		valves.OnPosition(h.Position)
	}
}

func (h *Hub) Point(p waveform.Point) {
	h.Broadcast(PointMessage{Type: "point", Channel: p.Channel.String(), T: p.Time, V: p.Value})
}

func (h *Hub) Plot() {
	h.Broadcast(PlotMessage{Type: "plot"})
}

// Position records the new accumulator value for axis and broadcasts both.
func (h *Hub) Position(axis control.Axis, position float64) {
	h.posMu.Lock()
	switch axis {
	case control.AxisX:
		h.x = position
	case control.AxisY:
		h.y = position
	}
	msg := PositionMessage{Type: "position", X: h.x, Y: h.y}
	h.posMu.Unlock()

	h.Broadcast(msg)
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.send(msg)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[uuid.UUID]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		id:     uuid.New(),
		conn:   conn,
		sendCh: make(chan any, h.buffer),
		done:   make(chan struct{}),
	}
	c.log = h.log.WithField("client", c.id.String())

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	c.log.WithField("remote", r.RemoteAddr).Info("client connected")

	go c.writePump()
	c.readPump()

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	c.log.Info("client disconnected")
}

type client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	log    logrus.FieldLogger
	sendCh chan any
	done   chan struct{}
	once   sync.Once
}

// send queues msg without blocking and reports whether it was queued.
func (c *client) send(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- msg:
		return true
	default:
		c.log.Debug("dropping message, client queue full")
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump discards inbound messages and keeps the read deadline alive.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxReadSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("websocket read failed")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
