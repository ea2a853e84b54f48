package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/congestion.report/internal/monitoring"
	"github.com/banshee-data/congestion.report/internal/tracking"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 32
	broadcastQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message types sent to websocket clients.
const (
	MessageSnapshot   = "snapshot"
	MessageCountEvent = "count_event"
)

// Envelope wraps every websocket message.
type Envelope struct {
	Type     string          `json:"type"`
	CameraID string          `json:"camera_id"`
	Data     json.RawMessage `json:"data"`
}

type hubMessage struct {
	cameraID string
	payload  []byte
}

type client struct {
	conn     *websocket.Conn
	cameraID string // empty subscribes to every camera
	send     chan []byte
}

// Hub fans engine output out to websocket clients. It implements
// tracking.Observer; messages for clients that cannot keep up are dropped
// and the client disconnected.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan hubMessage
	register   chan *client
	unregister chan *client
	done       chan struct{}
	runOnce    sync.Once

	mutex   sync.RWMutex
	count   int
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan hubMessage, broadcastQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled, then disconnects every
// client. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer h.runOnce.Do(func() { close(h.done) })
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount(len(h.clients))
			monitoring.Debugf("websocket client connected (camera %q). Total: %d", c.cameraID, len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.setCount(len(h.clients))

		case msg := <-h.broadcast:
			for c := range h.clients {
				if c.cameraID != "" && c.cameraID != msg.cameraID {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					h.dropped.Add(1)
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.setCount(len(h.clients))

		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.setCount(0)
			return
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mutex.Lock()
	h.count = n
	h.mutex.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// Dropped returns the number of messages that could not be delivered.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) OnSnapshot(s tracking.TrackingSnapshot) {
	h.publish(MessageSnapshot, s.CameraID, s)
}

func (h *Hub) OnCountEvent(ev tracking.CountEvent) {
	h.publish(MessageCountEvent, ev.CameraID, ev)
}

func (h *Hub) publish(kind, cameraID string, v interface{}) {
	payload, err := encodeEnvelope(kind, cameraID, v)
	if err != nil {
		monitoring.Logf("websocket: failed to encode %s: %v", kind, err)
		return
	}
	select {
	case h.broadcast <- hubMessage{cameraID: cameraID, payload: payload}:
	case <-h.done:
	default:
		h.dropped.Add(1)
	}
}

func encodeEnvelope(kind, cameraID string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, CameraID: cameraID, Data: data})
}

// serve upgrades the request and pumps messages until either side goes
// away. initial, when non-nil, is delivered before any broadcast.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, cameraID string, initial []byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("WebSocket upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, cameraID: cameraID, send: make(chan []byte, clientBuffer)}
	if initial != nil {
		c.send <- initial
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// readPump discards client messages; it exists to process control frames
// and notice disconnects.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				monitoring.Debugf("websocket read error: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
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
