package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub fans event payloads out to connected websocket clients. Slow clients
// are dropped rather than allowed to back up the core.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	writeWait      = 10 * time.Second
	clientBufSize  = 64
	broadcastDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The simulator serves its own UI; cross-origin is fine here.
	CheckOrigin: func(*http.Request) bool { return true },
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, broadcastDepth),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until Stop is called.
// Start it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("ws client connected", zap.Int("clients", n))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				select {
				case c.send <- msg:
				default:
					// Client can't keep up; cut it loose.
					h.drop(c)
				}
			}

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Stop() { close(h.done) }

// Broadcast queues one event for delivery. It never blocks: when the queue
// is full the event is dropped, which is acceptable for this feed.
func (h *Hub) Broadcast(eventType string, payload any) {
	msg, err := json.Marshal(envelope{Type: eventType, Data: payload})
	if err != nil {
		h.log.Error("marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("event queue full, dropping", zap.String("type", eventType))
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("ws client disconnected", zap.Int("clients", n))
}

// ServeWS upgrades an HTTP request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBufSize)}
	h.register <- c

	go c.writeLoop()
	go c.readLoop()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readLoop exists only to notice disconnects; the feed is one-way.
func (c *client) readLoop() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
