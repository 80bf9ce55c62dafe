package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// originChecker accepts handshakes whose Origin is listed. "*" allows every
// origin and is only meant for local development. With nothing listed the
// upgrader keeps gorilla's same-origin check.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Event types pushed to clients.
const (
	EventDeliverySucceeded = "delivery.succeeded"
	EventDeliveryRetrying  = "delivery.retrying"
	EventDeliveryFailed    = "delivery.failed"
)

// DeliveryEvent is a live update about one delivery attempt. It is only sent
// to clients of the subscriber's owner.
type DeliveryEvent struct {
	Type         string     `json:"type"`
	OwnerID      string     `json:"-"`
	DeliveryID   string     `json:"delivery_id"`
	SubscriberID string     `json:"subscriber_id"`
	EventType    string     `json:"event_type"`
	EventID      string     `json:"event_id,omitempty"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	StatusCode   *int       `json:"status_code,omitempty"`
	ResponseMs   int        `json:"response_ms"`
	Error        string     `json:"error,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

type message struct {
	ownerID string
	data    []byte
}

// Hub fans delivery events out to connected dashboard clients.
type Hub struct {
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan message
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	ownerID string
	send    chan []byte
}

// NewHub builds a hub that accepts browser handshakes from allowedOrigins.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// Run is the hub's event loop. Should be called as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "owner_id", c.ownerID, "total_clients", total)

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "owner_id", c.ownerID, "total_clients", total)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.ownerID != msg.ownerID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow client, drop it.
					h.remove(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues an event for the owner's clients. It never blocks.
func (h *Hub) Broadcast(event DeliveryEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "error", err)
		return
	}

	select {
	case h.broadcast <- message{ownerID: event.OwnerID, data: data}:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping event", "delivery_id", event.DeliveryID)
	}
}

// Serve upgrades the request and subscribes the connection to ownerID's events.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ownerID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		ownerID: ownerID,
		send:    make(chan []byte, 256),
	}

	h.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so pongs and closes are processed.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
