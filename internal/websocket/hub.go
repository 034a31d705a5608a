package websocket

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio payloads

	// Viewers only send control frames.
	maxViewerMessageSize = 4 * 1024

	viewerBufferSize = 256
)

// ErrBroadcastQueueFull is returned when viewers fall too far behind.
var ErrBroadcastQueueFull = errors.New("broadcast queue is full")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Viewers authenticate with a bearer token, not cookies.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub fans session events out to connected viewers.
type Hub struct {
	// Registered viewers.
	clients map[string]*Client

	// Register requests from the viewers.
	register chan *Client

	// Unregister requests from viewers.
	unregister chan *Client

	// Payloads for every viewer.
	broadcast chan []byte

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	// greeting, when set, is sent to each viewer right after it registers.
	greeting func() []byte

	logger *zap.Logger
}

// NewHub creates a new viewer hub
func NewHub(greeting func() []byte, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, viewerBufferSize),
		done:       make(chan struct{}),
		greeting:   greeting,
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Viewer registered",
				zap.String("clientID", client.id),
				zap.String("viewerID", client.viewerID))
			if h.greeting != nil {
				if payload := h.greeting(); payload != nil {
					h.deliver(client, payload)
				}
			}

		case client := <-h.unregister:
			h.remove(client)

		case payload := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for _, client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()
			for _, client := range clients {
				h.deliver(client, payload)
			}

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// deliver queues payload for one viewer and drops the viewer if it cannot keep up.
func (h *Hub) deliver(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		h.logger.Warn("Dropping slow viewer", zap.String("clientID", client.id))
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
		h.logger.Info("Viewer unregistered", zap.String("clientID", client.id))
	}
}

// Broadcast queues payload for every registered viewer.
func (h *Hub) Broadcast(payload []byte) error {
	select {
	case h.broadcast <- payload:
		return nil
	default:
		return ErrBroadcastQueueFull
	}
}

// ActiveViewers returns the viewer IDs currently connected.
func (h *Hub) ActiveViewers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{}, len(h.clients))
	viewers := make([]string, 0, len(h.clients))
	for _, client := range h.clients {
		if _, ok := seen[client.viewerID]; ok {
			continue
		}
		seen[client.viewerID] = struct{}{}
		viewers = append(viewers, client.viewerID)
	}
	sort.Strings(viewers)
	return viewers
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	id       string
	viewerID string

	logger *zap.Logger
}

// HandleWebSocketWithAuth upgrades an already authenticated viewer.
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, viewerID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, viewerBufferSize),
		id:       uuid.NewString(),
		viewerID: viewerID,
		logger:   logger,
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump only keeps the connection alive; viewers are read-only.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxViewerMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
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
