package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

type subscribePayload struct {
	Types []models.EventType `json:"types"`
}

// Client is one connected operator console
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	operator    string
	connectedAt time.Time

	mu     sync.RWMutex
	types  map[models.EventType]bool // empty means every event type
	closed bool
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, operator string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		operator:    operator,
		connectedAt: time.Now(),
	}
}

func (c *Client) wants(t models.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[t]
}

// close is called by the hub only.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) subscribe(types []models.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = make(map[models.EventType]bool, len(types))
	for _, t := range types {
		c.types[t] = true
	}
}

// ReadPump reads subscription updates from the console until it goes away
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", zap.String("operator", c.operator), zap.Error(err))
			}
			break
		}
		c.handleMessage(message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
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
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// handleMessage handles incoming WebSocket messages
func (c *Client) handleMessage(data []byte) {
	var wsMsg models.WSMessage
	if err := json.Unmarshal(data, &wsMsg); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch wsMsg.Event {
	case "subscribe":
		raw, _ := json.Marshal(wsMsg.Payload)
		var req subscribePayload
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendError("Invalid subscribe payload")
			return
		}
		c.subscribe(req.Types)

	default:
		c.sendError("Unknown event type")
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	errorMsg := models.WSMessage{
		Event:   "error",
		Payload: map[string]string{"message": message},
	}

	data, _ := json.Marshal(errorMsg)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
