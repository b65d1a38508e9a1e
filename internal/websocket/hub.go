package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tullo/streamly/internal/cache"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"go.uber.org/zap"
)

type outbound struct {
	typ  models.EventType
	data []byte
}

// Hub maintains the set of connected operator consoles and fans events out to them
type Hub struct {
	// Registered clients
	clients map[*Client]struct{}

	// Events waiting to be pushed
	broadcast chan outbound

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed once Run returns
	done chan struct{}

	// Redis client for pub/sub, nil when events come straight off the bus
	redis *cache.RedisClient

	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(redis *cache.RedisClient) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		redis:      redis,
	}
}

// Run starts the hub and blocks until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.redis != nil {
		go h.subscribeToRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			log.Info("console connected", zap.String("operator", client.operator))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			log.Info("console disconnected", zap.String("operator", client.operator))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.typ) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					client.close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleEvent is the bus handler used when no Redis is configured.
func (h *Hub) HandleEvent(_ context.Context, ev models.Event) {
	data, err := json.Marshal(models.WSMessage{Event: string(ev.Type), Payload: ev})
	if err != nil {
		log.Error("failed to encode event for consoles", zap.Error(err))
		return
	}
	h.enqueue(outbound{typ: ev.Type, data: data})
}

func (h *Hub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	default:
		log.Warn("console broadcast queue full, dropping event", zap.String("type", string(msg.typ)))
	}
}

// subscribeToRedis relays events published by any streamly process
func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.redis.SubscribeToEvents(ctx)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env models.WSMessage
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn("ignoring malformed event from redis", zap.Error(err))
				continue
			}
			h.enqueue(outbound{typ: models.EventType(env.Event), data: []byte(msg.Payload)})
		}
	}
}

// ClientCount returns the number of connected consoles
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Operators returns the operator name of every connected console
func (h *Hub) Operators() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.clients))
	for client := range h.clients {
		names = append(names, client.operator)
	}
	return names
}
