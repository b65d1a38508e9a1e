package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tullo/streamly/internal/auth"
	"github.com/tullo/streamly/internal/log"
	"go.uber.org/zap"
)

// Handler upgrades operator console connections
type Handler struct {
	hub        *Hub
	jwtService *auth.JWTService
	upgrader   websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. An empty allowedOrigins list
// accepts any origin.
func NewHandler(hub *Hub, jwtService *auth.JWTService, allowedOrigins []string) *Handler {
	return &Handler{
		hub:        hub,
		jwtService: jwtService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return false
				}
				for _, pattern := range allowedOrigins {
					if matchOrigin(pattern, origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(c *gin.Context) {
	// Browsers cannot set headers on the upgrade request
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token required"})
		return
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, claims.Operator)

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// ListConsoles returns the connected consoles
func (h *Handler) ListConsoles(c *gin.Context) {
	operators := h.hub.Operators()
	c.JSON(http.StatusOK, gin.H{
		"operators": operators,
		"count":     len(operators),
	})
}

// matchOrigin supports exact matches or wildcard patterns like *.example.com
func matchOrigin(pattern, origin string) bool {
	if pattern == origin {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		originHost := origin
		if u, err := url.Parse(origin); err == nil {
			originHost = u.Hostname()
		}
		return strings.HasSuffix(originHost, strings.TrimPrefix(pattern, "*"))
	}
	return false
}
