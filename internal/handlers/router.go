package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/streamly/internal/middleware"
)

// Router holds everything the HTTP surface is built from. WS may be nil.
type Router struct {
	Auth        *AuthHandler
	Channels    *ChannelHandler
	Streams     *StreamHandler
	Downloads   *DownloadHandler
	Ops         *OpsHandler
	WS          WebSocketHandler
	AuthMW      gin.HandlerFunc
	RateLimitMW gin.HandlerFunc
	CORSMW      gin.HandlerFunc
}

type WebSocketHandler interface {
	HandleWebSocket(c *gin.Context)
	ListConsoles(c *gin.Context)
}

func (r Router) Engine() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())
	if r.CORSMW != nil {
		router.Use(r.CORSMW)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authRoutes := router.Group("/auth")
	if r.RateLimitMW != nil {
		authRoutes.Use(r.RateLimitMW)
	}
	authRoutes.POST("/token", r.Auth.IssueToken)

	if r.WS != nil {
		router.GET("/ws", r.WS.HandleWebSocket)
	}

	api := router.Group("/api/v1")
	api.Use(r.AuthMW)
	if r.RateLimitMW != nil {
		api.Use(r.RateLimitMW)
	}
	{
		api.GET("/me", r.Auth.GetMe)

		api.GET("/channels", r.Channels.ListChannels)
		api.POST("/channels", r.Channels.CreateChannel)
		api.GET("/channels/:id", r.Channels.GetChannel)
		api.PATCH("/channels/:id", r.Channels.UpdateChannel)
		api.DELETE("/channels/:id", r.Channels.DeleteChannel)
		api.POST("/channels/:id/check", r.Channels.CheckChannel)

		api.GET("/streams", r.Streams.ListStreams)
		api.GET("/streams/:video_id", r.Streams.GetStream)

		api.GET("/downloads", r.Downloads.ListDownloads)
		api.POST("/downloads/:id/retry", r.Downloads.RetryDownload)

		api.POST("/ops/poll", r.Ops.Poll)
		api.POST("/ops/sweep", r.Ops.Sweep)
		api.POST("/ops/reconcile", r.Ops.Reconcile)

		if r.WS != nil {
			api.GET("/consoles", r.WS.ListConsoles)
		}
	}

	return router
}
