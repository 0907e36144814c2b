// Package server is a development relay that speaks the device chat wire
// format. It backs end-to-end tests and `fieldchat relay`.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Router builds the gin engine with all routes registered.
func Router(hub *Hub) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	h := &Handlers{
		Hub:       hub,
		StartTime: time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(hub.log))
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", h.Health)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:recording/messages", h.GetMessages)
		api.POST("/rooms/:recording/messages", h.PostMessage)
		api.POST("/rooms/:recording/kick", h.Kick)
		api.POST("/devices/:device/deny", h.Deny)
		api.DELETE("/devices/:device/deny", h.Allow)
	}

	router.GET("/ws/chat/:device/:recording", h.HandleWS)
	return router
}

// New creates a configured HTTP server for the relay.
func New(hub *Hub, addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Router(hub),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func loggingMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
