package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes builds the gin engine with every route the gateway serves.
func SetupRoutes(g *Gateway) *gin.Engine {
	h := NewHandlers(g)

	router := gin.New()
	router.Use(requestLogger(g.logger), gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		g.logger.Error("recovered from panic in handler", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatus(http.StatusInternalServerError)
	}))

	router.GET("/", h.Health)
	router.GET("/healthz", h.Healthz)
	router.GET("/ws", h.WebSocket)
	router.GET("/metrics", gin.WrapH(g.metrics.Handler()))

	api := router.Group("/api", h.RequireBearer())
	api.GET("/me", h.Me)
	api.GET("/messages", h.Messages)

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("remote", c.ClientIP()))
	}
}
