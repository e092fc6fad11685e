package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/infrastructure/ratelimit"
)

// SetupChatRouter sets up the REST chat routes (the websocket lives in its own router)
func SetupChatRouter(e *echo.Echo, authMiddleware *middleware.AuthMiddleware, limiter *ratelimit.RateLimiter) {
	chatHandler := handler.GetChatHandler()

	v1 := e.Group("/v1")
	v1.Use(authMiddleware.Authenticate) // All chat endpoints require authentication
	v1.Use(middleware.RateLimit(limiter, ratelimit.ActionAPIRequest))

	// Conversations
	v1.GET("/conversations", chatHandler.GetConversations)
	v1.POST("/conversations", chatHandler.StartConversation)
	v1.GET("/conversations/:id", chatHandler.GetConversation)
	v1.PUT("/conversations/:id/read", chatHandler.MarkAsRead)

	// Messages
	v1.GET("/conversations/:id/messages", chatHandler.GetMessages)
	v1.POST("/conversations/:id/messages", chatHandler.SendMessage)
	v1.DELETE("/messages/:id", chatHandler.DeleteMessage)
	v1.PUT("/messages/:id/status", chatHandler.UpdateMessageStatus)
}
