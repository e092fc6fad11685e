package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/infrastructure/ratelimit"
)

// SetupWebSocketRouter sets up WebSocket routes
func SetupWebSocketRouter(e *echo.Echo, limiter *ratelimit.RateLimiter) {
	wsHandler := handler.GetWebSocketHandler()

	// No auth middleware: the token is checked by the session, either from the
	// query string or from an authenticate frame.
	e.GET("/ws", wsHandler.HandleWebSocket, middleware.RateLimit(limiter, ratelimit.ActionAPIRequest))
}
