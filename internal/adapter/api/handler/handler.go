package handler

var (
	chatHandler      *ChatHandler
	webSocketHandler *WebSocketHandler
	healthHandler    *HealthHandler
	devTokenHandler  *DevTokenHandler
)

func Setup(chat *ChatHandler, ws *WebSocketHandler, health *HealthHandler, devToken *DevTokenHandler) {
	chatHandler = chat
	webSocketHandler = ws
	healthHandler = health
	devTokenHandler = devToken
}

func GetChatHandler() *ChatHandler {
	return chatHandler
}

func GetWebSocketHandler() *WebSocketHandler {
	return webSocketHandler
}

func GetHealthHandler() *HealthHandler {
	return healthHandler
}

// GetDevTokenHandler is nil outside development.
func GetDevTokenHandler() *DevTokenHandler {
	return devTokenHandler
}
