package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is any backing service that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter reports open realtime connections.
type ConnectionCounter interface {
	Connections() (connections, users int)
}

type HealthHandler struct {
	checks      map[string]Pinger
	connections ConnectionCounter
	startedAt   time.Time
}

func NewHealthHandler(checks map[string]Pinger, connections ConnectionCounter) *HealthHandler {
	if checks == nil {
		checks = map[string]Pinger{}
	}
	return &HealthHandler{
		checks:      checks,
		connections: connections,
		startedAt:   time.Now(),
	}
}

func (h *HealthHandler) CheckHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"status": status,
		"checks": checks,
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
		"time":   time.Now().Format(time.RFC3339),
	}
	if h.connections != nil {
		conns, users := h.connections.Connections()
		body["websocket"] = map[string]int{
			"connections": conns,
			"users":       users,
		}
	}

	return c.JSON(code, body)
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}
