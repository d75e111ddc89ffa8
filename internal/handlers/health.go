package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rreusch2/parleyapp-sub005/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	registry  *services.SessionRegistry
	startedAt time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(registry *services.SessionRegistry) *HealthHandler {
	return &HealthHandler{
		registry:  registry,
		startedAt: time.Now(),
	}
}

// HandleHealthz is the minimal liveness probe consumed by the web app.
func (h *HealthHandler) HandleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": true})
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
		"sessions": fiber.Map{
			"total":      h.registry.Count(),
			"running":    h.registry.CountByState(services.StateRunning),
			"terminated": h.registry.CountByState(services.StateTerminated),
		},
	})
}
