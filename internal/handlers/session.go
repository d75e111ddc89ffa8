package handlers

import (
	"context"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/rreusch2/parleyapp-sub005/internal/models"
	"github.com/rreusch2/parleyapp-sub005/internal/services"
)

// SessionHandler translates the front-door HTTP surface into registry and
// runner operations.
type SessionHandler struct {
	registry *services.SessionRegistry

	// appCtx outlives any one request: session loops spawned by a
	// handler must keep running after the HTTP response is written. It
	// is cancelled at process shutdown.
	appCtx context.Context
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(appCtx context.Context, registry *services.SessionRegistry) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		appCtx:   appCtx,
	}
}

// HandleStart handles POST /session/start. The response is always
// synchronous success for a well-formed body; agent startup proceeds in
// the background and its failures surface only as relayed events.
func (h *SessionHandler) HandleStart(c *fiber.Ctx) error {
	var req models.StartSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sessionId is required"})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "userId is required"})
	}

	sess := h.registry.FindOrCreate(req.SessionID, req.UserID, req.Tier, req.Preferences)
	sess.Start(h.appCtx)

	log.Printf("🎬 [SESSION] Start requested: %s (user: %s, tier: %s)", req.SessionID, req.UserID, req.Tier)
	return c.JSON(fiber.Map{"ok": true, "sessionId": req.SessionID})
}

// HandleMessage handles POST /session/message. Accepts even when no prior
// start was issued: the session is lazily created with the free tier. A
// message for a terminated session gets a fresh incarnation instead of
// being queued into a dead consumer.
func (h *SessionHandler) HandleMessage(c *fiber.Ctx) error {
	var req models.SessionMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sessionId is required"})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "userId is required"})
	}
	if req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message is required"})
	}

	// A session can reach its idle deadline between the registry lookup
	// and the enqueue; when the enqueue is rejected, re-obtain so the
	// message lands in a live incarnation instead of a dead queue.
	for {
		sess := h.registry.ObtainForMessage(req.SessionID, req.UserID)
		sess.Start(h.appCtx) // idempotent; no-op for an already-running session
		if sess.AddMessage(req.Message) {
			break
		}
	}

	return c.JSON(fiber.Map{"ok": true})
}
