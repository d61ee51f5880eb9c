package handlers

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-mesh/internal/hub"
	"github.com/pelusa-v/pelusa-mesh/internal/metrics"
	"github.com/pelusa-v/pelusa-mesh/internal/room"
)

// Mount wires the hub endpoints onto app.
func Mount(app *fiber.App, h *hub.Hub, m *metrics.Metrics) {
	app.Use("/api/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/api/ws", websocket.New(RegisterHandler(h)))
	app.Get("/api/clients", ShowClientsHandler(h)) // ?exclude=idOrIdentity

	app.Get("/api/rooms", RoomsHandler(h))                  // ?limit=
	app.Get("/api/rooms/:id/presence", PresenceHandler(h))

	app.Get("/health", HealthHandler)
	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}
}

// RegisterHandler GET /api/ws
func RegisterHandler(h *hub.Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		client := hub.NewClient(h, uuid.NewString(), c)
		if !h.Register(client) {
			return
		}
		go client.WritePump()
		client.ReadPump()
	}
}

// ShowClientsHandler GET /api/clients?exclude=idOrIdentity
func ShowClientsHandler(h *hub.Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(h.ListClients(c.Query("exclude")))
	}
}

// RoomsHandler GET /api/rooms?limit=
func RoomsHandler(h *hub.Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 20)
		if limit <= 0 || limit > 100 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be 1..100"})
		}
		ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
		defer cancel()
		rooms, err := room.ListPublicRooms(ctx, h.Store(), limit)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(rooms)
	}
}

// PresenceHandler GET /api/rooms/:id/presence
func PresenceHandler(h *hub.Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := room.NormalizeID(c.Params("id"))
		if id == "" {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
		defer cancel()
		n, err := room.PresenceCount(ctx, h.Store(), id)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"room_id": id, "count": n})
	}
}

// HealthHandler GET /health
func HealthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
