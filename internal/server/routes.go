package server

import (
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.gameStateHandler)
	api.Get("/game/history", s.gameHistoryHandler)
	api.Get("/game/verify/:cycleId", s.verifyCycleHandler)

	// per-user read surface; the socket is the only mutation surface
	authed := api.Group("/", s.requireAuth)
	authed.Get("/wallet", s.walletHandler)
	authed.Get("/wallet/transactions", s.walletTransactionsHandler)
	authed.Get("/bets", s.betsHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler, websocket.Config{
		HandshakeTimeout: handshakeTimeout,
	}))
}

// requireAuth verifies the bearer credential and attaches the user id.
func (s *FiberServer) requireAuth(c *fiber.Ctx) error {
	header := c.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "unauthorised",
		})
	}

	id, err := s.gate.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "unauthorised",
		})
	}

	c.Locals("user_id", id.UserID)
	return c.Next()
}
