package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"skycrash/internal/game"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"cache":    s.cache.Health(),
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.ClientCount(),
		},
	}
	return c.JSON(health)
}

// gameStateHandler returns the engine snapshot: what a reconnecting client
// would be replayed.
func (s *FiberServer) gameStateHandler(c *fiber.Ctx) error {
	snap := s.engine.Snapshot()
	if snap.CycleID == uuid.Nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no active cycle",
		})
	}
	return c.JSON(snapshotPayload(snap))
}

func (s *FiberServer) gameHistoryHandler(c *fiber.Ctx) error {
	n := int64(c.QueryInt("limit", 50))
	crashes, err := s.cache.RecentCrashes(c.Context(), n)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "system-error",
		})
	}
	return c.JSON(fiber.Map{"crashPoints": crashes})
}

// verifyCycleHandler recomputes a finished cycle's crash point from its
// revealed seed so anyone can audit the draw.
func (s *FiberServer) verifyCycleHandler(c *fiber.Ctx) error {
	cycleID, err := uuid.Parse(c.Params("cycleId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid cycle id",
		})
	}

	cycle, err := s.cycles.FindByID(c.Context(), cycleID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "cycle not found",
		})
	}
	if cycle.CrashPoint == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "cycle not finished",
		})
	}

	return c.JSON(fiber.Map{
		"cycleId":    cycle.ID.String(),
		"seed":       cycle.Seed,
		"seedHash":   cycle.SeedHash,
		"crashPoint": cycle.CrashPoint,
		"valid":      game.VerifyCycle(cycle.Seed, cycle.SeedHash, *cycle.CrashPoint),
	})
}

func (s *FiberServer) walletHandler(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	w, err := s.ledger.BalanceOf(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "system-error",
		})
	}
	return c.JSON(w)
}

func (s *FiberServer) walletTransactionsHandler(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	txs, err := s.ledger.History(c.Context(), userID, c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "system-error",
		})
	}
	return c.JSON(fiber.Map{"transactions": txs})
}

func (s *FiberServer) betsHandler(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	bets, err := s.bets.ListByUser(c.Context(), userID, c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "system-error",
		})
	}
	return c.JSON(fiber.Map{"bets": bets})
}

// snapshotPayload converts an engine snapshot to the gameState wire shape.
func snapshotPayload(snap game.Snapshot) game.GameStatePayload {
	p := game.GameStatePayload{
		CycleID:    snap.CycleID.String(),
		State:      string(snap.State),
		Multiplier: snap.Multiplier,
		CrashPoint: snap.CrashPoint,
	}
	if snap.State == game.CycleBetting {
		countdown := snap.Countdown
		p.Countdown = &countdown
	}
	return p
}

// decimalFromWire converts a JSON number from the socket. Strings are
// rejected at unmarshal time; this only quantises.
func decimalFromWire(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
