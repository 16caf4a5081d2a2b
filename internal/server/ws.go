package server

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"skycrash/internal/game"
)

const handshakeTimeout = 10 * time.Second

type authFrame struct {
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
}

// placeBetRequest types the wire strictly: a string amount fails to
// unmarshal instead of being coerced.
type placeBetRequest struct {
	Amount                float64  `json:"amount"`
	AutoCashoutMultiplier *float64 `json:"autoCashoutMultiplier"`
}

type cashOutRequest struct {
	BetID string `json:"betId"`
	Token string `json:"token"`
}

// gameWebSocketHandler is the socket surface: authenticate, replay state,
// then serve placeBet and cashOut until disconnect.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID, ok := s.handshake(conn)
	if !ok {
		return
	}

	client := s.hub.Register(conn, userID)
	defer s.hub.Unregister(client)

	client.Send("authOk", map[string]string{"userId": userID})
	s.sendSnapshot(client, userID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.WithField("component", "ws").
				WithField("user_id", userID).
				Debugf("read error: %v", err)
			return
		}

		var msg game.WireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "placeBet":
			s.handlePlaceBet(client, userID, msg.Data)
		case "cashOut":
			s.handleCashOut(client, userID, msg.Data)
		case "ping":
			client.Send("pong", nil)
		}
	}
}

// handshake expects {"auth":{"token":...}} as the first frame, within the
// handshake timeout. A token query parameter is accepted as a fallback for
// clients that cannot send a first frame.
func (s *FiberServer) handshake(conn *websocket.Conn) (string, bool) {
	token := conn.Query("token")
	if token == "" {
		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return "", false
		}
		var frame authFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Auth.Token == "" {
			s.closeUnauthenticated(conn)
			return "", false
		}
		token = frame.Auth.Token
		conn.SetReadDeadline(time.Time{})
	}

	id, err := s.gate.Verify(token)
	if err != nil {
		s.closeUnauthenticated(conn)
		return "", false
	}
	return id.UserID, true
}

func (s *FiberServer) closeUnauthenticated(conn *websocket.Conn) {
	msg, _ := json.Marshal(game.WireMessage{Event: "authFailed"})
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	conn.WriteMessage(websocket.TextMessage, msg)
	conn.Close()
}

// sendSnapshot replays the current cycle, the wallet and any active bets so
// a reconnecting client is immediately consistent.
func (s *FiberServer) sendSnapshot(client *game.Client, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap := s.engine.Snapshot()
	client.Send("gameState", snapshotPayload(snap))

	if w, err := s.ledger.BalanceOf(ctx, userID); err == nil {
		client.Send("walletUpdate", map[string]any{
			"balance":       w.Balance,
			"currency":      w.Currency,
			"cause":         "snapshot",
			"correlationId": "",
		})
	}

	for _, entry := range s.manager.ActiveBetsFor(userID) {
		client.Send("activeBet", map[string]any{
			"betId":                 strconv.FormatInt(entry.BetID, 10),
			"amount":                entry.Stake,
			"autoCashoutMultiplier": entry.AutoCashout,
		})
		// the token delivered at activation died with the old connection;
		// without a fresh one the bet could never be cashed out again
		if token := s.manager.ReissueCashoutToken(ctx, entry.BetID, userID); token != "" {
			client.Send("activateCashout", map[string]any{
				"betId": strconv.FormatInt(entry.BetID, 10),
				"token": token,
			})
		}
	}

	if crashes, err := s.cache.RecentCrashes(ctx, 20); err == nil {
		client.Send("crashHistory", map[string]any{"crashPoints": crashes})
	}
}

func (s *FiberServer) handlePlaceBet(client *game.Client, userID string, data json.RawMessage) {
	var req placeBetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		client.Send("placeBetAck", map[string]any{
			"success": false,
			"error":   "stake-out-of-range",
		})
		return
	}

	stake := decimalFromWire(req.Amount)
	var auto *decimal.Decimal
	if req.AutoCashoutMultiplier != nil {
		d := decimalFromWire(*req.AutoCashoutMultiplier)
		auto = &d
	}

	result, err := s.manager.PlaceBet(context.Background(), userID, stake, auto)
	if err != nil {
		client.Send("placeBetAck", map[string]any{
			"success": false,
			"error":   game.ErrorCode(err),
		})
		return
	}

	client.Send("placeBetAck", map[string]any{
		"success":    true,
		"betId":      strconv.FormatInt(result.BetID, 10),
		"newBalance": result.NewBalance,
	})
}

func (s *FiberServer) handleCashOut(client *game.Client, userID string, data json.RawMessage) {
	var req cashOutRequest
	if err := json.Unmarshal(data, &req); err != nil {
		client.Send("cashOutAck", map[string]any{
			"success": false,
			"error":   "not-active",
		})
		return
	}

	betID, err := strconv.ParseInt(req.BetID, 10, 64)
	if err != nil {
		client.Send("cashOutAck", map[string]any{
			"success": false,
			"error":   "not-active",
		})
		return
	}

	result, err := s.manager.CashOut(context.Background(), userID, betID, req.Token)
	if err != nil {
		code := game.ErrorCode(err)
		client.Send("cashOutAck", map[string]any{
			"success": false,
			"error":   code,
		})
		s.hub.SendToUser(userID, "cashoutError", map[string]any{
			"betId": req.BetID,
			"error": code,
		})
		return
	}

	client.Send("cashOutAck", map[string]any{
		"success":    true,
		"betId":      strconv.FormatInt(result.BetID, 10),
		"payout":     result.Payout,
		"multiplier": result.Multiplier,
		"newBalance": result.NewBalance,
	})
}
