package game

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType enumerates what the engine can tell the hub. The channel is one
// way: the engine never hears back.
type EventType int

const (
	// PhaseChanged marks an edge of the cycle state machine.
	PhaseChanged EventType = iota
	// Tick carries a multiplier update while flying, or a countdown
	// update at 1 Hz while betting.
	Tick
	// Crashed is the terminal broadcast of a cycle, carrying the seed
	// reveal.
	Crashed
	// Aborted signals that a cycle was abandoned after repeated lock
	// failures and its pending bets refunded.
	Aborted
)

// Snapshot is the read-only view of the engine used for event payloads and
// connect-time replay.
type Snapshot struct {
	CycleID    uuid.UUID
	State      CycleState
	Multiplier decimal.Decimal
	CrashPoint *decimal.Decimal
	Countdown  float64 // seconds left in the betting window, 0 elsewhere
}

// Event is what flows over the engine's outbound channel.
type Event struct {
	Type     EventType
	Snapshot Snapshot
	Seed     string // set on Crashed
}

// GameStatePayload is the wire shape of the gameState broadcast.
type GameStatePayload struct {
	CycleID    string           `json:"cycleId"`
	State      string           `json:"state"`
	Multiplier decimal.Decimal  `json:"multiplier"`
	CrashPoint *decimal.Decimal `json:"crashPoint,omitempty"`
	Countdown  *float64         `json:"countdown,omitempty"`
	Seed       string           `json:"seed,omitempty"`
}

func payloadFromEvent(ev Event) GameStatePayload {
	p := GameStatePayload{
		CycleID:    ev.Snapshot.CycleID.String(),
		State:      string(ev.Snapshot.State),
		Multiplier: ev.Snapshot.Multiplier,
		CrashPoint: ev.Snapshot.CrashPoint,
		Seed:       ev.Seed,
	}
	if ev.Snapshot.State == CycleBetting {
		countdown := ev.Snapshot.Countdown
		p.Countdown = &countdown
	}
	return p
}
