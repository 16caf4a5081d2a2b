package bet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State tracks the bet lifecycle. Legal edges:
// pending -> active (cycle lock), active -> won|lost (settlement),
// pending|active -> refunded (cycle void). Terminal states never mutate.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateWon      State = "won"
	StateLost     State = "lost"
	StateRefunded State = "refunded"
)

// Terminal reports whether a state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateWon || s == StateLost || s == StateRefunded
}

// Bet is the durable wager record. CycleID is nil while the bet is pending
// for a cycle that has not opened yet; CashoutMultiplier and Payout are set
// only on won.
type Bet struct {
	ID                int64            `json:"id"`
	UserID            string           `json:"user_id"`
	CycleID           *uuid.UUID       `json:"cycle_id,omitempty"`
	Stake             decimal.Decimal  `json:"stake"`
	AutoCashout       *decimal.Decimal `json:"auto_cashout,omitempty"`
	State             State            `json:"state"`
	CashoutMultiplier *decimal.Decimal `json:"cashout_multiplier,omitempty"`
	Payout            *decimal.Decimal `json:"payout,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	SettledAt         *time.Time       `json:"settled_at,omitempty"`
}
