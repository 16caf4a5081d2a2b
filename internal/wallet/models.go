package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies a wallet transaction.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindWithdraw      Kind = "withdraw"
	KindBetDebit      Kind = "bet-debit"
	KindCashoutCredit Kind = "cashout-credit"
)

// Wallet is the authoritative balance for one user. Created lazily on first
// reference, never destroyed.
type Wallet struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is an append-only ledger record. Amount carries the sign:
// credits are positive, debits negative. The sum of all amounts for a user
// equals the wallet balance at all times.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Kind          Kind            `json:"kind"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
