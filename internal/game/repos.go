package game

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"skycrash/internal/bet"
	"skycrash/internal/database"
	"skycrash/internal/wallet"
)

// WalletLedger is the slice of the wallet ledger the lifecycle manager
// mutates. Mutations run on a transaction-bound ledger.
type WalletLedger interface {
	Lock(ctx context.Context, userID string) error
	Credit(ctx context.Context, userID string, amount decimal.Decimal, kind wallet.Kind, correlation *string) (*wallet.Wallet, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, kind wallet.Kind, correlation *string) (*wallet.Wallet, error)
	BalanceOf(ctx context.Context, userID string) (*wallet.Wallet, error)
}

// BetStore is the durable bet ledger.
type BetStore interface {
	Create(ctx context.Context, userID string, stake decimal.Decimal, autoCashout *decimal.Decimal, cycleID *uuid.UUID) (*bet.Bet, error)
	CountOpen(ctx context.Context, userID string, cycleID uuid.UUID) (int, error)
	ActivateAllPending(ctx context.Context, cycleID uuid.UUID) ([]*bet.Bet, error)
	SettleWon(ctx context.Context, betID int64, multiplier decimal.Decimal) (*bet.Bet, error)
	SettleLost(ctx context.Context, betID int64) (*bet.Bet, error)
	Refund(ctx context.Context, betID int64) (*bet.Bet, error)
	FindByID(ctx context.Context, betID int64) (*bet.Bet, error)
	ListActive(ctx context.Context, cycleID uuid.UUID) ([]*bet.Bet, error)
	ListOpenForCycle(ctx context.Context, cycleID uuid.UUID) ([]*bet.Bet, error)
}

// CycleStore persists cycle rows.
type CycleStore interface {
	Create(ctx context.Context, c *Cycle) error
	MarkFlying(ctx context.Context, id uuid.UUID) error
	MarkCrashed(ctx context.Context, id uuid.UUID, crashPoint decimal.Decimal) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	ForceComplete(ctx context.Context, id uuid.UUID, crashPoint decimal.Decimal) error
	FindOpen(ctx context.Context) (*Cycle, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Cycle, error)
}

// Repos bundles the three stores. WithTx yields a Repos whose stores all
// share one transaction; returning an error rolls everything back.
type Repos interface {
	Wallets() WalletLedger
	Bets() BetStore
	Cycles() CycleStore
	WithTx(ctx context.Context, fn func(r Repos) error) error
}

type pgRepos struct {
	db      *database.DB
	wallets *wallet.Ledger
	bets    *bet.Store
	cycles  *PgCycleStore
}

// NewRepos builds the postgres-backed store bundle.
func NewRepos(db *database.DB, currency string) Repos {
	return &pgRepos{
		db:      db,
		wallets: wallet.NewLedger(db, currency),
		bets:    bet.NewStore(db),
		cycles:  NewPgCycleStore(db),
	}
}

func (r *pgRepos) Wallets() WalletLedger { return r.wallets }
func (r *pgRepos) Bets() BetStore        { return r.bets }
func (r *pgRepos) Cycles() CycleStore    { return r.cycles }

func (r *pgRepos) WithTx(ctx context.Context, fn func(tr Repos) error) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&pgRepos{
			db:      r.db,
			wallets: r.wallets.NewLedgerWithTx(tx),
			bets:    r.bets.NewStoreWithTx(tx),
			cycles:  r.cycles.WithTx(tx),
		})
	})
}
