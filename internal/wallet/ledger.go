package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"skycrash/internal/database"
)

var (
	// ErrInsufficientFunds is returned by Debit when the balance cannot
	// cover the amount. Non-retryable.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned when a mutation amount is not strictly
	// positive.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// InvariantChecks re-verifies the ledger-sum invariant after every mutation.
// Left on outside production.
var InvariantChecks = os.Getenv("ENVIRONMENT") != "production"

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger owns all wallet mutation. Credit and Debit take the wallet row
// lock, so concurrent mutations to the same user are totally ordered; they
// must run on a transaction-bound ledger.
type Ledger struct {
	q        queryable
	currency string
}

func NewLedger(db *database.DB, currency string) *Ledger {
	return &Ledger{q: db.Pool, currency: currency}
}

// NewLedgerWithTx binds a ledger to an open transaction.
func (l *Ledger) NewLedgerWithTx(tx pgx.Tx) *Ledger {
	return &Ledger{q: tx, currency: l.currency}
}

// lockWallet creates the wallet row if missing and returns it locked for
// update.
func (l *Ledger) lockWallet(ctx context.Context, userID string) (*Wallet, error) {
	_, err := l.q.Exec(ctx, `
		INSERT INTO wallets (user_id, balance, currency)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, l.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet for user %s: %w", userID, err)
	}

	var w Wallet
	err = l.q.QueryRow(ctx, `
		SELECT user_id, balance, currency, version, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&w.UserID, &w.Balance, &w.Currency, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet for user %s: %w", userID, err)
	}
	return &w, nil
}

// Lock takes the user's wallet row lock for the remainder of the
// transaction, creating the wallet if missing. Admission checks that must
// not race concurrent placements by the same user run behind it.
func (l *Ledger) Lock(ctx context.Context, userID string) error {
	_, err := l.lockWallet(ctx, userID)
	return err
}

func (l *Ledger) apply(ctx context.Context, userID string, signed decimal.Decimal, kind Kind, correlation *string) (*Wallet, error) {
	w, err := l.lockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	newBalance := w.Balance.Add(signed)
	if newBalance.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	err = l.q.QueryRow(ctx, `
		UPDATE wallets
		SET balance = $1, version = version + 1, updated_at = now()
		WHERE user_id = $2
		RETURNING balance, version, updated_at
	`, newBalance, userID).Scan(&w.Balance, &w.Version, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance for user %s: %w", userID, err)
	}

	_, err = l.q.Exec(ctx, `
		INSERT INTO wallet_transactions (user_id, amount, kind, correlation_id)
		VALUES ($1, $2, $3, $4)
	`, userID, signed, kind, correlation)
	if err != nil {
		return nil, fmt.Errorf("failed to append transaction for user %s: %w", userID, err)
	}

	if InvariantChecks {
		if err := l.verifyLedgerSum(ctx, userID, w.Balance); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// Credit adds amount to the user's wallet unconditionally and appends a
// transaction.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, kind Kind, correlation *string) (*Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, userID, amount.Round(2), kind, correlation)
}

// Debit subtracts amount from the user's wallet, failing with
// ErrInsufficientFunds when the balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, kind Kind, correlation *string) (*Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, userID, amount.Round(2).Neg(), kind, correlation)
}

// BalanceOf returns the wallet, creating it lazily.
func (l *Ledger) BalanceOf(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := l.q.QueryRow(ctx, `
		SELECT user_id, balance, currency, version, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
	`, userID).Scan(&w.UserID, &w.Balance, &w.Currency, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err == pgx.ErrNoRows {
		return &Wallet{UserID: userID, Balance: decimal.Zero, Currency: l.currency}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet for user %s: %w", userID, err)
	}
	return &w, nil
}

// History returns the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := l.q.Query(ctx, `
		SELECT id, user_id, amount, kind, correlation_id, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.CorrelationID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

func (l *Ledger) verifyLedgerSum(ctx context.Context, userID string, balance decimal.Decimal) error {
	var sum decimal.Decimal
	err := l.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_transactions
		WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return fmt.Errorf("failed to verify ledger sum for user %s: %w", userID, err)
	}
	if !sum.Equal(balance) {
		return fmt.Errorf("ledger sum mismatch for user %s: balance=%s sum=%s", userID, balance, sum)
	}
	return nil
}
