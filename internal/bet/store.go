package bet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"skycrash/internal/database"
)

var (
	// ErrNotFound is returned when no bet exists with the given id.
	ErrNotFound = errors.New("bet not found")

	// ErrNotActive is returned when settlement is attempted on a bet that
	// is not in the active state.
	ErrNotActive = errors.New("bet not active")

	// ErrAlreadySettled is returned when a terminal bet is settled again.
	// The row is left untouched; duplicate cash-out retries and the
	// auto/manual race both land here.
	ErrAlreadySettled = errors.New("bet already settled")
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the single source of truth for bet history. The hot-bet index is
// a projection of it and never answers durable queries.
type Store struct {
	q queryable
}

func NewStore(db *database.DB) *Store {
	return &Store{q: db.Pool}
}

// NewStoreWithTx binds a store to an open transaction.
func (s *Store) NewStoreWithTx(tx pgx.Tx) *Store {
	return &Store{q: tx}
}

const betColumns = `id, user_id, cycle_id, stake, auto_cashout, state, cashout_multiplier, payout, created_at, settled_at`

func scanBet(row pgx.Row) (*Bet, error) {
	var b Bet
	err := row.Scan(&b.ID, &b.UserID, &b.CycleID, &b.Stake, &b.AutoCashout,
		&b.State, &b.CashoutMultiplier, &b.Payout, &b.CreatedAt, &b.SettledAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Create inserts a pending bet. CycleID may be nil when no cycle is
// accepting bets; activation binds it later.
func (s *Store) Create(ctx context.Context, userID string, stake decimal.Decimal, autoCashout *decimal.Decimal, cycleID *uuid.UUID) (*Bet, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO bets (user_id, cycle_id, stake, auto_cashout, state)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING `+betColumns,
		userID, cycleID, stake, autoCashout)

	b, err := scanBet(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create bet for user %s: %w", userID, err)
	}
	return b, nil
}

// CountOpen counts the user's non-terminal bets targeting the given cycle:
// pending bets that are unbound or bound to it, plus active bets bound to
// it. Enforces the per-cycle bet limit.
func (s *Store) CountOpen(ctx context.Context, userID string, cycleID uuid.UUID) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM bets
		WHERE user_id = $1
		  AND (
			(state = 'pending' AND (cycle_id IS NULL OR cycle_id = $2))
			OR (state = 'active' AND cycle_id = $2)
		  )
	`, userID, cycleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open bets for user %s: %w", userID, err)
	}
	return count, nil
}

// ActivateAllPending transitions every pending bet that is unbound or bound
// to the cycle into the active state, bound to the cycle. Runs exactly once
// per cycle, inside the lock transaction.
func (s *Store) ActivateAllPending(ctx context.Context, cycleID uuid.UUID) ([]*Bet, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE bets
		SET state = 'active', cycle_id = $1
		WHERE state = 'pending' AND (cycle_id IS NULL OR cycle_id = $1)
		RETURNING `+betColumns, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to activate pending bets for cycle %s: %w", cycleID, err)
	}
	defer rows.Close()

	return collectBets(rows)
}

// SettleWon transitions an active bet to won at the given multiplier. The
// payout is stake x multiplier rounded half away from zero to two digits.
func (s *Store) SettleWon(ctx context.Context, betID int64, multiplier decimal.Decimal) (*Bet, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE bets
		SET state = 'won',
		    cashout_multiplier = $2,
		    payout = ROUND(stake * $2, 2),
		    settled_at = now()
		WHERE id = $1 AND state = 'active'
		RETURNING `+betColumns, betID, multiplier)

	b, err := scanBet(row)
	if err == pgx.ErrNoRows {
		return nil, s.settleConflict(ctx, betID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to settle bet %d as won: %w", betID, err)
	}
	return b, nil
}

// SettleLost transitions an active bet to lost. The wallet is untouched.
func (s *Store) SettleLost(ctx context.Context, betID int64) (*Bet, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE bets
		SET state = 'lost', settled_at = now()
		WHERE id = $1 AND state = 'active'
		RETURNING `+betColumns, betID)

	b, err := scanBet(row)
	if err == pgx.ErrNoRows {
		return nil, s.settleConflict(ctx, betID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to settle bet %d as lost: %w", betID, err)
	}
	return b, nil
}

// settleConflict classifies a failed settlement: terminal rows report
// ErrAlreadySettled, everything else ErrNotActive.
func (s *Store) settleConflict(ctx context.Context, betID int64) error {
	var state State
	err := s.q.QueryRow(ctx, `SELECT state FROM bets WHERE id = $1`, betID).Scan(&state)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to inspect bet %d: %w", betID, err)
	}
	if state.Terminal() {
		return ErrAlreadySettled
	}
	return ErrNotActive
}

// Refund transitions a non-terminal bet to refunded. Used by restart
// recovery and cycle abort.
func (s *Store) Refund(ctx context.Context, betID int64) (*Bet, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE bets
		SET state = 'refunded', settled_at = now()
		WHERE id = $1 AND state IN ('pending', 'active')
		RETURNING `+betColumns, betID)

	b, err := scanBet(row)
	if err == pgx.ErrNoRows {
		return nil, s.settleConflict(ctx, betID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refund bet %d: %w", betID, err)
	}
	return b, nil
}

// FindByID returns a single bet.
func (s *Store) FindByID(ctx context.Context, betID int64) (*Bet, error) {
	b, err := scanBet(s.q.QueryRow(ctx, `
		SELECT `+betColumns+` FROM bets WHERE id = $1`, betID))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find bet %d: %w", betID, err)
	}
	return b, nil
}

// ListActive returns the active bets bound to a cycle, ordered by id. Used
// to rebuild the hot-bet index after restart.
func (s *Store) ListActive(ctx context.Context, cycleID uuid.UUID) ([]*Bet, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+betColumns+`
		FROM bets
		WHERE cycle_id = $1 AND state = 'active'
		ORDER BY id
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bets for cycle %s: %w", cycleID, err)
	}
	defer rows.Close()

	return collectBets(rows)
}

// ListOpenForCycle returns every non-terminal bet bound to the cycle plus
// unbound pending bets. Restart recovery refunds these.
func (s *Store) ListOpenForCycle(ctx context.Context, cycleID uuid.UUID) ([]*Bet, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+betColumns+`
		FROM bets
		WHERE (state = 'active' AND cycle_id = $1)
		   OR (state = 'pending' AND (cycle_id IS NULL OR cycle_id = $1))
		ORDER BY id
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open bets for cycle %s: %w", cycleID, err)
	}
	defer rows.Close()

	return collectBets(rows)
}

// ListByUser returns the user's bets, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Bet, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.q.Query(ctx, `
		SELECT `+betColumns+`
		FROM bets
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list bets for user %s: %w", userID, err)
	}
	defer rows.Close()

	return collectBets(rows)
}

func collectBets(rows pgx.Rows) ([]*Bet, error) {
	var bets []*Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bet: %w", err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}
