package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"skycrash/internal/database"
)

// CycleState is the phase of a game cycle.
type CycleState string

const (
	CycleBetting   CycleState = "betting"
	CycleFlying    CycleState = "flying"
	CycleCrashed   CycleState = "crashed"
	CycleCompleted CycleState = "completed"
)

// ErrCycleNotFound is returned when no cycle row matches.
var ErrCycleNotFound = errors.New("cycle not found")

// Cycle is one run of the state machine. Seed and SeedHash are persisted at
// creation for post-hoc verification; CrashPoint is persisted only once the
// cycle has crashed.
type Cycle struct {
	ID         uuid.UUID        `json:"id"`
	State      CycleState       `json:"state"`
	Seed       string           `json:"seed"`
	SeedHash   string           `json:"seed_hash"`
	CrashPoint *decimal.Decimal `json:"crash_point,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FlewAt     *time.Time       `json:"flew_at,omitempty"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
}

type cycleQueryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgCycleStore persists cycles in postgres. The engine is the only writer.
type PgCycleStore struct {
	q cycleQueryable
}

func NewPgCycleStore(db *database.DB) *PgCycleStore {
	return &PgCycleStore{q: db.Pool}
}

// WithTx binds the store to an open transaction.
func (s *PgCycleStore) WithTx(tx pgx.Tx) *PgCycleStore {
	return &PgCycleStore{q: tx}
}

func (s *PgCycleStore) Create(ctx context.Context, c *Cycle) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO cycles (id, state, seed, seed_hash)
		VALUES ($1, 'betting', $2, $3)
		RETURNING created_at
	`, c.ID, c.Seed, c.SeedHash).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create cycle %s: %w", c.ID, err)
	}
	c.State = CycleBetting
	return nil
}

func (s *PgCycleStore) MarkFlying(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE cycles SET state = 'flying', flew_at = now()
		WHERE id = $1 AND state = 'betting'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark cycle %s flying: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCycleNotFound
	}
	return nil
}

func (s *PgCycleStore) MarkCrashed(ctx context.Context, id uuid.UUID, crashPoint decimal.Decimal) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE cycles SET state = 'crashed', crash_point = $2, ended_at = now()
		WHERE id = $1 AND state = 'flying'
	`, id, crashPoint)
	if err != nil {
		return fmt.Errorf("failed to mark cycle %s crashed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCycleNotFound
	}
	return nil
}

func (s *PgCycleStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE cycles SET state = 'completed'
		WHERE id = $1 AND state = 'crashed'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark cycle %s completed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCycleNotFound
	}
	return nil
}

// ForceComplete terminates a cycle from any state with the given crash
// point. Restart recovery and cycle abort use this.
func (s *PgCycleStore) ForceComplete(ctx context.Context, id uuid.UUID, crashPoint decimal.Decimal) error {
	_, err := s.q.Exec(ctx, `
		UPDATE cycles SET state = 'completed', crash_point = $2,
		       ended_at = COALESCE(ended_at, now())
		WHERE id = $1 AND state != 'completed'
	`, id, crashPoint)
	if err != nil {
		return fmt.Errorf("failed to force-complete cycle %s: %w", id, err)
	}
	return nil
}

// FindOpen returns the single non-completed cycle, or ErrCycleNotFound.
func (s *PgCycleStore) FindOpen(ctx context.Context) (*Cycle, error) {
	var c Cycle
	err := s.q.QueryRow(ctx, `
		SELECT id, state, seed, seed_hash, crash_point, created_at, flew_at, ended_at
		FROM cycles
		WHERE state != 'completed'
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&c.ID, &c.State, &c.Seed, &c.SeedHash, &c.CrashPoint, &c.CreatedAt, &c.FlewAt, &c.EndedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open cycle: %w", err)
	}
	return &c, nil
}

// FindByID returns one cycle, for the fairness verification endpoint.
func (s *PgCycleStore) FindByID(ctx context.Context, id uuid.UUID) (*Cycle, error) {
	var c Cycle
	err := s.q.QueryRow(ctx, `
		SELECT id, state, seed, seed_hash, crash_point, created_at, flew_at, ended_at
		FROM cycles
		WHERE id = $1
	`, id).Scan(&c.ID, &c.State, &c.Seed, &c.SeedHash, &c.CrashPoint, &c.CreatedAt, &c.FlewAt, &c.EndedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find cycle %s: %w", id, err)
	}
	return &c, nil
}
