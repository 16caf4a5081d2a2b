package bet

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"skycrash/internal/database"
	"skycrash/internal/wallet"
)

var testDB *database.DB

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase("database"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		os.Exit(0)
	}
	defer container.Terminate(context.Background())

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(1)
	}

	mdb, err := sql.Open("pgx", url)
	if err != nil {
		os.Exit(1)
	}
	if err := database.RunMigrations(mdb, "../../migrations"); err != nil {
		mdb.Close()
		os.Exit(1)
	}
	mdb.Close()

	testDB, err = database.Connect(ctx, url)
	if err != nil {
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newCycle inserts a cycle row so bets can bind to it.
func newCycle(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := testDB.Exec(context.Background(), `
		INSERT INTO cycles (id, state, seed, seed_hash)
		VALUES ($1, 'betting', 'test-seed', 'test-hash')
	`, id)
	require.NoError(t, err)
	return id
}

func TestCreateBoundAndUnbound(t *testing.T) {
	store := NewStore(testDB)
	ctx := context.Background()
	cycleID := newCycle(t)

	bound, err := store.Create(ctx, "bets-create", d("50.00"), nil, &cycleID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, bound.State)
	require.NotNil(t, bound.CycleID)
	assert.Equal(t, cycleID, *bound.CycleID)
	assert.True(t, bound.Stake.Equal(d("50.00")))
	assert.Nil(t, bound.SettledAt)

	auto := d("2.50")
	unbound, err := store.Create(ctx, "bets-create", d("25.00"), &auto, nil)
	require.NoError(t, err)
	assert.Nil(t, unbound.CycleID)
	require.NotNil(t, unbound.AutoCashout)
	assert.True(t, unbound.AutoCashout.Equal(auto))

	assert.Greater(t, unbound.ID, bound.ID, "ids are monotonic")

	// terminalise the unbound bet so later activations do not pick it up
	_, err = store.Refund(ctx, unbound.ID)
	require.NoError(t, err)
}

func TestCountOpenAndActivate(t *testing.T) {
	store := NewStore(testDB)
	ctx := context.Background()
	cycleID := newCycle(t)
	user := "bets-activate"

	_, err := store.Create(ctx, user, d("10.00"), nil, &cycleID)
	require.NoError(t, err)
	_, err = store.Create(ctx, user, d("10.00"), nil, nil) // unbound, joins at lock
	require.NoError(t, err)

	n, err := store.CountOpen(ctx, user, cycleID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "bound pending and unbound pending both count")

	activated, err := store.ActivateAllPending(ctx, cycleID)
	require.NoError(t, err)
	require.Len(t, activated, 2)
	for _, b := range activated {
		assert.Equal(t, StateActive, b.State)
		require.NotNil(t, b.CycleID)
		assert.Equal(t, cycleID, *b.CycleID)
	}

	n, err = store.CountOpen(ctx, user, cycleID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "active bets still count toward the limit")
}

func TestActivateSkipsOtherCycles(t *testing.T) {
	store := NewStore(testDB)
	ctx := context.Background()
	mine := newCycle(t)
	other := newCycle(t)

	b, err := store.Create(ctx, "bets-other-cycle", d("10.00"), nil, &other)
	require.NoError(t, err)

	_, err = store.ActivateAllPending(ctx, mine)
	require.NoError(t, err)

	found, err := store.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, found.State, "bet bound elsewhere must stay pending")
	assert.Equal(t, other, *found.CycleID)
}

func TestSettleWonComputesPayout(t *testing.T) {
	store := NewStore(testDB)
	ctx := context.Background()
	cycleID := newCycle(t)

	b, err := store.Create(ctx, "bets-won", d("33.33"), nil, &cycleID)
	require.NoError(t, err)
	_, err = store.ActivateAllPending(ctx, cycleID)
	require.NoError(t, err)

	won, err := store.SettleWon(ctx, b.ID, d("1.57"))
	require.NoError(t, err)
	assert.Equal(t, StateWon, won.State)
	require.NotNil(t, won.Payout)
	// 33.33 * 1.57 = 52.3281 -> 52.33
	assert.True(t, won.Payout.Equal(d("52.33")), "got %s", won.Payout)
	require.NotNil(t, won.CashoutMultiplier)
	assert.True(t, won.CashoutMultiplier.Equal(d("1.57")))
	assert.NotNil(t, won.SettledAt)
}

func TestSettleIsSerialisationPoint(t *testing.T) {
	store := NewStore(testDB)
	ctx := context.Background()
	cycleID := newCycle(t)

	b, err := store.Create(ctx, "bets-race", d("20.00"), nil, &cycleID)
	require.NoError(t, err)
	_, err = store.ActivateAllPending(ctx, cycleID)
	require.NoError(t, err)

	_, err = store.SettleWon(ctx, b.ID, d("2.00"))
	require.NoError(t, err)

	// second winner, a loser and a refund all bounce off the settled row
	_, err = store.SettleWon(ctx, b.ID, d("2.10"))
	assert.ErrorIs(t, err, ErrAlreadySettled)
	_, err = store.SettleLost(ctx, b.ID)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	_, err = store.Refund(ctx, b.ID)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	found, err := store.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWon, found.State)
	assert.True(t, found.CashoutMultiplier.Equal(d("2.00")), "first settlement wins")
}

func TestSettlePendingIsNotActive(t *testing.T) {
	store := NewStore(testDB)
	ctx := context.Background()
	cycleID := newCycle(t)

	b, err := store.Create(ctx, "bets-pending", d("20.00"), nil, &cycleID)
	require.NoError(t, err)

	_, err = store.SettleWon(ctx, b.ID, d("2.00"))
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = store.SettleWon(ctx, 999999999, d("2.00"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefundPendingAndActive(t *testing.T) {
	store := NewStore(testDB)
	ctx := context.Background()
	cycleID := newCycle(t)

	pending, err := store.Create(ctx, "bets-refund", d("20.00"), nil, &cycleID)
	require.NoError(t, err)

	refunded, err := store.Refund(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, refunded.State)
	assert.Nil(t, refunded.Payout, "refund never sets a payout")
}

func TestListOpenForCycle(t *testing.T) {
	store := NewStore(testDB)
	ctx := context.Background()
	cycleID := newCycle(t)
	user := "bets-list-open"

	bound, err := store.Create(ctx, user, d("10.00"), nil, &cycleID)
	require.NoError(t, err)
	unbound, err := store.Create(ctx, user, d("10.00"), nil, nil)
	require.NoError(t, err)
	settledBet, err := store.Create(ctx, user, d("10.00"), nil, &cycleID)
	require.NoError(t, err)
	_, err = store.ActivateAllPending(ctx, cycleID)
	require.NoError(t, err)
	_, err = store.SettleLost(ctx, settledBet.ID)
	require.NoError(t, err)

	open, err := store.ListOpenForCycle(ctx, cycleID)
	require.NoError(t, err)

	ids := make(map[int64]bool)
	for _, b := range open {
		ids[b.ID] = true
	}
	assert.True(t, ids[bound.ID])
	assert.True(t, ids[unbound.ID], "activation bound it to this cycle")
	assert.False(t, ids[settledBet.ID], "terminal bets are not open")
}

func TestListByUserNewestFirst(t *testing.T) {
	store := NewStore(testDB)
	ctx := context.Background()
	cycleID := newCycle(t)
	user := "bets-list-user"

	first, err := store.Create(ctx, user, d("10.00"), nil, &cycleID)
	require.NoError(t, err)
	second, err := store.Create(ctx, user, d("20.00"), nil, &cycleID)
	require.NoError(t, err)

	bets, err := store.ListByUser(ctx, user, 10, 0)
	require.NoError(t, err)
	require.Len(t, bets, 2)
	assert.Equal(t, second.ID, bets[0].ID)
	assert.Equal(t, first.ID, bets[1].ID)
}

// Under read committed, two transactions counting the same committed rows
// would both pass the limit check; the wallet row lock taken first makes
// admission per-user serial.
func TestConcurrentAdmissionHoldsBetLimit(t *testing.T) {
	store := NewStore(testDB)
	ledger := wallet.NewLedger(testDB, "KSH")
	ctx := context.Background()
	cycleID := newCycle(t)
	user := "bets-concurrent"
	const limit = 2

	errLimit := errors.New("bet limit exceeded")

	const attempts = 8
	start := make(chan struct{})
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- testDB.WithTransaction(ctx, func(tx pgx.Tx) error {
				if err := ledger.NewLedgerWithTx(tx).Lock(ctx, user); err != nil {
					return err
				}
				stx := store.NewStoreWithTx(tx)
				open, err := stx.CountOpen(ctx, user, cycleID)
				if err != nil {
					return err
				}
				if open >= limit {
					return errLimit
				}
				_, err = stx.Create(ctx, user, d("10.00"), nil, &cycleID)
				return err
			})
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	accepted := 0
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, errLimit)
	}
	assert.Equal(t, limit, accepted)

	open, err := store.CountOpen(ctx, user, cycleID)
	require.NoError(t, err)
	assert.Equal(t, limit, open)
}
