package wallet

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"skycrash/internal/database"
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

// inTx runs fn on a transaction-bound ledger, as the lifecycle manager does.
func inTx(t *testing.T, fn func(l *Ledger) error) error {
	t.Helper()
	base := NewLedger(testDB, "KSH")
	return testDB.WithTransaction(context.Background(), func(tx pgx.Tx) error {
		return fn(base.NewLedgerWithTx(tx))
	})
}

func TestBalanceOfUnknownUserIsZero(t *testing.T) {
	l := NewLedger(testDB, "KSH")

	w, err := l.BalanceOf(context.Background(), "wallet-nobody")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Equal(t, "KSH", w.Currency)
}

func TestLockCreatesWalletLazily(t *testing.T) {
	ctx := context.Background()
	user := "wallet-lock-lazy"

	err := inTx(t, func(l *Ledger) error {
		if err := l.Lock(ctx, user); err != nil {
			return err
		}
		w, err := l.BalanceOf(ctx, user)
		if err != nil {
			return err
		}
		require.True(t, w.Balance.IsZero())
		require.Equal(t, int64(0), w.Version)
		return nil
	})
	require.NoError(t, err)

	// the row survives the transaction
	w, err := NewLedger(testDB, "KSH").BalanceOf(ctx, user)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}

func TestCreditAndDebit(t *testing.T) {
	ctx := context.Background()
	user := "wallet-credit-debit"

	err := inTx(t, func(l *Ledger) error {
		w, err := l.Credit(ctx, user, d("150.00"), KindDeposit, nil)
		if err != nil {
			return err
		}
		assert.True(t, w.Balance.Equal(d("150.00")))
		return nil
	})
	require.NoError(t, err)

	corr := "7"
	err = inTx(t, func(l *Ledger) error {
		w, err := l.Debit(ctx, user, d("60.00"), KindBetDebit, &corr)
		if err != nil {
			return err
		}
		assert.True(t, w.Balance.Equal(d("90.00")))
		return nil
	})
	require.NoError(t, err)

	l := NewLedger(testDB, "KSH")
	w, err := l.BalanceOf(ctx, user)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d("90.00")))
	assert.GreaterOrEqual(t, w.Version, int64(2), "each mutation bumps the version")
}

func TestDebitInsufficientFundsRollsBack(t *testing.T) {
	ctx := context.Background()
	user := "wallet-poor"

	err := inTx(t, func(l *Ledger) error {
		_, err := l.Credit(ctx, user, d("10.00"), KindDeposit, nil)
		return err
	})
	require.NoError(t, err)

	err = inTx(t, func(l *Ledger) error {
		_, err := l.Debit(ctx, user, d("10.01"), KindBetDebit, nil)
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	w, err := NewLedger(testDB, "KSH").BalanceOf(ctx, user)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d("10.00")), "failed debit must not move the balance")
}

func TestMutationsRejectNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()

	err := inTx(t, func(l *Ledger) error {
		_, err := l.Credit(ctx, "wallet-amounts", d("0.00"), KindDeposit, nil)
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	err = inTx(t, func(l *Ledger) error {
		_, err := l.Debit(ctx, "wallet-amounts", d("-5.00"), KindBetDebit, nil)
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestHistoryRecordsSignedAmounts(t *testing.T) {
	ctx := context.Background()
	user := "wallet-history"

	// separate transactions so created_at orders them
	corr := "42"
	require.NoError(t, inTx(t, func(l *Ledger) error {
		_, err := l.Credit(ctx, user, d("200.00"), KindDeposit, nil)
		return err
	}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, inTx(t, func(l *Ledger) error {
		_, err := l.Debit(ctx, user, d("50.00"), KindBetDebit, &corr)
		return err
	}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, inTx(t, func(l *Ledger) error {
		_, err := l.Credit(ctx, user, d("75.00"), KindCashoutCredit, &corr)
		return err
	}))

	l := NewLedger(testDB, "KSH")
	txs, err := l.History(ctx, user, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)

	// newest first
	assert.Equal(t, KindCashoutCredit, txs[0].Kind)
	assert.True(t, txs[0].Amount.Equal(d("75.00")))
	require.NotNil(t, txs[0].CorrelationID)
	assert.Equal(t, "42", *txs[0].CorrelationID)

	assert.Equal(t, KindBetDebit, txs[1].Kind)
	assert.True(t, txs[1].Amount.Equal(d("-50.00")), "debits are stored negative")

	assert.Equal(t, KindDeposit, txs[2].Kind)
	assert.Nil(t, txs[2].CorrelationID)

	// the ledger reconciles: balance equals the transaction sum
	w, err := l.BalanceOf(ctx, user)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	assert.True(t, w.Balance.Equal(sum))
}
