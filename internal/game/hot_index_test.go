package game

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycrash/internal/bet"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func indexBet(id int64, userID string, stake string, auto *decimal.Decimal) *bet.Bet {
	return &bet.Bet{
		ID:          id,
		UserID:      userID,
		Stake:       dec(stake),
		AutoCashout: auto,
		State:       bet.StateActive,
	}
}

func TestHotIndexLoadAndLookup(t *testing.T) {
	idx := NewHotIndex()
	cycleID := uuid.New()

	idx.Load(cycleID, []*bet.Bet{
		indexBet(1, "alice", "100.00", decPtr("2.00")),
		indexBet(2, "bob", "50.00", nil),
		indexBet(3, "alice", "20.00", decPtr("1.50")),
	})

	assert.Equal(t, cycleID, idx.CycleID())
	assert.Equal(t, 3, idx.Len())

	e, ok := idx.Get(2)
	require.True(t, ok)
	assert.Equal(t, "bob", e.UserID)
	assert.Nil(t, e.AutoCashout)

	assert.Len(t, idx.ForUser("alice"), 2)
	assert.Empty(t, idx.ForUser("nobody"))
}

func TestHotIndexSweepOrder(t *testing.T) {
	idx := NewHotIndex()
	idx.Load(uuid.New(), []*bet.Bet{
		indexBet(1, "a", "10.00", decPtr("3.00")),
		indexBet(2, "b", "10.00", decPtr("1.20")),
		indexBet(3, "c", "10.00", decPtr("2.00")),
		indexBet(4, "d", "10.00", nil), // never swept
	})

	got := idx.EligibleAutoCashouts(dec("2.00"))
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].BetID, "lowest threshold first")
	assert.Equal(t, int64(3), got[1].BetID)

	// Below every threshold: nothing eligible.
	assert.Empty(t, idx.EligibleAutoCashouts(dec("1.10")))

	// At or above all thresholds: everything with a threshold.
	assert.Len(t, idx.EligibleAutoCashouts(dec("50.00")), 3)
}

func TestHotIndexRemoveSkippedBySweep(t *testing.T) {
	idx := NewHotIndex()
	idx.Load(uuid.New(), []*bet.Bet{
		indexBet(1, "a", "10.00", decPtr("1.20")),
		indexBet(2, "b", "10.00", decPtr("1.40")),
	})

	idx.Remove(1)

	assert.Equal(t, 1, idx.Len())
	_, ok := idx.Get(1)
	assert.False(t, ok)
	assert.Empty(t, idx.ForUser("a"))

	got := idx.EligibleAutoCashouts(dec("2.00"))
	require.Len(t, got, 1, "removed entry must not be swept")
	assert.Equal(t, int64(2), got[0].BetID)

	// Removing twice is a no-op.
	idx.Remove(1)
	assert.Equal(t, 1, idx.Len())
}

func TestHotIndexClear(t *testing.T) {
	idx := NewHotIndex()
	idx.Load(uuid.New(), []*bet.Bet{
		indexBet(1, "a", "10.00", decPtr("1.20")),
	})

	idx.Clear()

	assert.Equal(t, uuid.Nil, idx.CycleID())
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.All())
	assert.Empty(t, idx.EligibleAutoCashouts(dec("50.00")))
}

func TestHotIndexLoadReplaces(t *testing.T) {
	idx := NewHotIndex()
	idx.Load(uuid.New(), []*bet.Bet{
		indexBet(1, "a", "10.00", decPtr("1.20")),
	})

	next := uuid.New()
	idx.Load(next, []*bet.Bet{
		indexBet(9, "z", "5.00", nil),
	})

	assert.Equal(t, next, idx.CycleID())
	_, ok := idx.Get(1)
	assert.False(t, ok)
	_, ok = idx.Get(9)
	assert.True(t, ok)
}
