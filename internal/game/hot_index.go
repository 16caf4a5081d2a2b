package game

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"skycrash/internal/bet"
)

// HotEntry is the in-memory projection of one active bet.
type HotEntry struct {
	BetID       int64
	UserID      string
	Stake       decimal.Decimal
	AutoCashout *decimal.Decimal
}

// HotIndex holds the active bets of the current cycle for O(1) cash-out
// removal and an ordered auto-cashout sweep. It is a projection of the bet
// store: rebuilt at cycle lock, cleared at crash, never persisted.
type HotIndex struct {
	mu      sync.RWMutex
	cycleID uuid.UUID
	byBet   map[int64]*HotEntry
	byUser  map[string][]int64

	// sweep order, ascending auto-cashout threshold; entries removed from
	// byBet are skipped lazily so removal stays O(1)
	ordered []*HotEntry
}

func NewHotIndex() *HotIndex {
	return &HotIndex{
		byBet:  make(map[int64]*HotEntry),
		byUser: make(map[string][]int64),
	}
}

// Load replaces the index contents with the activated bets of a cycle.
func (idx *HotIndex) Load(cycleID uuid.UUID, bets []*bet.Bet) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.cycleID = cycleID
	idx.byBet = make(map[int64]*HotEntry, len(bets))
	idx.byUser = make(map[string][]int64)
	idx.ordered = idx.ordered[:0]

	for _, b := range bets {
		e := &HotEntry{
			BetID:       b.ID,
			UserID:      b.UserID,
			Stake:       b.Stake,
			AutoCashout: b.AutoCashout,
		}
		idx.byBet[e.BetID] = e
		idx.byUser[e.UserID] = append(idx.byUser[e.UserID], e.BetID)
		if e.AutoCashout != nil {
			idx.ordered = append(idx.ordered, e)
		}
	}

	sort.Slice(idx.ordered, func(i, j int) bool {
		return idx.ordered[i].AutoCashout.LessThan(*idx.ordered[j].AutoCashout)
	})
}

// CycleID returns the cycle the index was loaded for.
func (idx *HotIndex) CycleID() uuid.UUID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.cycleID
}

// Get returns the entry for a bet, if present.
func (idx *HotIndex) Get(betID int64) (HotEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.byBet[betID]
	if !ok {
		return HotEntry{}, false
	}
	return *e, true
}

// Remove drops a bet from the index after settlement.
func (idx *HotIndex) Remove(betID int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.byBet[betID]
	if !ok {
		return
	}
	delete(idx.byBet, betID)

	ids := idx.byUser[e.UserID]
	for i, id := range ids {
		if id == betID {
			idx.byUser[e.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(idx.byUser[e.UserID]) == 0 {
		delete(idx.byUser, e.UserID)
	}
	// ordered entry is skipped lazily by the sweep
}

// ForUser returns the user's entries, for the connect snapshot.
func (idx *HotIndex) ForUser(userID string) []HotEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []HotEntry
	for _, id := range idx.byUser[userID] {
		if e, ok := idx.byBet[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// EligibleAutoCashouts returns entries whose threshold is at or below the
// multiplier, in ascending threshold order. The scan stops at the first
// entry above the multiplier.
func (idx *HotIndex) EligibleAutoCashouts(multiplier decimal.Decimal) []HotEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []HotEntry
	for _, e := range idx.ordered {
		if e.AutoCashout.GreaterThan(multiplier) {
			break
		}
		if _, live := idx.byBet[e.BetID]; live {
			out = append(out, *e)
		}
	}
	return out
}

// All returns every live entry. Crash settlement walks this.
func (idx *HotIndex) All() []HotEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]HotEntry, 0, len(idx.byBet))
	for _, e := range idx.byBet {
		out = append(out, *e)
	}
	return out
}

// Len reports the number of live entries.
func (idx *HotIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byBet)
}

// Clear empties the index at cycle close.
func (idx *HotIndex) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.cycleID = uuid.Nil
	idx.byBet = make(map[int64]*HotEntry)
	idx.byUser = make(map[string][]int64)
	idx.ordered = idx.ordered[:0]
}
