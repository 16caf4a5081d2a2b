package game

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"skycrash/internal/bet"
	"skycrash/internal/cache"
	"skycrash/internal/wallet"
)

const (
	dbTimeout       = 15 * time.Second
	cashoutTokenTTL = 30 * time.Second
)

var transientBackoffs = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond}

// Notifier is the slice of the hub the manager emits through.
type Notifier interface {
	Broadcast(event string, data any)
	SendToUser(userID, event string, data any)
}

// EngineView is the read-only engine surface the manager consults.
type EngineView interface {
	Snapshot() Snapshot
}

// ManagerConfig carries the bet admission limits.
type ManagerConfig struct {
	MinBet           decimal.Decimal
	MaxBet           decimal.Decimal
	BetLimitPerCycle int
}

// Manager composes the wallet ledger, bet store and hot-bet index into the
// bet lifecycle: admission, debit, activation, cash-out, settlement. It is
// the only mutator of wallet and bet rows.
type Manager struct {
	cfg    ManagerConfig
	repos  Repos
	index  *HotIndex
	hub    Notifier
	cache  cache.Service
	engine EngineView

	log *log.Entry
}

func NewManager(cfg ManagerConfig, repos Repos, index *HotIndex, hub Notifier, cacheSvc cache.Service) *Manager {
	return &Manager{
		cfg:   cfg,
		repos: repos,
		index: index,
		hub:   hub,
		cache: cacheSvc,
		log:   log.WithField("component", "lifecycle"),
	}
}

// BindEngine wires the engine snapshot after construction; the engine needs
// the manager first.
func (m *Manager) BindEngine(e EngineView) {
	m.engine = e
}

// PlaceBetResult is the acknowledgement payload of a successful placement.
type PlaceBetResult struct {
	BetID      int64
	NewBalance decimal.Decimal
}

// CashOutResult is the acknowledgement payload of a successful cash-out.
type CashOutResult struct {
	BetID      int64
	Payout     decimal.Decimal
	Multiplier decimal.Decimal
	NewBalance decimal.Decimal
}

// withTimeout applies the database operation deadline.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, dbTimeout)
}

// isTransient reports whether a database error is worth retrying:
// serialization failures, deadlocks and connection drops.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return pgErr.Code[:2] == "08" // connection exceptions
	}
	return false
}

// runTx executes fn in a transaction, retrying transient failures twice
// before surfacing the error.
func (m *Manager) runTx(ctx context.Context, fn func(r Repos) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = m.repos.WithTx(ctx, fn)
		if err == nil || !isTransient(err) || attempt >= len(transientBackoffs) {
			return err
		}
		m.log.Warnf("transient database error, retrying: %v", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(transientBackoffs[attempt]):
		}
	}
}

// PlaceBet admits a wager. While betting is open the bet binds to the
// current cycle; in any other phase it is queued unbound and picked up at
// the next cycle lock.
func (m *Manager) PlaceBet(ctx context.Context, userID string, stake decimal.Decimal, autoCashout *decimal.Decimal) (*PlaceBetResult, error) {
	if userID == "" {
		return nil, ErrUnauthorised
	}
	stake = stake.Round(2)
	if stake.LessThan(m.cfg.MinBet) || stake.GreaterThan(m.cfg.MaxBet) {
		return nil, ErrStakeOutOfRange
	}
	if autoCashout != nil {
		rounded := autoCashout.Round(2)
		if rounded.LessThanOrEqual(decimal.NewFromInt(1)) {
			return nil, ErrInvalidAutoThreshold
		}
		autoCashout = &rounded
	}

	snap := m.engine.Snapshot()
	var targetCycle *uuid.UUID
	countCycle := uuid.Nil // counts only unbound pending bets
	if snap.State == CycleBetting {
		id := snap.CycleID
		targetCycle = &id
		countCycle = id
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var placed *bet.Bet
	var newWallet *wallet.Wallet
	err := m.runTx(ctx, func(r Repos) error {
		// the wallet row lock is the per-user serialisation point; without
		// it two connections could both pass the limit check on the same
		// committed rows
		if err := r.Wallets().Lock(ctx, userID); err != nil {
			return err
		}
		open, err := r.Bets().CountOpen(ctx, userID, countCycle)
		if err != nil {
			return err
		}
		if open >= m.cfg.BetLimitPerCycle {
			return ErrBetLimitExceeded
		}

		placed, err = r.Bets().Create(ctx, userID, stake, autoCashout, targetCycle)
		if err != nil {
			return err
		}

		correlation := strconv.FormatInt(placed.ID, 10)
		newWallet, err = r.Wallets().Debit(ctx, userID, stake, wallet.KindBetDebit, &correlation)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.WithField("user_id", userID).
		WithField("bet_id", placed.ID).
		WithField("stake", stake.String()).
		Info("bet placed")

	m.notifyWallet(userID, newWallet, "bet-debit", placed.ID)
	m.hub.Broadcast("betPlaced", map[string]any{
		"amount":                stake,
		"autoCashoutMultiplier": autoCashout,
	})

	return &PlaceBetResult{BetID: placed.ID, NewBalance: newWallet.Balance}, nil
}

// CashOut settles an active bet at the multiplier read from the engine when
// the call starts. The bet store's state guard is the serialisation point
// against the auto-cashout sweep and the crash settlement.
func (m *Manager) CashOut(ctx context.Context, userID string, betID int64, token string) (*CashOutResult, error) {
	if userID == "" {
		return nil, ErrUnauthorised
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	b, err := m.repos.Bets().FindByID(ctx, betID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, ErrForbidden
	}

	snap := m.engine.Snapshot()
	if snap.State != CycleFlying || b.CycleID == nil || *b.CycleID != snap.CycleID {
		if b.State.Terminal() {
			return m.resolveSettled(ctx, userID, b)
		}
		return nil, bet.ErrNotActive
	}

	if m.cache != nil {
		if err := m.cache.ConsumeCashoutToken(ctx, betID, userID, token); err != nil {
			if errors.Is(err, cache.ErrTokenMismatch) {
				return nil, err
			}
			// cache outage must not strand an active bet
			m.log.Warnf("token check skipped: %v", err)
		}
	}

	multiplier := snap.Multiplier
	result, err := m.settleWon(ctx, betID, userID, multiplier)
	if errors.Is(err, bet.ErrAlreadySettled) {
		// lost the race against the sweep or the crash; report what the
		// store decided
		settled, ferr := m.repos.Bets().FindByID(ctx, betID)
		if ferr != nil {
			return nil, ferr
		}
		return m.resolveSettled(ctx, userID, settled)
	}
	if err != nil {
		return nil, err
	}

	m.hub.SendToUser(userID, "cashoutSuccess", map[string]any{
		"betId":      strconv.FormatInt(betID, 10),
		"payout":     result.Payout,
		"multiplier": result.Multiplier,
		"newBalance": result.NewBalance,
	})
	m.hub.Broadcast("betCashedOut", map[string]any{"multiplier": result.Multiplier})

	return result, nil
}

// resolveSettled answers a cash-out that raced settlement: a won bet is
// acknowledged idempotently, anything else ended with the cycle.
func (m *Manager) resolveSettled(ctx context.Context, userID string, b *bet.Bet) (*CashOutResult, error) {
	if b.State == bet.StateWon && b.Payout != nil && b.CashoutMultiplier != nil {
		w, err := m.repos.Wallets().BalanceOf(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &CashOutResult{
			BetID:      b.ID,
			Payout:     *b.Payout,
			Multiplier: *b.CashoutMultiplier,
			NewBalance: w.Balance,
		}, nil
	}
	return nil, ErrCycleEnded
}

// settleWon runs the winning settlement transaction and removes the bet
// from the hot index.
func (m *Manager) settleWon(ctx context.Context, betID int64, userID string, multiplier decimal.Decimal) (*CashOutResult, error) {
	var settled *bet.Bet
	var newWallet *wallet.Wallet
	err := m.runTx(ctx, func(r Repos) error {
		var err error
		settled, err = r.Bets().SettleWon(ctx, betID, multiplier)
		if err != nil {
			return err
		}
		correlation := strconv.FormatInt(betID, 10)
		newWallet, err = r.Wallets().Credit(ctx, userID, *settled.Payout, wallet.KindCashoutCredit, &correlation)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.index.Remove(betID)
	if m.cache != nil {
		m.cache.ClearCashoutToken(ctx, betID)
	}

	m.log.WithField("user_id", userID).
		WithField("bet_id", betID).
		WithField("multiplier", multiplier.String()).
		WithField("payout", settled.Payout.String()).
		Info("bet cashed out")

	m.notifyWallet(userID, newWallet, "cashout-credit", betID)

	return &CashOutResult{
		BetID:      betID,
		Payout:     *settled.Payout,
		Multiplier: *settled.CashoutMultiplier,
		NewBalance: newWallet.Balance,
	}, nil
}

// ActivateCycle is the cycle-lock transaction: cycle row to flying, every
// pending bet activated, hot index hydrated. Cash-out tokens are minted
// afterwards; token delivery is not part of the transaction.
func (m *Manager) ActivateCycle(ctx context.Context, cycleID uuid.UUID) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var activated []*bet.Bet
	err := m.runTx(ctx, func(r Repos) error {
		if err := r.Cycles().MarkFlying(ctx, cycleID); err != nil {
			return err
		}
		var err error
		activated, err = r.Bets().ActivateAllPending(ctx, cycleID)
		return err
	})
	if err != nil {
		return 0, err
	}

	m.index.Load(cycleID, activated)

	for _, b := range activated {
		token := m.mintCashoutToken(ctx, b.ID, b.UserID)
		m.hub.SendToUser(b.UserID, "activateCashout", map[string]any{
			"betId": strconv.FormatInt(b.ID, 10),
			"token": token,
		})
	}

	return len(activated), nil
}

// ReissueCashoutToken replaces the cash-out token for one of the user's
// live bets so a reconnecting client can still cash out. The previous
// token stops working once the replacement is stored.
func (m *Manager) ReissueCashoutToken(ctx context.Context, betID int64, userID string) string {
	entry, ok := m.index.Get(betID)
	if !ok || entry.UserID != userID {
		return ""
	}
	return m.mintCashoutToken(ctx, betID, userID)
}

func (m *Manager) mintCashoutToken(ctx context.Context, betID int64, userID string) string {
	if m.cache == nil {
		return ""
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		m.log.Warnf("failed to mint cashout token for bet %d: %v", betID, err)
		return ""
	}
	token := hex.EncodeToString(raw)
	if err := m.cache.PutCashoutToken(ctx, betID, userID, token, cashoutTokenTTL); err != nil {
		m.log.Warnf("failed to mint cashout token for bet %d: %v", betID, err)
		return ""
	}
	return token
}

// Sweep walks the hot index in ascending threshold order and cashes out
// every bet whose auto threshold the multiplier has reached. Losers of the
// race against a concurrent manual cash-out land on already-settled and are
// skipped.
func (m *Manager) Sweep(ctx context.Context, cycleID uuid.UUID, multiplier decimal.Decimal) {
	for _, entry := range m.index.EligibleAutoCashouts(multiplier) {
		result, err := m.settleWon(ctx, entry.BetID, entry.UserID, multiplier)
		if errors.Is(err, bet.ErrAlreadySettled) {
			// manual cash-out won the race
			m.index.Remove(entry.BetID)
			continue
		}
		if err != nil {
			// left in the index so the next tick retries
			m.log.WithField("bet_id", entry.BetID).
				Errorf("auto-cashout failed: %v", err)
			continue
		}

		m.hub.SendToUser(entry.UserID, "cashoutSuccess", map[string]any{
			"betId":      strconv.FormatInt(entry.BetID, 10),
			"payout":     result.Payout,
			"multiplier": result.Multiplier,
			"newBalance": result.NewBalance,
		})
		m.hub.Broadcast("betCashedOut", map[string]any{"multiplier": result.Multiplier})
	}
}

// CrashSettle marks every bet still in the index lost. Wallets are not
// touched.
func (m *Manager) CrashSettle(ctx context.Context, cycleID uuid.UUID, crashPoint decimal.Decimal) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	for _, entry := range m.index.All() {
		_, err := m.repos.Bets().SettleLost(ctx, entry.BetID)
		if err != nil && !errors.Is(err, bet.ErrAlreadySettled) {
			m.log.WithField("bet_id", entry.BetID).
				Errorf("loss settlement failed: %v", err)
			continue
		}
		// settled entries leave the index now, not at cycle close, so a
		// client connecting during the crash display is not replayed a
		// dead bet
		m.index.Remove(entry.BetID)
		if err == nil {
			m.hub.SendToUser(entry.UserID, "betLost", map[string]any{
				"betId": strconv.FormatInt(entry.BetID, 10),
			})
		}
		if m.cache != nil {
			m.cache.ClearCashoutToken(ctx, entry.BetID)
		}
	}

	if m.cache != nil {
		if err := m.cache.PushCrashPoint(ctx, crashPoint.StringFixed(2)); err != nil {
			m.log.Warnf("failed to record crash history: %v", err)
		}
	}
}

// AbortCycle refunds every bet queued for a cycle that failed to lock, then
// force-completes the cycle row.
func (m *Manager) AbortCycle(ctx context.Context, cycleID uuid.UUID) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := m.voidCycle(ctx, cycleID); err != nil {
		m.log.WithField("cycle_id", cycleID).
			Errorf("cycle abort failed: %v", err)
	}
}

// ClearIndex empties the hot index at cycle close.
func (m *Manager) ClearIndex() {
	m.index.Clear()
}

// RecoverStartup voids any cycle left open by a previous process: the cycle
// is force-completed at 1.00 and every non-terminal bet refunded. Nobody
// loses a stake they did not watch play out.
func (m *Manager) RecoverStartup(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	open, err := m.repos.Cycles().FindOpen(ctx)
	if errors.Is(err, ErrCycleNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	m.log.WithField("cycle_id", open.ID).
		Warn("found interrupted cycle, voiding")

	if err := m.voidCycle(ctx, open.ID); err != nil {
		return err
	}

	m.hub.Broadcast("cycleVoided", map[string]any{"cycleId": open.ID.String()})
	return nil
}

// voidCycle refunds all open bets bound to (or queued for) a cycle and
// force-completes it at crash point 1.00. Wallet updates are emitted only
// after the transaction commits.
func (m *Manager) voidCycle(ctx context.Context, cycleID uuid.UUID) error {
	type refund struct {
		userID string
		betID  int64
		w      *wallet.Wallet
	}
	var refunds []refund

	err := m.runTx(ctx, func(r Repos) error {
		refunds = refunds[:0]
		open, err := r.Bets().ListOpenForCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		for _, b := range open {
			if _, err := r.Bets().Refund(ctx, b.ID); err != nil {
				return err
			}
			correlation := strconv.FormatInt(b.ID, 10)
			w, err := r.Wallets().Credit(ctx, b.UserID, b.Stake, wallet.KindCashoutCredit, &correlation)
			if err != nil {
				return err
			}
			refunds = append(refunds, refund{userID: b.UserID, betID: b.ID, w: w})
		}
		return r.Cycles().ForceComplete(ctx, cycleID, decimal.NewFromInt(1))
	})
	if err != nil {
		return err
	}

	for _, rf := range refunds {
		m.notifyWallet(rf.userID, rf.w, "refund", rf.betID)
	}
	return nil
}

// ActiveBetsFor returns the user's live entries for connect-time replay.
func (m *Manager) ActiveBetsFor(userID string) []HotEntry {
	return m.index.ForUser(userID)
}

func (m *Manager) notifyWallet(userID string, w *wallet.Wallet, cause string, betID int64) {
	m.hub.SendToUser(userID, "walletUpdate", map[string]any{
		"balance":       w.Balance,
		"currency":      w.Currency,
		"cause":         cause,
		"correlationId": strconv.FormatInt(betID, 10),
	})
}
