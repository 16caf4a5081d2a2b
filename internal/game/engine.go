package game

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	// multiplier law: M(t+d) = M(t) + d_seconds * baseRate * M(t).
	// Exponential in expectation, so time-to-C grows with ln(C).
	baseRate = 0.10

	lockRetries = 3
)

// Lifecycle is what the engine asks of the bet lifecycle manager at each
// phase edge and tick. The engine never touches wallets or bets directly.
type Lifecycle interface {
	// ActivateCycle runs the cycle-lock transaction: cycle to flying,
	// pending bets to active, hot index hydrated. Returns the number of
	// activated bets.
	ActivateCycle(ctx context.Context, cycleID uuid.UUID) (int, error)
	// Sweep auto-cashes-out every indexed bet whose threshold is at or
	// below the multiplier. Runs inline on the engine task.
	Sweep(ctx context.Context, cycleID uuid.UUID, multiplier decimal.Decimal)
	// CrashSettle marks every remaining indexed bet lost and records the
	// crash point in the history cache.
	CrashSettle(ctx context.Context, cycleID uuid.UUID, crashPoint decimal.Decimal)
	// AbortCycle refunds pending bets after repeated lock failures.
	AbortCycle(ctx context.Context, cycleID uuid.UUID)
	// ClearIndex empties the hot-bet index at cycle close.
	ClearIndex()
}

// EngineConfig carries the cycle timings. GrowthRate overrides the default
// multiplier growth per second when non-zero.
type EngineConfig struct {
	BettingWindow time.Duration
	TickInterval  time.Duration
	CrashDisplay  time.Duration
	GrowthRate    float64
}

func (cfg EngineConfig) growthRate() float64 {
	if cfg.GrowthRate > 0 {
		return cfg.GrowthRate
	}
	return baseRate
}

// Engine drives the cycle state machine on a single goroutine. It is the
// only writer of cycle rows and of its own snapshot; everything else reads
// the snapshot.
type Engine struct {
	cfg       EngineConfig
	cycles    CycleStore
	lifecycle Lifecycle

	events chan Event

	stateMu sync.RWMutex
	snap    Snapshot

	stop chan struct{}
	done chan struct{}
}

func NewEngine(cfg EngineConfig, cycles CycleStore, lifecycle Lifecycle) *Engine {
	return &Engine{
		cfg:       cfg,
		cycles:    cycles,
		lifecycle: lifecycle,
		events:    make(chan Event, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Events is the one-way channel to the hub. Closed when the engine stops.
func (e *Engine) Events() <-chan Event { return e.events }

// Start launches the cycle loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop terminates the loop and closes the event channel.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

// Snapshot returns a copy of the current engine state for connect-time
// replay and cash-out reads.
func (e *Engine) Snapshot() Snapshot {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.snap
}

func (e *Engine) setSnapshot(snap Snapshot) {
	e.stateMu.Lock()
	e.snap = snap
	e.stateMu.Unlock()
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.stop:
	}
}

func (e *Engine) run() {
	defer close(e.done)
	defer close(e.events)

	ctx := context.Background()
	for {
		select {
		case <-e.stop:
			log.WithField("component", "engine").Info("cycle loop stopped")
			return
		default:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-e.stop:
		return false
	}
}

// advanceMultiplier applies the growth law for an elapsed interval.
func advanceMultiplier(m float64, elapsed time.Duration, rate float64) float64 {
	return m + elapsed.Seconds()*rate*m
}

func (e *Engine) runCycle(ctx context.Context) {
	seed := GenerateSeed()
	crashPoint, seedHash := CrashPointFromSeed(seed)
	crashFloat, _ := crashPoint.Float64()

	cycle := &Cycle{ID: uuid.New(), Seed: seed, SeedHash: seedHash}
	if err := e.cycles.Create(ctx, cycle); err != nil {
		log.WithField("component", "engine").Errorf("failed to open cycle: %v", err)
		e.sleep(time.Second)
		return
	}

	clog := log.WithField("component", "engine").WithField("cycle_id", cycle.ID)
	clog.WithField("crash_point", crashPoint.String()).Info("cycle opened")

	// betting
	e.setSnapshot(Snapshot{
		CycleID:    cycle.ID,
		State:      CycleBetting,
		Multiplier: decimal.NewFromInt(1),
		Countdown:  e.cfg.BettingWindow.Seconds(),
	})
	e.emit(Event{Type: PhaseChanged, Snapshot: e.Snapshot()})

	activated := -1
	for attempt := 1; attempt <= lockRetries; attempt++ {
		if !e.countdown(e.cfg.BettingWindow) {
			return
		}

		n, err := e.lifecycle.ActivateCycle(ctx, cycle.ID)
		if err == nil {
			activated = n
			break
		}
		clog.WithField("attempt", attempt).Errorf("cycle lock failed: %v", err)

		if attempt == lockRetries {
			clog.Error("aborting cycle after repeated lock failures")
			e.lifecycle.AbortCycle(ctx, cycle.ID)
			e.emit(Event{Type: Aborted, Snapshot: e.Snapshot()})
			e.sleep(e.cfg.CrashDisplay)
			return
		}
		// re-open the betting window and try again
		e.emit(Event{Type: PhaseChanged, Snapshot: e.Snapshot()})
	}

	clog.WithField("active_bets", activated).Info("cycle locked, flying")

	// flying
	internal := 1.0
	snap := Snapshot{
		CycleID:    cycle.ID,
		State:      CycleFlying,
		Multiplier: decimal.NewFromInt(1),
	}
	e.setSnapshot(snap)
	e.emit(Event{Type: PhaseChanged, Snapshot: snap})

	lastUpdate := time.Now()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			internal = advanceMultiplier(internal, now.Sub(lastUpdate), e.cfg.growthRate())
			lastUpdate = now

			if internal >= crashFloat {
				ticker.Stop()
				e.crash(ctx, cycle, crashPoint)
				goto display
			}

			snap.Multiplier = quantize(internal)
			e.setSnapshot(snap)
			e.emit(Event{Type: Tick, Snapshot: snap})

			// sweep completes before the next tick is emitted
			e.lifecycle.Sweep(ctx, cycle.ID, snap.Multiplier)
		}
	}

display:
	if !e.sleep(e.cfg.CrashDisplay) {
		return
	}

	// close
	e.lifecycle.ClearIndex()
	if err := e.cycles.MarkCompleted(ctx, cycle.ID); err != nil {
		clog.Errorf("failed to complete cycle: %v", err)
	}
	clog.Info("cycle completed")
}

// crash performs the flying -> crashed edge: final sweep at exactly the
// crash point, remaining bets settled lost, row persisted, crash broadcast.
func (e *Engine) crash(ctx context.Context, cycle *Cycle, crashPoint decimal.Decimal) {
	snap := Snapshot{
		CycleID:    cycle.ID,
		State:      CycleCrashed,
		Multiplier: crashPoint,
		CrashPoint: &crashPoint,
	}
	e.setSnapshot(snap)

	// thresholds at or below the crash point were reached on this tick
	e.lifecycle.Sweep(ctx, cycle.ID, crashPoint)
	e.lifecycle.CrashSettle(ctx, cycle.ID, crashPoint)

	if err := e.cycles.MarkCrashed(ctx, cycle.ID, crashPoint); err != nil {
		log.WithField("component", "engine").
			WithField("cycle_id", cycle.ID).
			Errorf("failed to persist crash: %v", err)
	}

	e.emit(Event{Type: Crashed, Snapshot: snap, Seed: cycle.Seed})
	log.WithField("component", "engine").
		WithField("cycle_id", cycle.ID).
		WithField("crash_point", crashPoint.String()).
		Info("cycle crashed")
}

// countdown broadcasts the remaining betting time at 1 Hz until the window
// elapses. Returns false if the engine was stopped.
func (e *Engine) countdown(window time.Duration) bool {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}

		snap := e.Snapshot()
		snap.Countdown = remaining.Seconds()
		e.setSnapshot(snap)
		e.emit(Event{Type: Tick, Snapshot: snap})

		wait := remaining
		if wait > time.Second {
			wait = time.Second
		}
		select {
		case <-e.stop:
			return false
		case <-time.After(wait):
		}
	}
}
