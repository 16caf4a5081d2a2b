package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"skycrash/internal/auth"
	"skycrash/internal/bet"
	"skycrash/internal/cache"
	"skycrash/internal/config"
	"skycrash/internal/database"
	"skycrash/internal/game"
	"skycrash/internal/wallet"
)

// FiberServer is the composition root: it owns the engine, hub, lifecycle
// manager and both transports (HTTP and websocket) by value.
type FiberServer struct {
	*fiber.App

	cfg   *config.Config
	db    *database.DB
	cache cache.Service
	gate  *auth.Gate

	hub     *game.Hub
	engine  *game.Engine
	manager *game.Manager

	ledger *wallet.Ledger
	bets   *bet.Store
	cycles *game.PgCycleStore
}

// New wires the core. The engine is not started; Start does that after
// restart recovery has run.
func New(cfg *config.Config, db *database.DB, cacheSvc cache.Service) *FiberServer {
	hub := game.NewHub()
	index := game.NewHotIndex()
	repos := game.NewRepos(db, cfg.Currency)

	manager := game.NewManager(game.ManagerConfig{
		MinBet:           cfg.MinBet,
		MaxBet:           cfg.MaxBet,
		BetLimitPerCycle: cfg.BetLimitPerCycle,
	}, repos, index, hub, cacheSvc)

	engine := game.NewEngine(game.EngineConfig{
		BettingWindow: cfg.BettingWindow,
		TickInterval:  cfg.TickInterval,
		CrashDisplay:  cfg.CrashDisplay,
	}, game.NewPgCycleStore(db), manager)
	manager.BindEngine(engine)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "skycrash",
			AppName:       "skycrash",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:     cfg,
		db:      db,
		cache:   cacheSvc,
		gate:    auth.NewGate(cfg.AuthSecret),
		hub:     hub,
		engine:  engine,
		manager: manager,
		ledger:  wallet.NewLedger(db, cfg.Currency),
		bets:    bet.NewStore(db),
		cycles:  game.NewPgCycleStore(db),
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	return server
}

// Start runs restart recovery, then the engine and the event fan-out.
func (s *FiberServer) Start(ctx context.Context) error {
	if err := s.manager.RecoverStartup(ctx); err != nil {
		return err
	}

	go s.hub.ConsumeEngine(s.engine.Events())
	s.engine.Start()

	log.WithField("component", "server").Info("engine started")
	return nil
}

// Shutdown stops the engine first so no cycle is left mid-settlement, then
// closes the pools.
func (s *FiberServer) Shutdown() error {
	log.WithField("component", "server").Info("shutting down")

	if s.engine != nil {
		s.engine.Stop()
	}

	if err := s.App.Shutdown(); err != nil {
		log.WithField("component", "server").Errorf("fiber shutdown: %v", err)
	}

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}
