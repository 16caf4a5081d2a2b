package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"skycrash/internal/cache"
	"skycrash/internal/config"
	"skycrash/internal/database"
	"skycrash/internal/server"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	if os.Getenv("ENVIRONMENT") != "production" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectWithRetry(ctx, cfg.DatabaseURL, 5, 2*time.Second)
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	if os.Getenv("AUTO_MIGRATE") == "true" {
		if err := runMigrations(cfg); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	}

	cacheSvc, err := cache.New(cache.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("redis: %v", err)
	}

	srv := server.New(cfg, db, cacheSvc)
	srv.RegisterFiberRoutes()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received")
		srv.Shutdown()
		close(done)
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.WithField("addr", addr).Info("listening")
	if err := srv.Listen(addr); err != nil {
		// a listen failure never unblocks the shutdown goroutine, so
		// exit instead of waiting for a signal that fixes nothing
		log.Fatalf("listen: %v", err)
	}

	<-done
	log.Info("graceful shutdown complete")
}
