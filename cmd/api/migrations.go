package main

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"skycrash/internal/config"
	"skycrash/internal/database"
)

// runMigrations opens a short-lived database/sql connection for the migrate
// driver; the pgx pool is not usable here.
func runMigrations(cfg *config.Config) error {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	return database.RunMigrations(db, cfg.MigrationsPath)
}
