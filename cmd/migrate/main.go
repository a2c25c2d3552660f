package main

import (
	"fmt"
	"os"

	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/repository/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Database.Enabled() {
		fmt.Fprintln(os.Stderr, "DATABASE_URL or DB_HOST must be set")
		os.Exit(1)
	}

	if err := postgres.RunMigrations(cfg.Database); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	version, dirty, err := postgres.MigrationVersion(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read schema version: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Migrations applied. Schema version %d (dirty=%v)\n", version, dirty)
}
