package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/journal"
	"github.com/inkline/orderforwarder/internal/repository/postgres"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/list-journal/main.go <idempotency_key>")
		os.Exit(1)
	}
	key := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	var j journal.Journal
	if cfg.Database.Enabled() {
		db, err := postgres.NewConnection(cfg.Database)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		j = postgres.NewOrderJournalRepository(db, logger)
	} else {
		fj, err := journal.NewFileJournal(cfg.Journal.Path, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
			os.Exit(1)
		}
		j = fj
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := j.ListByKey(ctx, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list journal: %v\n", err)
		os.Exit(1)
	}

	if len(entries) == 0 {
		fmt.Printf("No journal entries for %s\n", key)
		return
	}

	fmt.Printf("%d journal entries for %s:\n\n", len(entries), key)
	for i, e := range entries {
		number := "-"
		if e.OrderNumber != nil {
			number = *e.OrderNumber
		}
		fmt.Printf("%d. %s  %-16s order #%s  (%d bytes)\n",
			i+1, e.CreatedAt.Format(time.RFC3339), e.EventType, number, len(e.Document))
	}
}
