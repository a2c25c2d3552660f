package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/ledger"
	"github.com/inkline/orderforwarder/internal/repository/postgres"
)

func main() {
	key := flag.String("key", "", "idempotency key")
	number := flag.String("number", "", "order number")
	session := flag.String("session", "", "payment session id")
	flag.Parse()

	if *key == "" && *number == "" && *session == "" {
		fmt.Println("Usage: go run cmd/find-order/main.go -key <idempotency_key> | -number <order_number> | -session <payment_session_id>")
		fmt.Println("Example: go run cmd/find-order/main.go -number 1042")
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	var store ledger.Store
	switch cfg.Ledger.Backend {
	case "airtable":
		store = ledger.NewAirtableStore(cfg.Ledger.Airtable, cfg.ExternalCallTimeout, logger)
	case "postgres":
		db, err := postgres.NewConnection(cfg.Database)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		store = postgres.NewLedgerOrderRepository(db, logger)
	default:
		fmt.Fprintln(os.Stderr, "No ledger configured (set LEDGER_BACKEND or Airtable credentials)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	criteria := domain.LedgerCriteria{
		IdempotencyKey:   strings.TrimSpace(*key),
		OrderNumber:      strings.TrimSpace(strings.TrimPrefix(*number, "#")),
		PaymentSessionID: strings.TrimSpace(*session),
	}
	fmt.Printf("Searching %s ledger for %+v\n\n", cfg.Ledger.Backend, criteria)

	rec, err := store.Find(ctx, criteria)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lookup failed: %v\n", err)
		os.Exit(1)
	}
	if rec == nil {
		fmt.Println("Order not found.")
		os.Exit(2)
	}

	fmt.Printf("Record ID:    %s\n", rec.ID)
	if rec.OrderNumber != nil {
		fmt.Printf("Order number: %s\n", *rec.OrderNumber)
	} else {
		fmt.Println("Order number: (not assigned yet)")
	}
	if !rec.CreatedAt.IsZero() {
		fmt.Printf("Created:      %s\n", rec.CreatedAt.Format(time.RFC3339))
	}

	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("\nFields:")
	for _, name := range names {
		v := rec.Fields[name]
		if name == domain.LedgerFieldSummary {
			if s, ok := v.(string); ok {
				var pretty interface{}
				if json.Unmarshal([]byte(s), &pretty) == nil {
					out, _ := json.MarshalIndent(pretty, "    ", "  ")
					fmt.Printf("  %s:\n    %s\n", name, out)
					continue
				}
			}
		}
		fmt.Printf("  %s: %v\n", name, v)
	}
}
