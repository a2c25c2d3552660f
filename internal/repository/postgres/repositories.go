package postgres

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/repository"
)

// NewRepositories creates a new set of repositories
func NewRepositories(db *sql.DB, logger *zap.Logger) *repository.Repositories {
	return &repository.Repositories{
		LedgerOrder:    NewLedgerOrderRepository(db, logger),
		OrderJournal:   NewOrderJournalRepository(db, logger),
		IdempotencyKey: NewIdempotencyKeyRepository(db, logger),
	}
}
