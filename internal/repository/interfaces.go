package repository

import (
	"context"

	"github.com/inkline/orderforwarder/internal/domain"
)

// LedgerOrderRepository is the database-backed order ledger. Find and Read
// return (nil, nil) when nothing matches.
type LedgerOrderRepository interface {
	Find(ctx context.Context, criteria domain.LedgerCriteria) (*domain.LedgerRecord, error)
	Create(ctx context.Context, fields map[string]interface{}) (*domain.LedgerRecord, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) (*domain.LedgerRecord, error)
	Read(ctx context.Context, id string) (*domain.LedgerRecord, error)
}

// OrderJournalRepository defines order journal data access methods
type OrderJournalRepository interface {
	Append(ctx context.Context, entry *domain.JournalEntry) error
	ListByKey(ctx context.Context, idempotencyKey string) ([]*domain.JournalEntry, error)
}

// IdempotencyKeyRepository defines idempotency key data access methods
type IdempotencyKeyRepository interface {
	GetByKey(ctx context.Context, key string) (*domain.IdempotencyKey, error)
	Create(ctx context.Context, key *domain.IdempotencyKey) error
}

// Repositories aggregates all repositories
type Repositories struct {
	LedgerOrder    LedgerOrderRepository
	OrderJournal   OrderJournalRepository
	IdempotencyKey IdempotencyKeyRepository
}
