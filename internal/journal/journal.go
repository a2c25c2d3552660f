// Package journal keeps an append-only local record of every order snapshot
// the service handled, keyed by idempotency key.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkline/orderforwarder/internal/domain"
)

// Journal is satisfied by FileJournal and by the postgres order journal repository
type Journal interface {
	Append(ctx context.Context, entry *domain.JournalEntry) error
	ListByKey(ctx context.Context, idempotencyKey string) ([]*domain.JournalEntry, error)
}

// NewEntry snapshots doc for the journal. The raw payload is not journaled.
func NewEntry(doc *domain.CanonicalOrder, now time.Time) (*domain.JournalEntry, error) {
	snapshot := *doc
	snapshot.RawPayload = nil
	raw, err := json.Marshal(&snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal journal document: %w", err)
	}
	entry := &domain.JournalEntry{
		ID:             uuid.New(),
		IdempotencyKey: doc.IdempotencyKey,
		EventType:      string(doc.Event),
		Document:       raw,
		CreatedAt:      now.UTC(),
	}
	if doc.Order.OrderNumber != nil {
		n := *doc.Order.OrderNumber
		entry.OrderNumber = &n
	}
	return entry, nil
}
