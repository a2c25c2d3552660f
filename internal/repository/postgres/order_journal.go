package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/domain"
)

type orderJournalRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewOrderJournalRepository creates a new order journal repository
func NewOrderJournalRepository(db *sql.DB, logger *zap.Logger) *orderJournalRepository {
	return &orderJournalRepository{
		db:     db,
		logger: logger,
	}
}

func (r *orderJournalRepository) Append(ctx context.Context, entry *domain.JournalEntry) error {
	query := `
		INSERT INTO order_journal (id, idempotency_key, event_type, order_number, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.IdempotencyKey,
		entry.EventType,
		entry.OrderNumber,
		string(entry.Document),
		entry.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to append order journal entry", zap.Error(err))
		return err
	}

	return nil
}

func (r *orderJournalRepository) ListByKey(ctx context.Context, idempotencyKey string) ([]*domain.JournalEntry, error) {
	query := `
		SELECT id, idempotency_key, event_type, order_number, document, created_at
		FROM order_journal
		WHERE idempotency_key = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, idempotencyKey)
	if err != nil {
		r.logger.Error("Failed to list order journal entries", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.JournalEntry
	for rows.Next() {
		var entry domain.JournalEntry
		var orderNumber sql.NullString

		err := rows.Scan(
			&entry.ID,
			&entry.IdempotencyKey,
			&entry.EventType,
			&orderNumber,
			&entry.Document,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		if orderNumber.Valid {
			entry.OrderNumber = &orderNumber.String
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
