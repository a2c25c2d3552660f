package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/pkg/errors"
)

const ledgerOrderColumns = `id, order_number, idempotency_key, status, submitted_at, payment_session_id,
		invoice_number, invoice_url, confirmation_code, summary, created_at`

// ledgerColumns maps writable ledger fields to their columns. order_number is
// a sequence and never written.
var ledgerColumns = map[string]string{
	domain.LedgerFieldIdempotencyKey:   "idempotency_key",
	domain.LedgerFieldStatus:           "status",
	domain.LedgerFieldCreatedAt:        "submitted_at",
	domain.LedgerFieldPaymentSessionID: "payment_session_id",
	domain.LedgerFieldInvoiceNumber:    "invoice_number",
	domain.LedgerFieldInvoiceURL:       "invoice_url",
	domain.LedgerFieldConfirmationCode: "confirmation_code",
	domain.LedgerFieldSummary:          "summary",
}

type ledgerOrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewLedgerOrderRepository creates a ledger store backed by the ledger_orders table
func NewLedgerOrderRepository(db *sql.DB, logger *zap.Logger) *ledgerOrderRepository {
	return &ledgerOrderRepository{
		db:     db,
		logger: logger,
	}
}

func (r *ledgerOrderRepository) Find(ctx context.Context, criteria domain.LedgerCriteria) (*domain.LedgerRecord, error) {
	var where []string
	var args []interface{}
	if criteria.IdempotencyKey != "" {
		args = append(args, criteria.IdempotencyKey)
		where = append(where, fmt.Sprintf("idempotency_key = $%d", len(args)))
	}
	if criteria.OrderNumber != "" {
		n, err := strconv.ParseInt(criteria.OrderNumber, 10, 64)
		if err != nil {
			// order numbers here are always integers
			return nil, nil
		}
		args = append(args, n)
		where = append(where, fmt.Sprintf("order_number = $%d", len(args)))
	}
	if criteria.PaymentSessionID != "" {
		args = append(args, criteria.PaymentSessionID)
		where = append(where, fmt.Sprintf("payment_session_id = $%d", len(args)))
	}
	if len(where) == 0 {
		return nil, fmt.Errorf("ledger find needs at least one criterion")
	}

	query := `SELECT ` + ledgerOrderColumns + ` FROM ledger_orders WHERE ` + strings.Join(where, " AND ") + ` LIMIT 1`

	rec, err := scanLedgerOrder(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to find ledger order", zap.Error(err))
		return nil, err
	}
	return rec, nil
}

// Create inserts a record. A concurrent insert for the same idempotency key
// loses the race quietly and gets the existing row back.
func (r *ledgerOrderRepository) Create(ctx context.Context, fields map[string]interface{}) (*domain.LedgerRecord, error) {
	key, _ := fields[domain.LedgerFieldIdempotencyKey].(string)
	if key == "" {
		return nil, &errors.ErrValidation{Message: "idempotency_key is required"}
	}

	columns := []string{"id"}
	args := []interface{}{uuid.New()}
	placeholders := []string{"$1"}
	for _, field := range sortedFields(fields) {
		column, ok := ledgerColumns[field]
		if !ok {
			continue
		}
		value, err := columnValue(field, fields[field])
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
		args = append(args, value)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	query := `INSERT INTO ledger_orders (` + strings.Join(columns, ", ") + `)
		VALUES (` + strings.Join(placeholders, ", ") + `)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + ledgerOrderColumns

	rec, err := scanLedgerOrder(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return r.Find(ctx, domain.LedgerCriteria{IdempotencyKey: key})
	}
	if err != nil {
		r.logger.Error("Failed to create ledger order", zap.Error(err))
		return nil, err
	}
	return rec, nil
}

func (r *ledgerOrderRepository) Update(ctx context.Context, id string, fields map[string]interface{}) (*domain.LedgerRecord, error) {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return nil, &errors.ErrNotFound{Resource: "ledger_order", ID: id}
	}

	var sets []string
	var args []interface{}
	for _, field := range sortedFields(fields) {
		column, ok := ledgerColumns[field]
		if !ok || field == domain.LedgerFieldIdempotencyKey {
			continue
		}
		value, err := columnValue(field, fields[field])
		if err != nil {
			return nil, err
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if len(sets) == 0 {
		return r.Read(ctx, id)
	}
	args = append(args, recordID)

	query := `UPDATE ledger_orders SET ` + strings.Join(sets, ", ") + `, updated_at = NOW()
		WHERE id = $` + strconv.Itoa(len(args)) + `
		RETURNING ` + ledgerOrderColumns

	rec, err := scanLedgerOrder(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &errors.ErrNotFound{Resource: "ledger_order", ID: id}
	}
	if err != nil {
		r.logger.Error("Failed to update ledger order", zap.Error(err))
		return nil, err
	}
	return rec, nil
}

func (r *ledgerOrderRepository) Read(ctx context.Context, id string) (*domain.LedgerRecord, error) {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	query := `SELECT ` + ledgerOrderColumns + ` FROM ledger_orders WHERE id = $1`

	rec, err := scanLedgerOrder(r.db.QueryRowContext(ctx, query, recordID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to read ledger order", zap.Error(err))
		return nil, err
	}
	return rec, nil
}

func scanLedgerOrder(row *sql.Row) (*domain.LedgerRecord, error) {
	var id uuid.UUID
	var orderNumber int64
	var key, status string
	var submittedAt sql.NullString
	var paymentSessionID sql.NullString
	var invoiceNumber sql.NullString
	var invoiceURL sql.NullString
	var confirmationCode sql.NullString
	var summary []byte
	rec := &domain.LedgerRecord{Fields: map[string]interface{}{}}

	err := row.Scan(
		&id,
		&orderNumber,
		&key,
		&status,
		&submittedAt,
		&paymentSessionID,
		&invoiceNumber,
		&invoiceURL,
		&confirmationCode,
		&summary,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ID = id.String()
	number := strconv.FormatInt(orderNumber, 10)
	rec.OrderNumber = &number
	rec.Fields[domain.LedgerFieldOrderNumber] = number
	rec.Fields[domain.LedgerFieldIdempotencyKey] = key
	rec.Fields[domain.LedgerFieldStatus] = status
	for field, v := range map[string]sql.NullString{
		domain.LedgerFieldCreatedAt:        submittedAt,
		domain.LedgerFieldPaymentSessionID: paymentSessionID,
		domain.LedgerFieldInvoiceNumber:    invoiceNumber,
		domain.LedgerFieldInvoiceURL:       invoiceURL,
		domain.LedgerFieldConfirmationCode: confirmationCode,
	} {
		if v.Valid {
			rec.Fields[field] = v.String
		}
	}
	if len(summary) > 0 {
		rec.Fields[domain.LedgerFieldSummary] = string(summary)
	}
	return rec, nil
}

// columnValue converts a field value to what lib/pq can bind. The summary
// column is JSONB; anything that is not already JSON text is marshaled.
func columnValue(field string, v interface{}) (interface{}, error) {
	if field != domain.LedgerFieldSummary {
		if v == nil {
			return nil, nil
		}
		return fmt.Sprint(v), nil
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if json.Valid([]byte(t)) {
			return t, nil
		}
	case []byte:
		if json.Valid(t) {
			return string(t), nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", field, err)
	}
	return string(raw), nil
}

func sortedFields(fields map[string]interface{}) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
