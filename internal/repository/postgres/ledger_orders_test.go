package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/pkg/errors"
)

const testRecordID = "6f1c2a1e-3b7d-4c1a-9a55-0e1f2d3c4b5a"

var ledgerRowColumns = []string{
	"id", "order_number", "idempotency_key", "status", "submitted_at", "payment_session_id",
	"invoice_number", "invoice_url", "confirmation_code", "summary", "created_at",
}

func ledgerRow(key string, number int64) *sqlmock.Rows {
	return sqlmock.NewRows(ledgerRowColumns).AddRow(
		testRecordID, number, key, "in_progress", "2026-03-01T10:30:00.000Z", nil,
		nil, nil, nil, nil, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
	)
}

func newLedgerRepo(t *testing.T) (*ledgerOrderRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedgerOrderRepository(db, zap.NewNop()), mock
}

func TestLedgerOrderRepository_FindByKeyAndNumber(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_orders WHERE idempotency_key = $1 AND order_number = $2 LIMIT 1")).
		WithArgs("k-1", int64(1042)).
		WillReturnRows(ledgerRow("k-1", 1042))

	rec, err := repo.Find(context.Background(), domain.LedgerCriteria{IdempotencyKey: "k-1", OrderNumber: "1042"})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, testRecordID, rec.ID)
	assert.Equal(t, "1042", *rec.OrderNumber)
	assert.Equal(t, "k-1", rec.StringField(domain.LedgerFieldIdempotencyKey))
	assert.Equal(t, "2026-03-01T10:30:00.000Z", rec.StringField(domain.LedgerFieldCreatedAt))
	assert.NotContains(t, rec.Fields, domain.LedgerFieldPaymentSessionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerOrderRepository_FindNoRows(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE payment_session_id = $1")).
		WithArgs("sess-9").
		WillReturnRows(sqlmock.NewRows(ledgerRowColumns))

	rec, err := repo.Find(context.Background(), domain.LedgerCriteria{PaymentSessionID: "sess-9"})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerOrderRepository_FindNonNumericOrderNumber(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	rec, err := repo.Find(context.Background(), domain.LedgerCriteria{OrderNumber: "A-17"})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerOrderRepository_Create(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ledger_orders (id, submitted_at, idempotency_key, status)")).
		WithArgs(sqlmock.AnyArg(), "2026-03-01T10:30:00.000Z", "k-1", "in_progress").
		WillReturnRows(ledgerRow("k-1", 1))

	rec, err := repo.Create(context.Background(), map[string]interface{}{
		domain.LedgerFieldIdempotencyKey: "k-1",
		domain.LedgerFieldStatus:         "in_progress",
		domain.LedgerFieldCreatedAt:      "2026-03-01T10:30:00.000Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "1", *rec.OrderNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerOrderRepository_CreateConflictReturnsExisting(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (idempotency_key) DO NOTHING")).
		WillReturnRows(sqlmock.NewRows(ledgerRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE idempotency_key = $1 LIMIT 1")).
		WithArgs("k-1").
		WillReturnRows(ledgerRow("k-1", 7))

	rec, err := repo.Create(context.Background(), map[string]interface{}{domain.LedgerFieldIdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.Equal(t, "7", *rec.OrderNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerOrderRepository_CreateRequiresKey(t *testing.T) {
	repo, _ := newLedgerRepo(t)

	_, err := repo.Create(context.Background(), map[string]interface{}{domain.LedgerFieldStatus: "in_progress"})

	var verr *errors.ErrValidation
	assert.True(t, stderrors.As(err, &verr))
}

func TestLedgerOrderRepository_UpdateMarshalsSummary(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ledger_orders SET summary = $1, status = $2, updated_at = NOW()")).
		WithArgs(`{"grand_total":410}`, "paid", sqlmock.AnyArg()).
		WillReturnRows(ledgerRow("k-1", 3))

	_, err := repo.Update(context.Background(), testRecordID, map[string]interface{}{
		domain.LedgerFieldStatus:  "paid",
		domain.LedgerFieldSummary: map[string]int{"grand_total": 410},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerOrderRepository_UpdateMissingRecord(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ledger_orders SET status = $1")).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Update(context.Background(), testRecordID, map[string]interface{}{domain.LedgerFieldStatus: "paid"})

	var nf *errors.ErrNotFound
	assert.True(t, stderrors.As(err, &nf))
}

func TestLedgerOrderRepository_ReadInvalidID(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	rec, err := repo.Read(context.Background(), "recAirtableStyle")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}
