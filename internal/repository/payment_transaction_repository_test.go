package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/uni-enroll-api/internal/models"
)

func newTransactionMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestPaymentTransactionRepositoryFindByTransactionID(t *testing.T) {
	db, mock, cleanup := newTransactionMock(t)
	defer cleanup()
	repo := NewPaymentTransactionRepository(db)

	rows := sqlmock.NewRows([]string{"id", "enrollment_id", "transaction_id", "operator", "phone", "amount", "status", "operator_message", "operator_payload", "attempts", "initiated_at", "validated_at"}).
		AddRow("tx-1", "enr-1", "OP-42", "mynita", "+22796123456", 50000, "succeeded", "payment validated", []byte(`{}`), 1, time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM payment_transactions WHERE transaction_id").
		WithArgs("OP-42").
		WillReturnRows(rows)

	transaction, err := repo.FindByTransactionID(context.Background(), "OP-42")
	require.NoError(t, err)
	assert.Equal(t, "OP-42", transaction.TransactionID)
	require.NotNil(t, transaction.EnrollmentID)
	assert.Equal(t, "enr-1", *transaction.EnrollmentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentTransactionRepositoryFindMissing(t *testing.T) {
	db, mock, cleanup := newTransactionMock(t)
	defer cleanup()
	repo := NewPaymentTransactionRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM payment_transactions WHERE transaction_id").
		WithArgs("OP-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByTransactionID(context.Background(), "OP-missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentTransactionRepositoryList(t *testing.T) {
	db, mock, cleanup := newTransactionMock(t)
	defer cleanup()
	repo := NewPaymentTransactionRepository(db)

	rows := sqlmock.NewRows([]string{"id", "enrollment_id", "transaction_id", "operator", "phone", "amount", "status", "operator_message", "operator_payload", "attempts", "initiated_at", "validated_at"}).
		AddRow("tx-1", "enr-1", "OP-42", "mynita", "+22796123456", 50000, "succeeded", "payment validated", []byte(`{}`), 1, time.Now(), time.Now())
	mock.ExpectQuery("SELECT t.id, t.enrollment_id, t.transaction_id").
		WithArgs("mynita", models.PaymentStatusSucceeded).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs("mynita", models.PaymentStatusSucceeded).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	transactions, total, err := repo.List(context.Background(), models.TransactionFilter{
		Operator: "mynita",
		Status:   models.PaymentStatusSucceeded,
	})
	require.NoError(t, err)
	assert.Len(t, transactions, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentTransactionRepositoryMarkValidated(t *testing.T) {
	db, mock, cleanup := newTransactionMock(t)
	defer cleanup()
	repo := NewPaymentTransactionRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE payment_transactions").
		WithArgs("OP-42", models.PaymentStatusSucceeded, "operator callback confirmed", []byte(`{"ref":"R-1"}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkValidated(context.Background(), "OP-42", "operator callback confirmed", []byte(`{"ref":"R-1"}`), now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentTransactionRepositoryMarkFailedMissing(t *testing.T) {
	db, mock, cleanup := newTransactionMock(t)
	defer cleanup()
	repo := NewPaymentTransactionRepository(db)

	mock.ExpectExec("UPDATE payment_transactions").
		WithArgs("OP-gone", models.PaymentStatusFailed, "operator callback rejected", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkFailed(context.Background(), "OP-gone", "operator callback rejected", nil)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
