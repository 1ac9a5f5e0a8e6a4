package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

func newPendingMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func pendingRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "student_id", "academic_year", "transaction_id", "operator", "phone", "amount", "status", "operator_payload", "created_at", "expires_at"}).
		AddRow("pp-1", "stu-1", "2026-2027", "OP-42", "mynita", "+22796123456", 50000, "in_progress", []byte(`{}`), time.Now(), time.Now().Add(30*time.Minute))
}

func TestPendingPaymentRepositoryFindActive(t *testing.T) {
	db, mock, cleanup := newPendingMock(t)
	defer cleanup()
	repo := NewPendingPaymentRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM pending_payments").
		WithArgs("stu-1", "2026-2027", models.PaymentStatusPending, models.PaymentStatusInProgress, sqlmock.AnyArg()).
		WillReturnRows(pendingRows())

	pending, err := repo.FindActive(context.Background(), "stu-1", "2026-2027")
	require.NoError(t, err)
	assert.Equal(t, "OP-42", pending.TransactionID)
	assert.Equal(t, models.PaymentStatusInProgress, pending.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingPaymentRepositoryFindActiveNoRows(t *testing.T) {
	db, mock, cleanup := newPendingMock(t)
	defer cleanup()
	repo := NewPendingPaymentRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM pending_payments").
		WithArgs("stu-1", "2026-2027", models.PaymentStatusPending, models.PaymentStatusInProgress, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindActive(context.Background(), "stu-1", "2026-2027")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingPaymentRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newPendingMock(t)
	defer cleanup()
	repo := NewPendingPaymentRepository(db)

	mock.ExpectExec("INSERT INTO pending_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	pending := &models.PendingPayment{
		StudentID:     "stu-1",
		AcademicYear:  "2026-2027",
		TransactionID: "OP-42",
		Operator:      "mynita",
		Phone:         "+22796123456",
		Amount:        50000,
		ExpiresAt:     time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, repo.Create(context.Background(), pending))
	assert.NotEmpty(t, pending.ID)
	assert.Equal(t, models.PaymentStatusPending, pending.Status)
	assert.False(t, pending.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingPaymentRepositoryCreateDuplicate(t *testing.T) {
	db, mock, cleanup := newPendingMock(t)
	defer cleanup()
	repo := NewPendingPaymentRepository(db)

	mock.ExpectExec("INSERT INTO pending_payments").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "pending_payments_active_student_year_idx"})

	err := repo.Create(context.Background(), &models.PendingPayment{
		StudentID:     "stu-1",
		AcademicYear:  "2026-2027",
		TransactionID: "OP-43",
	})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrPaymentInProgress.Code, appErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingPaymentRepositoryUpdateStatus(t *testing.T) {
	db, mock, cleanup := newPendingMock(t)
	defer cleanup()
	repo := NewPendingPaymentRepository(db)

	mock.ExpectExec("UPDATE pending_payments SET status").
		WithArgs("OP-42", models.PaymentStatusFailed, []byte(`{"reason":"rejected"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), "OP-42", models.PaymentStatusFailed, []byte(`{"reason":"rejected"}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingPaymentRepositoryUpdateStatusMissing(t *testing.T) {
	db, mock, cleanup := newPendingMock(t)
	defer cleanup()
	repo := NewPendingPaymentRepository(db)

	mock.ExpectExec("UPDATE pending_payments SET status").
		WithArgs("OP-gone", models.PaymentStatusFailed, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "OP-gone", models.PaymentStatusFailed, nil)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingPaymentRepositoryExpireIfStale(t *testing.T) {
	db, mock, cleanup := newPendingMock(t)
	defer cleanup()
	repo := NewPendingPaymentRepository(db)

	mock.ExpectExec("UPDATE pending_payments SET status").
		WithArgs("OP-42", models.PaymentStatusExpired, models.PaymentStatusPending, models.PaymentStatusInProgress, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	expired, err := repo.ExpireIfStale(context.Background(), "OP-42")
	require.NoError(t, err)
	assert.True(t, expired)

	// A second call finds nothing left to transition.
	mock.ExpectExec("UPDATE pending_payments SET status").
		WithArgs("OP-42", models.PaymentStatusExpired, models.PaymentStatusPending, models.PaymentStatusInProgress, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	expired, err = repo.ExpireIfStale(context.Background(), "OP-42")
	require.NoError(t, err)
	assert.False(t, expired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingPaymentRepositoryExpireAllStale(t *testing.T) {
	db, mock, cleanup := newPendingMock(t)
	defer cleanup()
	repo := NewPendingPaymentRepository(db)

	mock.ExpectExec("UPDATE pending_payments SET status").
		WithArgs(models.PaymentStatusExpired, models.PaymentStatusPending, models.PaymentStatusInProgress, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.ExpireAllStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
