package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

const pqUniqueViolation = "23505"

// PendingPaymentRepository persists short-lived payment attempts.
type PendingPaymentRepository struct {
	db *sqlx.DB
}

// NewPendingPaymentRepository constructs the repository.
func NewPendingPaymentRepository(db *sqlx.DB) *PendingPaymentRepository {
	return &PendingPaymentRepository{db: db}
}

const pendingColumns = `id, student_id, academic_year, transaction_id, operator, phone, amount, status, operator_payload, created_at, expires_at`

// FindActive returns the unresolved, unexpired attempt for a student and year.
func (r *PendingPaymentRepository) FindActive(ctx context.Context, studentID, academicYear string) (*models.PendingPayment, error) {
	query := fmt.Sprintf(`SELECT %s FROM pending_payments
        WHERE student_id = $1 AND academic_year = $2 AND status IN ($3, $4) AND expires_at > $5
        LIMIT 1`, pendingColumns)
	var pending models.PendingPayment
	err := r.db.GetContext(ctx, &pending, query, studentID, academicYear,
		models.PaymentStatusPending, models.PaymentStatusInProgress, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find active pending payment: %w", err)
	}
	return &pending, nil
}

// FindByTransactionID returns the attempt identified by the operator transaction id.
func (r *PendingPaymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (*models.PendingPayment, error) {
	query := fmt.Sprintf(`SELECT %s FROM pending_payments WHERE transaction_id = $1`, pendingColumns)
	var pending models.PendingPayment
	if err := r.db.GetContext(ctx, &pending, query, transactionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find pending payment: %w", err)
	}
	return &pending, nil
}

// Create inserts a new attempt. The partial unique index on
// (student_id, academic_year) for unresolved rows is the authoritative guard
// against concurrent duplicates; a violation surfaces as PAYMENT_IN_PROGRESS.
func (r *PendingPaymentRepository) Create(ctx context.Context, pending *models.PendingPayment) error {
	if pending.ID == "" {
		pending.ID = uuid.NewString()
	}
	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = time.Now().UTC()
	}
	if pending.Status == "" {
		pending.Status = models.PaymentStatusPending
	}
	const query = `INSERT INTO pending_payments
        (id, student_id, academic_year, transaction_id, operator, phone, amount, status, operator_payload, created_at, expires_at)
        VALUES (:id, :student_id, :academic_year, :transaction_id, :operator, :phone, :amount, :status, :operator_payload, :created_at, :expires_at)`
	if _, err := r.db.NamedExecContext(ctx, query, pending); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return appErrors.Wrap(err, appErrors.ErrPaymentInProgress.Code, appErrors.ErrPaymentInProgress.Status, appErrors.ErrPaymentInProgress.Message)
		}
		return fmt.Errorf("create pending payment: %w", err)
	}
	return nil
}

// UpdateStatus records the latest known status and operator payload.
func (r *PendingPaymentRepository) UpdateStatus(ctx context.Context, transactionID string, status models.PaymentStatus, payload types.JSONText) error {
	const query = `UPDATE pending_payments SET status = $2, operator_payload = COALESCE($3, operator_payload) WHERE transaction_id = $1`
	var raw interface{}
	if len(payload) > 0 {
		raw = []byte(payload)
	}
	result, err := r.db.ExecContext(ctx, query, transactionID, status, raw)
	if err != nil {
		return fmt.Errorf("update pending payment status: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes the attempt after successful finalization.
func (r *PendingPaymentRepository) Delete(ctx context.Context, transactionID string) error {
	const query = `DELETE FROM pending_payments WHERE transaction_id = $1`
	if _, err := r.db.ExecContext(ctx, query, transactionID); err != nil {
		return fmt.Errorf("delete pending payment: %w", err)
	}
	return nil
}

// ExpireIfStale transitions an unresolved attempt past its expiry to expired.
// Returns true only when this call performed the transition; calling it again
// afterwards is a no-op.
func (r *PendingPaymentRepository) ExpireIfStale(ctx context.Context, transactionID string) (bool, error) {
	const query = `UPDATE pending_payments SET status = $2
        WHERE transaction_id = $1 AND status IN ($3, $4) AND expires_at < $5`
	result, err := r.db.ExecContext(ctx, query, transactionID, models.PaymentStatusExpired,
		models.PaymentStatusPending, models.PaymentStatusInProgress, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("expire pending payment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire pending payment: %w", err)
	}
	return affected > 0, nil
}

// ExpireAllStale sweeps every unresolved attempt past its expiry. Used by the
// optional background sweep; lazy expiry on status checks remains authoritative.
func (r *PendingPaymentRepository) ExpireAllStale(ctx context.Context) (int64, error) {
	const query = `UPDATE pending_payments SET status = $1
        WHERE status IN ($2, $3) AND expires_at < $4`
	result, err := r.db.ExecContext(ctx, query, models.PaymentStatusExpired,
		models.PaymentStatusPending, models.PaymentStatusInProgress, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep pending payments: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep pending payments: %w", err)
	}
	return affected, nil
}

// CountUnresolvedByYear reports in-flight attempts per academic year.
func (r *PendingPaymentRepository) CountUnresolvedByYear(ctx context.Context, academicYear string) (int, error) {
	const query = `SELECT COUNT(*) FROM pending_payments
        WHERE academic_year = $1 AND status IN ($2, $3) AND expires_at > $4`
	var count int
	err := r.db.GetContext(ctx, &count, query, academicYear,
		models.PaymentStatusPending, models.PaymentStatusInProgress, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("count pending payments: %w", err)
	}
	return count, nil
}
