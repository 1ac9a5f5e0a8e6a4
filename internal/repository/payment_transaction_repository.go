package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/noah-isme/uni-enroll-api/internal/models"
)

// PaymentTransactionRepository reads and appends ledger entries.
type PaymentTransactionRepository struct {
	db *sqlx.DB
}

// NewPaymentTransactionRepository constructs the repository.
func NewPaymentTransactionRepository(db *sqlx.DB) *PaymentTransactionRepository {
	return &PaymentTransactionRepository{db: db}
}

const transactionColumns = `id, enrollment_id, transaction_id, operator, phone, amount, status, operator_message, operator_payload, attempts, initiated_at, validated_at`

// FindByTransactionID returns the ledger entry for an operator transaction id.
func (r *PaymentTransactionRepository) FindByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM payment_transactions WHERE transaction_id = $1`, transactionColumns)
	var transaction models.PaymentTransaction
	if err := r.db.GetContext(ctx, &transaction, query, transactionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find payment transaction: %w", err)
	}
	return &transaction, nil
}

// List returns ledger entries filtered by the provided criteria.
func (r *PaymentTransactionRepository) List(ctx context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, int, error) {
	base := `FROM payment_transactions t
LEFT JOIN enrollments e ON e.id = t.enrollment_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.AcademicYear != "" {
		conditions = append(conditions, fmt.Sprintf("e.academic_year = $%d", len(args)+1))
		args = append(args, filter.AcademicYear)
	}
	if filter.Operator != "" {
		conditions = append(conditions, fmt.Sprintf("t.operator = $%d", len(args)+1))
		args = append(args, filter.Operator)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("t.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT t.id, t.enrollment_id, t.transaction_id, t.operator, t.phone, t.amount,
        t.status, t.operator_message, t.operator_payload, t.attempts, t.initiated_at, t.validated_at
        %s ORDER BY t.initiated_at DESC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var transactions []models.PaymentTransaction
	if err := r.db.SelectContext(ctx, &transactions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list payment transactions: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count payment transactions: %w", err)
	}
	return transactions, total, nil
}

// MarkValidated flips a ledger entry to succeeded after a late confirmation.
func (r *PaymentTransactionRepository) MarkValidated(ctx context.Context, transactionID string, message string, payload types.JSONText, validatedAt time.Time) error {
	const query = `UPDATE payment_transactions
        SET status = $2, operator_message = $3, operator_payload = COALESCE($4, operator_payload), validated_at = $5, attempts = attempts + 1
        WHERE transaction_id = $1`
	var raw interface{}
	if len(payload) > 0 {
		raw = []byte(payload)
	}
	result, err := r.db.ExecContext(ctx, query, transactionID, models.PaymentStatusSucceeded, message, raw, validatedAt)
	if err != nil {
		return fmt.Errorf("validate payment transaction: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkFailed records a failed confirmation on the ledger entry.
func (r *PaymentTransactionRepository) MarkFailed(ctx context.Context, transactionID string, message string, payload types.JSONText) error {
	const query = `UPDATE payment_transactions
        SET status = $2, operator_message = $3, operator_payload = COALESCE($4, operator_payload), attempts = attempts + 1
        WHERE transaction_id = $1`
	var raw interface{}
	if len(payload) > 0 {
		raw = []byte(payload)
	}
	result, err := r.db.ExecContext(ctx, query, transactionID, models.PaymentStatusFailed, message, raw)
	if err != nil {
		return fmt.Errorf("fail payment transaction: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
