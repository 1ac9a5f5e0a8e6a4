package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

// EnrollmentRepository handles persistence of enrollments and owns the
// finalization transaction that converts a successful payment into a durable
// enrollment plus its ledger entry.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, student_id, academic_year, payment_mode, phone, amount, payment_status, status, enrolled_at, validated_at, validated_by`

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN students s ON s.id = e.student_id`
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
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.PaymentStatus != "" {
		conditions = append(conditions, fmt.Sprintf("e.payment_status = $%d", len(args)+1))
		args = append(args, filter.PaymentStatus)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":   "e.enrolled_at",
		"student_name":  "s.full_name",
		"academic_year": "e.academic_year",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "enrolled_at"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
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

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.academic_year, e.payment_mode, e.phone, e.amount,
        e.payment_status, e.status, e.enrolled_at, e.validated_at, e.validated_by,
        s.full_name AS student_name, s.matricule AS student_matricule
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindByStudentAndYear returns the enrollment for a (student, year) pair.
func (r *EnrollmentRepository) FindByStudentAndYear(ctx context.Context, studentID, academicYear string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE student_id = $1 AND academic_year = $2`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, studentID, academicYear); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with student context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.academic_year, e.payment_mode, e.phone, e.amount,
        e.payment_status, e.status, e.enrolled_at, e.validated_at, e.validated_by,
        s.full_name AS student_name, s.matricule AS student_matricule
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Finalize materializes a successful pending payment into a durable
// enrollment and its ledger transaction, then removes the pending row. The
// three writes commit together or not at all. A duplicate (student, year)
// leaves the pending row untouched for reconciliation and reports
// DUPLICATE_ENROLLMENT.
func (r *EnrollmentRepository) Finalize(ctx context.Context, pending *models.PendingPayment) (enrollment *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	enrollment = &models.Enrollment{
		ID:            uuid.NewString(),
		StudentID:     pending.StudentID,
		AcademicYear:  pending.AcademicYear,
		PaymentMode:   pending.Operator,
		Phone:         pending.Phone,
		Amount:        pending.Amount,
		PaymentStatus: models.EnrollmentPaymentValidated,
		Status:        models.EnrollmentStatusValidated,
		EnrolledAt:    now,
		ValidatedAt:   &now,
	}

	const insertEnrollment = `INSERT INTO enrollments
        (id, student_id, academic_year, payment_mode, phone, amount, payment_status, status, enrolled_at, validated_at, validated_by)
        VALUES (:id, :student_id, :academic_year, :payment_mode, :phone, :amount, :payment_status, :status, :enrolled_at, :validated_at, :validated_by)`
	if _, err = tx.NamedExecContext(ctx, insertEnrollment, enrollment); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			err = appErrors.Wrap(err, appErrors.ErrDuplicateEnrollment.Code, appErrors.ErrDuplicateEnrollment.Status, appErrors.ErrDuplicateEnrollment.Message)
			return nil, err
		}
		err = fmt.Errorf("insert enrollment: %w", err)
		return nil, err
	}

	transaction := &models.PaymentTransaction{
		ID:              uuid.NewString(),
		EnrollmentID:    &enrollment.ID,
		TransactionID:   pending.TransactionID,
		Operator:        pending.Operator,
		Phone:           pending.Phone,
		Amount:          pending.Amount,
		Status:          models.PaymentStatusSucceeded,
		OperatorMessage: "payment validated",
		OperatorPayload: pending.OperatorPayload,
		Attempts:        1,
		InitiatedAt:     pending.CreatedAt,
		ValidatedAt:     &now,
	}
	const insertTransaction = `INSERT INTO payment_transactions
        (id, enrollment_id, transaction_id, operator, phone, amount, status, operator_message, operator_payload, attempts, initiated_at, validated_at)
        VALUES (:id, :enrollment_id, :transaction_id, :operator, :phone, :amount, :status, :operator_message, :operator_payload, :attempts, :initiated_at, :validated_at)`
	if _, err = tx.NamedExecContext(ctx, insertTransaction, transaction); err != nil {
		err = fmt.Errorf("insert payment transaction: %w", err)
		return nil, err
	}

	const deletePending = `DELETE FROM pending_payments WHERE transaction_id = $1`
	var result sql.Result
	if result, err = tx.ExecContext(ctx, deletePending, pending.TransactionID); err != nil {
		err = fmt.Errorf("delete pending payment: %w", err)
		return nil, err
	}
	if affected, raErr := result.RowsAffected(); raErr == nil && affected == 0 {
		// Another finalization already consumed the pending row.
		err = appErrors.Clone(appErrors.ErrFinalizationFailed, "pending payment already finalized")
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit finalize transaction: %w", err)
		return nil, err
	}
	return enrollment, nil
}

// UpdateValidation sets the admin validation fields on an enrollment.
func (r *EnrollmentRepository) UpdateValidation(ctx context.Context, id string, paymentStatus models.EnrollmentPaymentStatus, status models.EnrollmentStatus, validatedBy *string, validatedAt *time.Time) error {
	const query = `UPDATE enrollments SET payment_status = $2, status = $3, validated_by = COALESCE($4, validated_by), validated_at = $5 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, paymentStatus, status, validatedBy, validatedAt)
	if err != nil {
		return fmt.Errorf("update enrollment validation: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// StatsByYear aggregates enrollment counts for the dashboard.
func (r *EnrollmentRepository) StatsByYear(ctx context.Context, academicYear string) (*models.YearStats, error) {
	const query = `SELECT
        $1::text AS academic_year,
        COUNT(*) AS total_enrolled,
        COUNT(*) FILTER (WHERE status = 'validated') AS total_validated,
        COUNT(*) FILTER (WHERE status = 'cancelled') AS total_cancelled,
        COALESCE(SUM(amount), 0) AS total_amount,
        0 AS pending_payments
        FROM enrollments WHERE academic_year = $1`
	var stats models.YearStats
	if err := r.db.GetContext(ctx, &stats, query, academicYear); err != nil {
		return nil, fmt.Errorf("enrollment stats: %w", err)
	}
	return &stats, nil
}
