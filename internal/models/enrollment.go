package models

import "time"

// EnrollmentPaymentStatus tracks the payment side of an enrollment.
type EnrollmentPaymentStatus string

// Possible payment statuses on an enrollment.
const (
	EnrollmentPaymentPending   EnrollmentPaymentStatus = "pending"
	EnrollmentPaymentValidated EnrollmentPaymentStatus = "validated"
	EnrollmentPaymentRefused   EnrollmentPaymentStatus = "refused"
)

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPending   EnrollmentStatus = "pending"
	EnrollmentStatusValidated EnrollmentStatus = "validated"
	EnrollmentStatusCancelled EnrollmentStatus = "cancelled"
)

// Enrollment is the durable record of a student's registration for an
// academic year. It is created exactly once per (student, year) and only by
// a successful payment finalization.
type Enrollment struct {
	ID            string                  `db:"id" json:"id"`
	StudentID     string                  `db:"student_id" json:"student_id"`
	AcademicYear  string                  `db:"academic_year" json:"academic_year"`
	PaymentMode   string                  `db:"payment_mode" json:"payment_mode"`
	Phone         string                  `db:"phone" json:"phone"`
	Amount        int64                   `db:"amount" json:"amount"`
	PaymentStatus EnrollmentPaymentStatus `db:"payment_status" json:"payment_status"`
	Status        EnrollmentStatus        `db:"status" json:"status"`
	EnrolledAt    time.Time               `db:"enrolled_at" json:"enrolled_at"`
	ValidatedAt   *time.Time              `db:"validated_at" json:"validated_at,omitempty"`
	ValidatedBy   *string                 `db:"validated_by" json:"validated_by,omitempty"`
}

// EnrollmentDetail enriches Enrollment with student context.
type EnrollmentDetail struct {
	Enrollment
	StudentName      string `db:"student_name" json:"student_name"`
	StudentMatricule string `db:"student_matricule" json:"student_matricule"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID     string
	AcademicYear  string
	Status        EnrollmentStatus
	PaymentStatus EnrollmentPaymentStatus
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}

// YearStats aggregates enrollment counts for the dashboard.
type YearStats struct {
	AcademicYear    string `db:"academic_year" json:"academic_year"`
	TotalEnrolled   int    `db:"total_enrolled" json:"total_enrolled"`
	TotalValidated  int    `db:"total_validated" json:"total_validated"`
	TotalCancelled  int    `db:"total_cancelled" json:"total_cancelled"`
	TotalAmount     int64  `db:"total_amount" json:"total_amount"`
	PendingPayments int    `db:"pending_payments" json:"pending_payments"`
}
