package models

import (
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// PaymentStatus is the canonical status vocabulary for payment attempts.
type PaymentStatus string

// Canonical payment statuses stored in the database.
const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusInProgress PaymentStatus = "in_progress"
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusExpired    PaymentStatus = "expired"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
)

// Public returns the status label exposed to API clients.
func (s PaymentStatus) Public() string {
	switch s {
	case PaymentStatusPending:
		return "en-attente"
	case PaymentStatusInProgress:
		return "en-cours"
	case PaymentStatusSucceeded:
		return "reussi"
	case PaymentStatusFailed:
		return "echoue"
	case PaymentStatusExpired:
		return "expire"
	case PaymentStatusCancelled:
		return "annule"
	default:
		return string(s)
	}
}

// Resolved reports whether the status is terminal.
func (s PaymentStatus) Resolved() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusCancelled:
		return true
	default:
		return false
	}
}

// operatorStatusTable maps every known operator status string onto the
// canonical vocabulary. Unknown strings deliberately fall back to in_progress.
var operatorStatusTable = map[string]PaymentStatus{
	"SUCCESS":     PaymentStatusSucceeded,
	"SUCCESSFUL":  PaymentStatusSucceeded,
	"COMPLETED":   PaymentStatusSucceeded,
	"VALIDATED":   PaymentStatusSucceeded,
	"FAILED":      PaymentStatusFailed,
	"REJECTED":    PaymentStatusFailed,
	"ERROR":       PaymentStatusFailed,
	"PENDING":     PaymentStatusInProgress,
	"PROCESSING":  PaymentStatusInProgress,
	"IN_PROGRESS": PaymentStatusInProgress,
}

// MapOperatorStatus normalises an operator status string onto the canonical
// set {succeeded, failed, in_progress}. The mapping is total.
func MapOperatorStatus(raw string) PaymentStatus {
	if status, ok := operatorStatusTable[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return status
	}
	return PaymentStatusInProgress
}

// PendingPayment is the ephemeral record of an in-flight payment attempt.
// At most one unresolved record may exist per (student, academic year).
type PendingPayment struct {
	ID              string         `db:"id" json:"id"`
	StudentID       string         `db:"student_id" json:"student_id"`
	AcademicYear    string         `db:"academic_year" json:"academic_year"`
	TransactionID   string         `db:"transaction_id" json:"transaction_id"`
	Operator        string         `db:"operator" json:"operator"`
	Phone           string         `db:"phone" json:"phone"`
	Amount          int64          `db:"amount" json:"amount"`
	Status          PaymentStatus  `db:"status" json:"status"`
	OperatorPayload types.JSONText `db:"operator_payload" json:"operator_payload,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	ExpiresAt       time.Time      `db:"expires_at" json:"expires_at"`
}

// Unresolved reports whether the attempt still awaits a terminal outcome.
func (p *PendingPayment) Unresolved() bool {
	return p.Status == PaymentStatusPending || p.Status == PaymentStatusInProgress
}

// Stale reports whether the attempt passed its expiry while unresolved.
func (p *PendingPayment) Stale(now time.Time) bool {
	return p.Unresolved() && now.After(p.ExpiresAt)
}

// PaymentTransaction is an append-only ledger entry for a payment attempt.
// Only the succeeding attempt is linked to an Enrollment; earlier failed
// attempts remain as independent rows.
type PaymentTransaction struct {
	ID              string         `db:"id" json:"id"`
	EnrollmentID    *string        `db:"enrollment_id" json:"enrollment_id,omitempty"`
	TransactionID   string         `db:"transaction_id" json:"transaction_id"`
	Operator        string         `db:"operator" json:"operator"`
	Phone           string         `db:"phone" json:"phone"`
	Amount          int64          `db:"amount" json:"amount"`
	Status          PaymentStatus  `db:"status" json:"status"`
	OperatorMessage string         `db:"operator_message" json:"operator_message"`
	OperatorPayload types.JSONText `db:"operator_payload" json:"operator_payload,omitempty"`
	Attempts        int            `db:"attempts" json:"attempts"`
	InitiatedAt     time.Time      `db:"initiated_at" json:"initiated_at"`
	ValidatedAt     *time.Time     `db:"validated_at" json:"validated_at,omitempty"`
}

// TransactionFilter captures filtering criteria for listing ledger entries.
type TransactionFilter struct {
	StudentID    string
	AcademicYear string
	Operator     string
	Status       PaymentStatus
	Page         int
	PageSize     int
}
