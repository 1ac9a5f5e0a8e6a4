package dto

import (
	"time"

	"github.com/noah-isme/uni-enroll-api/internal/models"
)

// InitiatePaymentRequest starts a mobile money enrollment payment.
type InitiatePaymentRequest struct {
	StudentID    string `json:"student_id" validate:"required"`
	AcademicYear string `json:"academic_year" validate:"required"`
	Operator     string `json:"operator" validate:"required"`
	Phone        string `json:"phone" validate:"required"`
	Amount       int64  `json:"amount" validate:"required,gt=0"`
}

// CallbackRequest is the webhook payload pushed by an operator.
type CallbackRequest struct {
	TransactionID string                 `json:"transaction_id" validate:"required"`
	Status        string                 `json:"status" validate:"required"`
	Operator      string                 `json:"operator"`
	Data          map[string]interface{} `json:"data"`
}

// PaymentAttempt describes an in-flight payment attempt to API clients.
// Statut carries the public status label (en-attente, en-cours, ...).
type PaymentAttempt struct {
	TransactionID string    `json:"transaction_id"`
	StudentID     string    `json:"student_id"`
	AcademicYear  string    `json:"academic_year"`
	Operator      string    `json:"operator"`
	Phone         string    `json:"phone"`
	Amount        int64     `json:"amount"`
	Statut        string    `json:"statut"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Reused        bool      `json:"-"`
}

// NewPaymentAttempt maps a pending payment onto its public representation.
func NewPaymentAttempt(p *models.PendingPayment, message string) *PaymentAttempt {
	return &PaymentAttempt{
		TransactionID: p.TransactionID,
		StudentID:     p.StudentID,
		AcademicYear:  p.AcademicYear,
		Operator:      p.Operator,
		Phone:         p.Phone,
		Amount:        p.Amount,
		Statut:        p.Status.Public(),
		Message:       message,
		CreatedAt:     p.CreatedAt,
		ExpiresAt:     p.ExpiresAt,
	}
}

// PaymentOutcome reports the result of a status check or callback.
type PaymentOutcome struct {
	TransactionID string             `json:"transaction_id"`
	Statut        string             `json:"statut"`
	Message       string             `json:"message,omitempty"`
	Enrollment    *models.Enrollment `json:"enrollment,omitempty"`
}
