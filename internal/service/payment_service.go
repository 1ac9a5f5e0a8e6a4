package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-enroll-api/internal/dto"
	"github.com/noah-isme/uni-enroll-api/internal/gateway"
	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

type pendingPaymentStore interface {
	FindActive(ctx context.Context, studentID, academicYear string) (*models.PendingPayment, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*models.PendingPayment, error)
	Create(ctx context.Context, pending *models.PendingPayment) error
	UpdateStatus(ctx context.Context, transactionID string, status models.PaymentStatus, payload types.JSONText) error
	ExpireIfStale(ctx context.Context, transactionID string) (bool, error)
	ExpireAllStale(ctx context.Context) (int64, error)
}

type enrollmentFinalizer interface {
	Finalize(ctx context.Context, pending *models.PendingPayment) (*models.Enrollment, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindByStudentAndYear(ctx context.Context, studentID, academicYear string) (*models.Enrollment, error)
	UpdateValidation(ctx context.Context, id string, paymentStatus models.EnrollmentPaymentStatus, status models.EnrollmentStatus, validatedBy *string, validatedAt *time.Time) error
}

type transactionLedger interface {
	FindByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error)
	MarkValidated(ctx context.Context, transactionID string, message string, payload types.JSONText, validatedAt time.Time) error
	MarkFailed(ctx context.Context, transactionID string, message string, payload types.JSONText) error
}

type paymentStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type receiptScheduler interface {
	Schedule(enrollment *models.Enrollment, transactionID string)
}

type paymentObserver interface {
	ObservePayment(event, operator string)
}

// PaymentConfig tunes orchestration behaviour.
type PaymentConfig struct {
	PendingTTL time.Duration
}

// PaymentService drives the payment state machine: initiate, poll or receive
// a callback, and finalize into a durable enrollment.
type PaymentService struct {
	pending     pendingPaymentStore
	enrollments enrollmentFinalizer
	ledger      transactionLedger
	students    paymentStudentReader
	gateway     gateway.Adapter
	receipts    receiptScheduler
	metrics     paymentObserver
	validator   *validator.Validate
	logger      *zap.Logger
	pendingTTL  time.Duration
}

// NewPaymentService constructs the orchestrator. receipts and metrics may be nil.
func NewPaymentService(
	pending pendingPaymentStore,
	enrollments enrollmentFinalizer,
	ledger transactionLedger,
	students paymentStudentReader,
	gw gateway.Adapter,
	receipts receiptScheduler,
	metrics paymentObserver,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg PaymentConfig,
) *PaymentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &PaymentService{
		pending:     pending,
		enrollments: enrollments,
		ledger:      ledger,
		students:    students,
		gateway:     gw,
		receipts:    receipts,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
		pendingTTL:  ttl,
	}
}

// Initiate starts a payment attempt for a student and academic year. When an
// unresolved attempt already exists for the pair, that attempt is returned
// with Reused set instead of contacting the operator again.
func (s *PaymentService) Initiate(ctx context.Context, req dto.InitiatePaymentRequest) (*dto.PaymentAttempt, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}

	phone, err := gateway.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Eligible() {
		return nil, appErrors.Clone(appErrors.ErrNotEligible, "")
	}

	if _, err := s.enrollments.FindByStudentAndYear(ctx, req.StudentID, req.AcademicYear); err == nil {
		return nil, appErrors.Clone(appErrors.ErrDuplicateEnrollment, "")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}

	if existing, err := s.pending.FindActive(ctx, req.StudentID, req.AcademicYear); err == nil {
		attempt := dto.NewPaymentAttempt(existing, "payment already in progress")
		attempt.Reused = true
		return attempt, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check pending payments")
	}

	reference := fmt.Sprintf("ENR-%s-%s", student.Matricule, req.AcademicYear)
	result, err := s.gateway.Initiate(ctx, req.Operator, phone, req.Amount, reference)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pending := &models.PendingPayment{
		StudentID:       req.StudentID,
		AcademicYear:    req.AcademicYear,
		TransactionID:   result.TransactionID,
		Operator:        req.Operator,
		Phone:           phone,
		Amount:          req.Amount,
		Status:          models.PaymentStatusInProgress,
		OperatorPayload: result.Raw,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.pendingTTL),
	}
	if err := s.pending.Create(ctx, pending); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) && appErr.Code == appErrors.ErrPaymentInProgress.Code {
			// Lost the race to a concurrent initiate. Surface the winner.
			if existing, findErr := s.pending.FindActive(ctx, req.StudentID, req.AcademicYear); findErr == nil {
				attempt := dto.NewPaymentAttempt(existing, "payment already in progress")
				attempt.Reused = true
				return attempt, nil
			}
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist pending payment")
	}

	s.observe("initiated", req.Operator)
	s.logger.Info("payment initiated",
		zap.String("transaction_id", pending.TransactionID),
		zap.String("student_id", pending.StudentID),
		zap.String("operator", pending.Operator))

	return dto.NewPaymentAttempt(pending, result.Message), nil
}

// CheckStatus polls the operator for the outcome of a pending attempt and
// finalizes the enrollment on success. Replays after a successful
// finalization resolve against the ledger and are benign.
func (s *PaymentService) CheckStatus(ctx context.Context, transactionID string) (*dto.PaymentOutcome, error) {
	pending, err := s.pending.FindByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.resolveFromLedger(ctx, transactionID)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pending payment")
	}

	now := time.Now().UTC()
	if pending.Stale(now) {
		if _, err := s.pending.ExpireIfStale(ctx, transactionID); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire pending payment")
		}
		s.observe("expired", pending.Operator)
		return &dto.PaymentOutcome{
			TransactionID: transactionID,
			Statut:        models.PaymentStatusExpired.Public(),
			Message:       "payment attempt expired",
		}, nil
	}

	if pending.Status.Resolved() {
		return &dto.PaymentOutcome{
			TransactionID: transactionID,
			Statut:        pending.Status.Public(),
		}, nil
	}

	result, err := s.gateway.CheckStatus(ctx, transactionID, pending.Operator)
	if err != nil {
		return nil, err
	}

	return s.resolve(ctx, pending, models.MapOperatorStatus(result.Status), result.Message, result.Raw)
}

// HandleCallback processes an operator webhook. It is the same finalization
// path as CheckStatus, keyed by transaction id: a still-pending attempt is
// resolved with the pushed status; otherwise the ledger entry and its linked
// enrollment are updated.
func (s *PaymentService) HandleCallback(ctx context.Context, req dto.CallbackRequest) (*dto.PaymentOutcome, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid callback payload")
	}

	var payload types.JSONText
	if len(req.Data) > 0 {
		if raw, err := json.Marshal(req.Data); err == nil {
			payload = raw
		}
	}

	mapped := models.MapOperatorStatus(req.Status)

	pending, err := s.pending.FindByTransactionID(ctx, req.TransactionID)
	if err == nil {
		if pending.Stale(time.Now().UTC()) {
			if _, err := s.pending.ExpireIfStale(ctx, req.TransactionID); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire pending payment")
			}
			s.observe("expired", pending.Operator)
			return &dto.PaymentOutcome{
				TransactionID: req.TransactionID,
				Statut:        models.PaymentStatusExpired.Public(),
				Message:       "payment attempt expired",
			}, nil
		}
		return s.resolve(ctx, pending, mapped, "operator callback", payload)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pending payment")
	}

	// No pending row: the flow was already finalized (or never existed).
	transaction, err := s.ledger.FindByTransactionID(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrTransactionNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment transaction")
	}

	switch mapped {
	case models.PaymentStatusSucceeded:
		now := time.Now().UTC()
		if err := s.ledger.MarkValidated(ctx, req.TransactionID, "operator callback confirmed", payload, now); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate payment transaction")
		}
		if transaction.EnrollmentID != nil {
			if err := s.enrollments.UpdateValidation(ctx, *transaction.EnrollmentID, models.EnrollmentPaymentValidated, models.EnrollmentStatusValidated, nil, &now); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollment")
			}
		}
		return &dto.PaymentOutcome{TransactionID: req.TransactionID, Statut: models.PaymentStatusSucceeded.Public()}, nil
	case models.PaymentStatusFailed:
		if err := s.ledger.MarkFailed(ctx, req.TransactionID, "operator callback rejected", payload); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update payment transaction")
		}
		if transaction.EnrollmentID != nil {
			if err := s.enrollments.UpdateValidation(ctx, *transaction.EnrollmentID, models.EnrollmentPaymentRefused, models.EnrollmentStatusPending, nil, nil); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment")
			}
		}
		return &dto.PaymentOutcome{TransactionID: req.TransactionID, Statut: models.PaymentStatusFailed.Public()}, nil
	default:
		return &dto.PaymentOutcome{TransactionID: req.TransactionID, Statut: transaction.Status.Public()}, nil
	}
}

// Sweep expires every stale unresolved attempt. Called from the optional
// periodic sweeper; lazy expiry on CheckStatus remains authoritative.
func (s *PaymentService) Sweep(ctx context.Context) error {
	expired, err := s.pending.ExpireAllStale(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.logger.Info("expired stale pending payments", zap.Int64("count", expired))
	}
	return nil
}

// resolve applies a mapped operator status to a live pending attempt.
func (s *PaymentService) resolve(ctx context.Context, pending *models.PendingPayment, mapped models.PaymentStatus, message string, payload types.JSONText) (*dto.PaymentOutcome, error) {
	switch mapped {
	case models.PaymentStatusSucceeded:
		enrollment, err := s.enrollments.Finalize(ctx, pending)
		if err != nil {
			var appErr *appErrors.Error
			if errors.As(err, &appErr) {
				switch appErr.Code {
				case appErrors.ErrDuplicateEnrollment.Code:
					// Pending row is preserved for manual reconciliation.
					s.logger.Error("finalization hit duplicate enrollment",
						zap.String("transaction_id", pending.TransactionID),
						zap.String("student_id", pending.StudentID))
					return nil, appErr
				case appErrors.ErrFinalizationFailed.Code:
					// A concurrent poll or callback won the race.
					return s.resolveFromLedger(ctx, pending.TransactionID)
				}
			}
			return nil, appErrors.Wrap(err, appErrors.ErrFinalizationFailed.Code, appErrors.ErrFinalizationFailed.Status, appErrors.ErrFinalizationFailed.Message)
		}

		s.observe("succeeded", pending.Operator)
		s.logger.Info("payment finalized",
			zap.String("transaction_id", pending.TransactionID),
			zap.String("enrollment_id", enrollment.ID))
		if s.receipts != nil {
			s.receipts.Schedule(enrollment, pending.TransactionID)
		}
		return &dto.PaymentOutcome{
			TransactionID: pending.TransactionID,
			Statut:        models.PaymentStatusSucceeded.Public(),
			Message:       message,
			Enrollment:    enrollment,
		}, nil

	case models.PaymentStatusFailed:
		if err := s.pending.UpdateStatus(ctx, pending.TransactionID, models.PaymentStatusFailed, payload); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment failure")
		}
		s.observe("failed", pending.Operator)
		return &dto.PaymentOutcome{
			TransactionID: pending.TransactionID,
			Statut:        models.PaymentStatusFailed.Public(),
			Message:       message,
		}, nil

	default:
		if err := s.pending.UpdateStatus(ctx, pending.TransactionID, models.PaymentStatusInProgress, payload); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update pending payment")
		}
		return &dto.PaymentOutcome{
			TransactionID: pending.TransactionID,
			Statut:        models.PaymentStatusInProgress.Public(),
			Message:       message,
		}, nil
	}
}

// resolveFromLedger answers a status query for a transaction whose pending
// row is gone, which after a successful finalization is the expected state.
func (s *PaymentService) resolveFromLedger(ctx context.Context, transactionID string) (*dto.PaymentOutcome, error) {
	transaction, err := s.ledger.FindByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrTransactionNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment transaction")
	}

	outcome := &dto.PaymentOutcome{
		TransactionID: transactionID,
		Statut:        transaction.Status.Public(),
		Message:       transaction.OperatorMessage,
	}
	if transaction.EnrollmentID != nil {
		// Best effort: enrich with the enrollment the transaction created.
		if enrollment, err := s.enrollments.FindByID(ctx, *transaction.EnrollmentID); err == nil {
			outcome.Enrollment = enrollment
		}
	}
	return outcome, nil
}

func (s *PaymentService) observe(event, operator string) {
	if s.metrics != nil {
		s.metrics.ObservePayment(event, operator)
	}
}
