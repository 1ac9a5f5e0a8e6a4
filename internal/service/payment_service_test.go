package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/uni-enroll-api/internal/dto"
	"github.com/noah-isme/uni-enroll-api/internal/gateway"
	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

type pendingStoreStub struct {
	active     *models.PendingPayment
	byTxn      map[string]*models.PendingPayment
	createErr  error
	created    *models.PendingPayment
	updates    map[string]models.PaymentStatus
	expired    []string
	sweepCount int64
}

func (s *pendingStoreStub) FindActive(ctx context.Context, studentID, academicYear string) (*models.PendingPayment, error) {
	if s.active == nil {
		return nil, sql.ErrNoRows
	}
	return s.active, nil
}

func (s *pendingStoreStub) FindByTransactionID(ctx context.Context, transactionID string) (*models.PendingPayment, error) {
	if pending, ok := s.byTxn[transactionID]; ok {
		return pending, nil
	}
	return nil, sql.ErrNoRows
}

func (s *pendingStoreStub) Create(ctx context.Context, pending *models.PendingPayment) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = pending
	return nil
}

func (s *pendingStoreStub) UpdateStatus(ctx context.Context, transactionID string, status models.PaymentStatus, payload types.JSONText) error {
	if s.updates == nil {
		s.updates = make(map[string]models.PaymentStatus)
	}
	s.updates[transactionID] = status
	return nil
}

func (s *pendingStoreStub) ExpireIfStale(ctx context.Context, transactionID string) (bool, error) {
	s.expired = append(s.expired, transactionID)
	return true, nil
}

func (s *pendingStoreStub) ExpireAllStale(ctx context.Context) (int64, error) {
	return s.sweepCount, nil
}

type finalizerStub struct {
	enrollment    *models.Enrollment
	finalizeErr   error
	finalizeCalls int
	byID          map[string]*models.Enrollment
	existing      *models.Enrollment
	validations   int
}

func (f *finalizerStub) Finalize(ctx context.Context, pending *models.PendingPayment) (*models.Enrollment, error) {
	f.finalizeCalls++
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	return f.enrollment, nil
}

func (f *finalizerStub) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if enrollment, ok := f.byID[id]; ok {
		return enrollment, nil
	}
	return nil, sql.ErrNoRows
}

func (f *finalizerStub) FindByStudentAndYear(ctx context.Context, studentID, academicYear string) (*models.Enrollment, error) {
	if f.existing != nil {
		return f.existing, nil
	}
	return nil, sql.ErrNoRows
}

func (f *finalizerStub) UpdateValidation(ctx context.Context, id string, paymentStatus models.EnrollmentPaymentStatus, status models.EnrollmentStatus, validatedBy *string, validatedAt *time.Time) error {
	f.validations++
	return nil
}

type ledgerStub struct {
	byTxn     map[string]*models.PaymentTransaction
	validated []string
	failed    []string
}

func (l *ledgerStub) FindByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	if transaction, ok := l.byTxn[transactionID]; ok {
		return transaction, nil
	}
	return nil, sql.ErrNoRows
}

func (l *ledgerStub) MarkValidated(ctx context.Context, transactionID string, message string, payload types.JSONText, validatedAt time.Time) error {
	l.validated = append(l.validated, transactionID)
	return nil
}

func (l *ledgerStub) MarkFailed(ctx context.Context, transactionID string, message string, payload types.JSONText) error {
	l.failed = append(l.failed, transactionID)
	return nil
}

type studentReaderStub struct {
	students map[string]*models.Student
}

func (s *studentReaderStub) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if student, ok := s.students[id]; ok {
		return student, nil
	}
	return nil, sql.ErrNoRows
}

type gatewayStub struct {
	initiateResult *gateway.InitiateResult
	initiateErr    error
	statusResult   *gateway.StatusResult
	statusErr      error
	initiateCalls  int
	statusCalls    int
}

func (g *gatewayStub) Initiate(ctx context.Context, operator, phone string, amount int64, reference string) (*gateway.InitiateResult, error) {
	g.initiateCalls++
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return g.initiateResult, nil
}

func (g *gatewayStub) CheckStatus(ctx context.Context, transactionID, operator string) (*gateway.StatusResult, error) {
	g.statusCalls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return g.statusResult, nil
}

type receiptSchedulerStub struct {
	scheduled []string
}

func (r *receiptSchedulerStub) Schedule(enrollment *models.Enrollment, transactionID string) {
	r.scheduled = append(r.scheduled, transactionID)
}

func eligibleStudent() *models.Student {
	return &models.Student{
		ID:        "stu-1",
		Matricule: "M-2026-0001",
		FullName:  "Amina Oumarou",
		CanEnroll: true,
		Status:    models.StudentStatusActive,
	}
}

func livePending(transactionID string) *models.PendingPayment {
	return &models.PendingPayment{
		ID:            "pp-1",
		StudentID:     "stu-1",
		AcademicYear:  "2026-2027",
		TransactionID: transactionID,
		Operator:      "mynita",
		Phone:         "+22796123456",
		Amount:        50000,
		Status:        models.PaymentStatusInProgress,
		CreatedAt:     time.Now().Add(-time.Minute),
		ExpiresAt:     time.Now().Add(29 * time.Minute),
	}
}

func newPaymentService(pending *pendingStoreStub, enrollments *finalizerStub, ledger *ledgerStub, students *studentReaderStub, gw gateway.Adapter, receipts *receiptSchedulerStub) *PaymentService {
	var scheduler receiptScheduler
	if receipts != nil {
		scheduler = receipts
	}
	return NewPaymentService(pending, enrollments, ledger, students, gw, scheduler, nil, nil, nil, PaymentConfig{PendingTTL: 30 * time.Minute})
}

func validInitiateRequest() dto.InitiatePaymentRequest {
	return dto.InitiatePaymentRequest{
		StudentID:    "stu-1",
		AcademicYear: "2026-2027",
		Operator:     "mynita",
		Phone:        "96123456",
		Amount:       50000,
	}
}

func TestPaymentServiceInitiate(t *testing.T) {
	pending := &pendingStoreStub{}
	gw := &gatewayStub{initiateResult: &gateway.InitiateResult{
		TransactionID: "OP-42",
		Status:        "PROCESSING",
		Message:       "accepted",
		Raw:           types.JSONText(`{"status":"PROCESSING"}`),
	}}
	students := &studentReaderStub{students: map[string]*models.Student{"stu-1": eligibleStudent()}}
	svc := newPaymentService(pending, &finalizerStub{}, &ledgerStub{}, students, gw, nil)

	attempt, err := svc.Initiate(context.Background(), validInitiateRequest())
	require.NoError(t, err)
	assert.Equal(t, "OP-42", attempt.TransactionID)
	assert.Equal(t, "en-cours", attempt.Statut)
	assert.False(t, attempt.Reused)
	assert.Equal(t, 1, gw.initiateCalls)

	require.NotNil(t, pending.created)
	assert.Equal(t, "+22796123456", pending.created.Phone)
	assert.Equal(t, models.PaymentStatusInProgress, pending.created.Status)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), pending.created.ExpiresAt, 5*time.Second)
}

func TestPaymentServiceInitiateReusesActiveAttempt(t *testing.T) {
	pending := &pendingStoreStub{active: livePending("OP-41")}
	gw := &gatewayStub{}
	students := &studentReaderStub{students: map[string]*models.Student{"stu-1": eligibleStudent()}}
	svc := newPaymentService(pending, &finalizerStub{}, &ledgerStub{}, students, gw, nil)

	attempt, err := svc.Initiate(context.Background(), validInitiateRequest())
	require.NoError(t, err)
	assert.True(t, attempt.Reused)
	assert.Equal(t, "OP-41", attempt.TransactionID)
	assert.Equal(t, 0, gw.initiateCalls, "operator must not be contacted for a reused attempt")
}

func TestPaymentServiceInitiateNotEligible(t *testing.T) {
	student := eligibleStudent()
	student.CanEnroll = false
	students := &studentReaderStub{students: map[string]*models.Student{"stu-1": student}}
	svc := newPaymentService(&pendingStoreStub{}, &finalizerStub{}, &ledgerStub{}, students, &gatewayStub{}, nil)

	_, err := svc.Initiate(context.Background(), validInitiateRequest())
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotEligible.Code, appErr.Code)
}

func TestPaymentServiceInitiateAlreadyEnrolled(t *testing.T) {
	students := &studentReaderStub{students: map[string]*models.Student{"stu-1": eligibleStudent()}}
	enrollments := &finalizerStub{existing: &models.Enrollment{ID: "enr-1"}}
	svc := newPaymentService(&pendingStoreStub{}, enrollments, &ledgerStub{}, students, &gatewayStub{}, nil)

	_, err := svc.Initiate(context.Background(), validInitiateRequest())
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrDuplicateEnrollment.Code, appErr.Code)
}

func TestPaymentServiceInitiateUnknownStudent(t *testing.T) {
	svc := newPaymentService(&pendingStoreStub{}, &finalizerStub{}, &ledgerStub{}, &studentReaderStub{}, &gatewayStub{}, nil)

	_, err := svc.Initiate(context.Background(), validInitiateRequest())
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestPaymentServiceInitiateInvalidPhone(t *testing.T) {
	students := &studentReaderStub{students: map[string]*models.Student{"stu-1": eligibleStudent()}}
	svc := newPaymentService(&pendingStoreStub{}, &finalizerStub{}, &ledgerStub{}, students, &gatewayStub{}, nil)

	req := validInitiateRequest()
	req.Phone = "12"
	_, err := svc.Initiate(context.Background(), req)
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestPaymentServiceInitiateLostCreateRace(t *testing.T) {
	// Create hits the partial unique index: a concurrent initiate won. The
	// winner's attempt is surfaced as reused.
	winner := livePending("OP-first")
	pending := &pendingStoreStub{
		createErr: appErrors.Clone(appErrors.ErrPaymentInProgress, ""),
	}
	gw := &gatewayStub{initiateResult: &gateway.InitiateResult{TransactionID: "OP-second", Status: "PROCESSING"}}
	students := &studentReaderStub{students: map[string]*models.Student{"stu-1": eligibleStudent()}}
	svc := newPaymentService(pending, &finalizerStub{}, &ledgerStub{}, students, gw, nil)

	pending.active = winner
	attempt, err := svc.Initiate(context.Background(), validInitiateRequest())
	require.NoError(t, err)
	assert.True(t, attempt.Reused)
	assert.Equal(t, "OP-first", attempt.TransactionID)
}

func TestPaymentServiceCheckStatusSuccessFinalizes(t *testing.T) {
	pending := &pendingStoreStub{byTxn: map[string]*models.PendingPayment{"OP-42": livePending("OP-42")}}
	enrollment := &models.Enrollment{ID: "enr-1", StudentID: "stu-1", AcademicYear: "2026-2027"}
	enrollments := &finalizerStub{enrollment: enrollment}
	gw := &gatewayStub{statusResult: &gateway.StatusResult{Status: "SUCCESS", Message: "payment completed"}}
	receipts := &receiptSchedulerStub{}
	svc := newPaymentService(pending, enrollments, &ledgerStub{}, &studentReaderStub{}, gw, receipts)

	outcome, err := svc.CheckStatus(context.Background(), "OP-42")
	require.NoError(t, err)
	assert.Equal(t, "reussi", outcome.Statut)
	require.NotNil(t, outcome.Enrollment)
	assert.Equal(t, "enr-1", outcome.Enrollment.ID)
	assert.Equal(t, 1, enrollments.finalizeCalls)
	assert.Equal(t, []string{"OP-42"}, receipts.scheduled)
}

func TestPaymentServiceCheckStatusFailure(t *testing.T) {
	pending := &pendingStoreStub{byTxn: map[string]*models.PendingPayment{"OP-42": livePending("OP-42")}}
	gw := &gatewayStub{statusResult: &gateway.StatusResult{Status: "REJECTED", Message: "insufficient balance"}}
	enrollments := &finalizerStub{}
	svc := newPaymentService(pending, enrollments, &ledgerStub{}, &studentReaderStub{}, gw, nil)

	outcome, err := svc.CheckStatus(context.Background(), "OP-42")
	require.NoError(t, err)
	assert.Equal(t, "echoue", outcome.Statut)
	assert.Equal(t, models.PaymentStatusFailed, pending.updates["OP-42"])
	assert.Equal(t, 0, enrollments.finalizeCalls)
}

func TestPaymentServiceCheckStatusStillProcessing(t *testing.T) {
	pending := &pendingStoreStub{byTxn: map[string]*models.PendingPayment{"OP-42": livePending("OP-42")}}
	gw := &gatewayStub{statusResult: &gateway.StatusResult{Status: "PROCESSING"}}
	svc := newPaymentService(pending, &finalizerStub{}, &ledgerStub{}, &studentReaderStub{}, gw, nil)

	outcome, err := svc.CheckStatus(context.Background(), "OP-42")
	require.NoError(t, err)
	assert.Equal(t, "en-cours", outcome.Statut)
	assert.Equal(t, models.PaymentStatusInProgress, pending.updates["OP-42"])
}

func TestPaymentServiceCheckStatusExpiresStaleAttempt(t *testing.T) {
	stale := livePending("OP-42")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	pending := &pendingStoreStub{byTxn: map[string]*models.PendingPayment{"OP-42": stale}}
	gw := &gatewayStub{}
	svc := newPaymentService(pending, &finalizerStub{}, &ledgerStub{}, &studentReaderStub{}, gw, nil)

	outcome, err := svc.CheckStatus(context.Background(), "OP-42")
	require.NoError(t, err)
	assert.Equal(t, "expire", outcome.Statut)
	assert.Equal(t, []string{"OP-42"}, pending.expired)
	assert.Equal(t, 0, gw.statusCalls, "expired attempts must not reach the operator")
}

func TestPaymentServiceCheckStatusAfterFinalizationReadsLedger(t *testing.T) {
	enrollmentID := "enr-1"
	ledger := &ledgerStub{byTxn: map[string]*models.PaymentTransaction{
		"OP-42": {
			TransactionID:   "OP-42",
			EnrollmentID:    &enrollmentID,
			Status:          models.PaymentStatusSucceeded,
			OperatorMessage: "payment validated",
		},
	}}
	enrollments := &finalizerStub{byID: map[string]*models.Enrollment{
		"enr-1": {ID: "enr-1", StudentID: "stu-1"},
	}}
	svc := newPaymentService(&pendingStoreStub{}, enrollments, ledger, &studentReaderStub{}, &gatewayStub{}, nil)

	outcome, err := svc.CheckStatus(context.Background(), "OP-42")
	require.NoError(t, err)
	assert.Equal(t, "reussi", outcome.Statut)
	require.NotNil(t, outcome.Enrollment)
	assert.Equal(t, "enr-1", outcome.Enrollment.ID)
}

func TestPaymentServiceCheckStatusUnknownTransaction(t *testing.T) {
	svc := newPaymentService(&pendingStoreStub{}, &finalizerStub{}, &ledgerStub{}, &studentReaderStub{}, &gatewayStub{}, nil)

	_, err := svc.CheckStatus(context.Background(), "OP-missing")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrTransactionNotFound.Code, appErr.Code)
}

func TestPaymentServiceCheckStatusFinalizeLostRace(t *testing.T) {
	// A concurrent poll consumed the pending row between our read and the
	// finalize transaction. The outcome comes from the ledger instead.
	pending := &pendingStoreStub{byTxn: map[string]*models.PendingPayment{"OP-42": livePending("OP-42")}}
	enrollments := &finalizerStub{finalizeErr: appErrors.Clone(appErrors.ErrFinalizationFailed, "pending payment already finalized")}
	ledger := &ledgerStub{byTxn: map[string]*models.PaymentTransaction{
		"OP-42": {TransactionID: "OP-42", Status: models.PaymentStatusSucceeded},
	}}
	gw := &gatewayStub{statusResult: &gateway.StatusResult{Status: "SUCCESS"}}
	svc := newPaymentService(pending, enrollments, ledger, &studentReaderStub{}, gw, nil)

	outcome, err := svc.CheckStatus(context.Background(), "OP-42")
	require.NoError(t, err)
	assert.Equal(t, "reussi", outcome.Statut)
}

func TestPaymentServiceCheckStatusFinalizeDuplicatePreservesPending(t *testing.T) {
	pending := &pendingStoreStub{byTxn: map[string]*models.PendingPayment{"OP-42": livePending("OP-42")}}
	enrollments := &finalizerStub{finalizeErr: appErrors.Clone(appErrors.ErrDuplicateEnrollment, "")}
	gw := &gatewayStub{statusResult: &gateway.StatusResult{Status: "SUCCESS"}}
	svc := newPaymentService(pending, enrollments, &ledgerStub{}, &studentReaderStub{}, gw, nil)

	_, err := svc.CheckStatus(context.Background(), "OP-42")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrDuplicateEnrollment.Code, appErr.Code)
	assert.Empty(t, pending.updates, "pending row must stay untouched for reconciliation")
}

func TestPaymentServiceHandleCallbackResolvesPending(t *testing.T) {
	pending := &pendingStoreStub{byTxn: map[string]*models.PendingPayment{"OP-42": livePending("OP-42")}}
	enrollment := &models.Enrollment{ID: "enr-1"}
	enrollments := &finalizerStub{enrollment: enrollment}
	svc := newPaymentService(pending, enrollments, &ledgerStub{}, &studentReaderStub{}, &gatewayStub{}, nil)

	outcome, err := svc.HandleCallback(context.Background(), dto.CallbackRequest{
		TransactionID: "OP-42",
		Status:        "SUCCESS",
		Operator:      "mynita",
		Data:          map[string]interface{}{"receipt": "R-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "reussi", outcome.Statut)
	assert.Equal(t, 1, enrollments.finalizeCalls)
}

func TestPaymentServiceHandleCallbackFailure(t *testing.T) {
	pending := &pendingStoreStub{byTxn: map[string]*models.PendingPayment{"OP-42": livePending("OP-42")}}
	svc := newPaymentService(pending, &finalizerStub{}, &ledgerStub{}, &studentReaderStub{}, &gatewayStub{}, nil)

	outcome, err := svc.HandleCallback(context.Background(), dto.CallbackRequest{
		TransactionID: "OP-42",
		Status:        "FAILED",
	})
	require.NoError(t, err)
	assert.Equal(t, "echoue", outcome.Statut)
	assert.Equal(t, models.PaymentStatusFailed, pending.updates["OP-42"])
}

func TestPaymentServiceHandleCallbackReplayAfterFinalization(t *testing.T) {
	// The pending row is gone: the callback is a replay. It refreshes the
	// ledger entry and the linked enrollment, and stays idempotent.
	enrollmentID := "enr-1"
	ledger := &ledgerStub{byTxn: map[string]*models.PaymentTransaction{
		"OP-42": {TransactionID: "OP-42", EnrollmentID: &enrollmentID, Status: models.PaymentStatusSucceeded},
	}}
	enrollments := &finalizerStub{}
	svc := newPaymentService(&pendingStoreStub{}, enrollments, ledger, &studentReaderStub{}, &gatewayStub{}, nil)

	outcome, err := svc.HandleCallback(context.Background(), dto.CallbackRequest{
		TransactionID: "OP-42",
		Status:        "SUCCESS",
	})
	require.NoError(t, err)
	assert.Equal(t, "reussi", outcome.Statut)
	assert.Equal(t, []string{"OP-42"}, ledger.validated)
	assert.Equal(t, 1, enrollments.validations)
}

func TestPaymentServiceHandleCallbackUnknownTransaction(t *testing.T) {
	svc := newPaymentService(&pendingStoreStub{}, &finalizerStub{}, &ledgerStub{}, &studentReaderStub{}, &gatewayStub{}, nil)

	_, err := svc.HandleCallback(context.Background(), dto.CallbackRequest{
		TransactionID: "OP-missing",
		Status:        "SUCCESS",
	})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrTransactionNotFound.Code, appErr.Code)
}

func TestPaymentServiceHandleCallbackValidation(t *testing.T) {
	svc := newPaymentService(&pendingStoreStub{}, &finalizerStub{}, &ledgerStub{}, &studentReaderStub{}, &gatewayStub{}, nil)

	_, err := svc.HandleCallback(context.Background(), dto.CallbackRequest{})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestPaymentServiceSweep(t *testing.T) {
	pending := &pendingStoreStub{sweepCount: 5}
	svc := newPaymentService(pending, &finalizerStub{}, &ledgerStub{}, &studentReaderStub{}, &gatewayStub{}, nil)

	require.NoError(t, svc.Sweep(context.Background()))
}
