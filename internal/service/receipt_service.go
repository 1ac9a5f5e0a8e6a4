package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
	"github.com/noah-isme/uni-enroll-api/pkg/export"
	"github.com/noah-isme/uni-enroll-api/pkg/jobs"
	"github.com/noah-isme/uni-enroll-api/pkg/storage"
)

type receiptEnrollmentReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

type receiptStore interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ReceiptService renders PDF payment receipts asynchronously after a
// successful finalization and serves them through signed URLs.
type ReceiptService struct {
	enrollments receiptEnrollmentReader
	pdf         pdfRenderer
	store       receiptStore
	signer      *storage.SignedURLSigner
	queue       *jobs.Queue
	logger      *zap.Logger
}

// NewReceiptService constructs ReceiptService. Call StartWorkers before
// scheduling receipts.
func NewReceiptService(enrollments receiptEnrollmentReader, store receiptStore, signer *storage.SignedURLSigner, logger *zap.Logger, workers, retries int) *ReceiptService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ReceiptService{
		enrollments: enrollments,
		pdf:         export.NewPDFExporter(),
		store:       store,
		signer:      signer,
		logger:      logger,
	}
	s.queue = jobs.NewQueue("receipts", s.handle, jobs.QueueConfig{
		Workers:    workers,
		MaxRetries: retries,
		Logger:     logger,
	})
	return s
}

// StartWorkers begins background processing of receipt jobs.
func (s *ReceiptService) StartWorkers(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the worker pool.
func (s *ReceiptService) Stop() {
	s.queue.Stop()
}

// Schedule enqueues receipt generation for a finalized enrollment. Errors are
// logged rather than surfaced: the enrollment is already durable and a
// receipt can be regenerated on demand.
func (s *ReceiptService) Schedule(enrollment *models.Enrollment, transactionID string) {
	job := jobs.Job{
		ID:      enrollment.ID,
		Type:    "receipt",
		Payload: transactionID,
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue receipt job",
			zap.String("enrollment_id", enrollment.ID), zap.Error(err))
	}
}

// DownloadToken returns a signed token for fetching the receipt of an
// enrollment, generating the file first when it does not exist yet.
func (s *ReceiptService) DownloadToken(ctx context.Context, enrollmentID string) (string, time.Time, error) {
	relPath := receiptPath(enrollmentID)
	if file, err := s.store.Open(relPath); err != nil {
		// Generate synchronously when the async job has not run yet.
		if err := s.generate(ctx, enrollmentID, ""); err != nil {
			return "", time.Time{}, err
		}
	} else {
		_ = file.Close()
	}
	token, expiresAt, err := s.signer.Generate(enrollmentID, relPath)
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign receipt url")
	}
	return token, expiresAt, nil
}

// OpenByToken validates a signed token and opens the referenced receipt.
func (s *ReceiptService) OpenByToken(token string) (*os.File, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired receipt token")
	}
	file, err := s.store.Open(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "receipt not found")
	}
	return file, nil
}

// Remove deletes the stored receipt for an enrollment so a stale file cannot
// be served after the enrollment was cancelled. Missing files are not an error.
func (s *ReceiptService) Remove(enrollmentID string) error {
	if err := s.store.Delete(receiptPath(enrollmentID)); err != nil {
		s.logger.Warn("failed to delete receipt",
			zap.String("enrollment_id", enrollmentID), zap.Error(err))
		return err
	}
	return nil
}

// Cleanup removes receipt files older than ttl and returns the deleted paths.
// A non-positive ttl disables the sweep.
func (s *ReceiptService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	deleted, err := s.store.CleanupOlderThan(ttl)
	if err != nil {
		return nil, fmt.Errorf("cleanup receipts: %w", err)
	}
	if len(deleted) > 0 {
		s.logger.Info("expired receipts removed", zap.Int("count", len(deleted)))
	}
	return deleted, nil
}

func (s *ReceiptService) handle(ctx context.Context, job jobs.Job) error {
	transactionID, _ := job.Payload.(string)
	return s.generate(ctx, job.ID, transactionID)
}

func (s *ReceiptService) generate(ctx context.Context, enrollmentID, transactionID string) error {
	detail, err := s.enrollments.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return fmt.Errorf("load enrollment for receipt: %w", err)
	}

	rows := []map[string]string{
		{"field": "Matricule", "value": detail.StudentMatricule},
		{"field": "Student", "value": detail.StudentName},
		{"field": "Academic year", "value": detail.AcademicYear},
		{"field": "Operator", "value": detail.PaymentMode},
		{"field": "Phone", "value": detail.Phone},
		{"field": "Amount (FCFA)", "value": strconv.FormatInt(detail.Amount, 10)},
		{"field": "Enrolled at", "value": detail.EnrolledAt.Format("2006-01-02 15:04")},
	}
	if transactionID != "" {
		rows = append(rows, map[string]string{"field": "Transaction", "value": transactionID})
	}

	data, err := s.pdf.Render(export.Dataset{Headers: []string{"field", "value"}, Rows: rows}, "Enrollment receipt")
	if err != nil {
		return fmt.Errorf("render receipt: %w", err)
	}

	if _, err := s.store.Save(receiptPath(enrollmentID), data); err != nil {
		return fmt.Errorf("store receipt: %w", err)
	}

	s.logger.Info("receipt generated", zap.String("enrollment_id", enrollmentID))
	return nil
}

func receiptPath(enrollmentID string) string {
	return fmt.Sprintf("receipts/%s.pdf", enrollmentID)
}
