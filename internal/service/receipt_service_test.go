package service

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
	"github.com/noah-isme/uni-enroll-api/pkg/storage"
)

type receiptEnrollmentStub struct {
	details map[string]*models.EnrollmentDetail
}

func (s *receiptEnrollmentStub) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if detail, ok := s.details[id]; ok {
		return detail, nil
	}
	return nil, sql.ErrNoRows
}

func newReceiptService(t *testing.T) (*ReceiptService, *receiptEnrollmentStub) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("receipt-secret", time.Minute)
	reader := &receiptEnrollmentStub{details: map[string]*models.EnrollmentDetail{
		"enr-1": {
			Enrollment: models.Enrollment{
				ID:           "enr-1",
				StudentID:    "stu-1",
				AcademicYear: "2026-2027",
				PaymentMode:  "mynita",
				Phone:        "+22796123456",
				Amount:       50000,
				EnrolledAt:   time.Now(),
			},
			StudentName:      "Amina Oumarou",
			StudentMatricule: "M-2026-0001",
		},
	}}
	return NewReceiptService(reader, store, signer, nil, 1, 1), reader
}

func TestReceiptServiceDownloadTokenGeneratesOnDemand(t *testing.T) {
	svc, _ := newReceiptService(t)

	token, expiresAt, err := svc.DownloadToken(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	file, err := svc.OpenByToken(token)
	require.NoError(t, err)
	defer file.Close()

	data, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.True(t, len(data) > 0)
	// PDF magic bytes.
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestReceiptServiceOpenByTokenRejectsTampered(t *testing.T) {
	svc, _ := newReceiptService(t)

	token, _, err := svc.DownloadToken(context.Background(), "enr-1")
	require.NoError(t, err)

	_, err = svc.OpenByToken(token + "x")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestReceiptServiceDownloadTokenUnknownEnrollment(t *testing.T) {
	svc, _ := newReceiptService(t)

	_, _, err := svc.DownloadToken(context.Background(), "enr-missing")
	require.Error(t, err)
}

func TestReceiptServiceRemoveDeletesStoredFile(t *testing.T) {
	svc, _ := newReceiptService(t)

	token, _, err := svc.DownloadToken(context.Background(), "enr-1")
	require.NoError(t, err)

	require.NoError(t, svc.Remove("enr-1"))

	_, err = svc.OpenByToken(token)
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)

	// Removing an already absent receipt stays silent.
	require.NoError(t, svc.Remove("enr-1"))
}

func TestReceiptServiceCleanupRemovesOldReceipts(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("receipt-secret", time.Minute)
	svc := NewReceiptService(&receiptEnrollmentStub{}, store, signer, nil, 1, 1)

	_, err = store.Save("receipts/enr-old.pdf", []byte("%PDF-old"))
	require.NoError(t, err)
	_, err = store.Save("receipts/enr-new.pdf", []byte("%PDF-new"))
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "receipts", "enr-old.pdf"), old, old))

	deleted, err := svc.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, filepath.Join("receipts", "enr-old.pdf"), deleted[0])

	file, err := store.Open("receipts/enr-new.pdf")
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

func TestReceiptServiceCleanupDisabledWithoutTTL(t *testing.T) {
	svc, _ := newReceiptService(t)

	deleted, err := svc.Cleanup(0)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}
