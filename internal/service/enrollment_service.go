package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
	"github.com/noah-isme/uni-enroll-api/pkg/export"
)

type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	UpdateValidation(ctx context.Context, id string, paymentStatus models.EnrollmentPaymentStatus, status models.EnrollmentStatus, validatedBy *string, validatedAt *time.Time) error
	StatsByYear(ctx context.Context, academicYear string) (*models.YearStats, error)
}

type pendingCounter interface {
	CountUnresolvedByYear(ctx context.Context, academicYear string) (int, error)
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// EnrollmentService exposes the administrative side of enrollments: listing,
// manual validation, cancellation, CSV export and per-year statistics.
type EnrollmentService struct {
	repo      enrollmentRepository
	pending   pendingCounter
	cache     statsCache
	csv       csvRenderer
	validator *validator.Validate
	logger    *zap.Logger
	cacheTTL  time.Duration
}

// NewEnrollmentService constructs EnrollmentService. cache may be nil.
func NewEnrollmentService(repo enrollmentRepository, pending pendingCounter, cache statsCache, csv csvRenderer, validate *validator.Validate, logger *zap.Logger, cacheTTL time.Duration) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &EnrollmentService{repo: repo, pending: pending, cache: cache, csv: csv, validator: validate, logger: logger, cacheTTL: cacheTTL}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// Get returns one enrollment with student context.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// Validate marks an enrollment as validated by an admin.
func (s *EnrollmentService) Validate(ctx context.Context, id, adminID string) (*models.EnrollmentDetail, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status == models.EnrollmentStatusCancelled {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment is cancelled")
	}
	now := time.Now().UTC()
	if err := s.repo.UpdateValidation(ctx, id, models.EnrollmentPaymentValidated, models.EnrollmentStatusValidated, &adminID, &now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollment")
	}
	s.invalidateStats(ctx, enrollment.AcademicYear)
	return s.Get(ctx, id)
}

// Cancel marks an enrollment as cancelled by an admin.
func (s *EnrollmentService) Cancel(ctx context.Context, id, adminID string) (*models.EnrollmentDetail, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status == models.EnrollmentStatusCancelled {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment already cancelled")
	}
	if err := s.repo.UpdateValidation(ctx, id, enrollment.PaymentStatus, models.EnrollmentStatusCancelled, &adminID, enrollment.ValidatedAt); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel enrollment")
	}
	s.logger.Info("enrollment cancelled", zap.String("enrollment_id", id), zap.String("admin_id", adminID))
	s.invalidateStats(ctx, enrollment.AcademicYear)
	return s.Get(ctx, id)
}

// ExportCSV renders all enrollments for an academic year as CSV.
func (s *EnrollmentService) ExportCSV(ctx context.Context, academicYear string) ([]byte, string, error) {
	if academicYear == "" {
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "academic year is required")
	}

	filter := models.EnrollmentFilter{AcademicYear: academicYear, PageSize: 100}
	headers := []string{"matricule", "student", "academic_year", "operator", "phone", "amount", "payment_status", "status", "enrolled_at"}
	dataset := export.Dataset{Headers: headers}

	for page := 1; ; page++ {
		filter.Page = page
		enrollments, total, err := s.repo.List(ctx, filter)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
		}
		for _, e := range enrollments {
			dataset.Rows = append(dataset.Rows, map[string]string{
				"matricule":      e.StudentMatricule,
				"student":        e.StudentName,
				"academic_year":  e.AcademicYear,
				"operator":       e.PaymentMode,
				"phone":          e.Phone,
				"amount":         strconv.FormatInt(e.Amount, 10),
				"payment_status": string(e.PaymentStatus),
				"status":         string(e.Status),
				"enrolled_at":    e.EnrolledAt.Format(time.RFC3339),
			})
		}
		if len(dataset.Rows) >= total || len(enrollments) == 0 {
			break
		}
	}

	data, err := s.csv.Render(dataset)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
	}
	filename := fmt.Sprintf("enrollments-%s.csv", academicYear)
	return data, filename, nil
}

func (s *EnrollmentService) invalidateStats(ctx context.Context, academicYear string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, "stats:enrollments:"+academicYear); err != nil {
		s.logger.Warn("failed to invalidate stats cache", zap.String("academic_year", academicYear), zap.Error(err))
	}
}

// Stats aggregates enrollment and in-flight payment counts for a year,
// cached in Redis with a short TTL.
func (s *EnrollmentService) Stats(ctx context.Context, academicYear string) (*models.YearStats, error) {
	if academicYear == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "academic year is required")
	}

	cacheKey := "stats:enrollments:" + academicYear
	if s.cache != nil {
		var cached models.YearStats
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	stats, err := s.repo.StatsByYear(ctx, academicYear)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment stats")
	}
	if s.pending != nil {
		if count, err := s.pending.CountUnresolvedByYear(ctx, academicYear); err == nil {
			stats.PendingPayments = count
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, stats, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache enrollment stats", zap.Error(err))
		}
	}
	return stats, nil
}
