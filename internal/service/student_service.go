package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Student, error)
	ExistsByMatricule(ctx context.Context, matricule, excludeID string) (bool, error)
	Create(ctx context.Context, student *models.Student) error
	UpdateEligibility(ctx context.Context, id string, canEnroll bool, status models.StudentStatus) error
}

// CreateStudentRequest registers an admitted candidate as a student.
type CreateStudentRequest struct {
	Matricule string `json:"matricule" validate:"required"`
	FullName  string `json:"full_name" validate:"required"`
	Gender    string `json:"gender" validate:"omitempty,oneof=M F"`
	BirthDate string `json:"birth_date"`
	Address   string `json:"address"`
	Phone     string `json:"phone"`
	Email     string `json:"email" validate:"omitempty,email"`
}

// UpdateEligibilityRequest flips the enrollment gates on a student.
type UpdateEligibilityRequest struct {
	CanEnroll bool                 `json:"can_enroll"`
	Status    models.StudentStatus `json:"status" validate:"required,oneof=active inactive graduated dropped"`
}

// StudentService manages student records and eligibility.
type StudentService struct {
	repo      studentRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs StudentService.
func NewStudentService(repo studentRepository, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{repo: repo, validator: validate, logger: logger}
}

// List returns students with pagination metadata.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, *models.Pagination, error) {
	students, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return students, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one student.
func (s *StudentService) Get(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// Create registers a new student.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	exists, err := s.repo.ExistsByMatricule(ctx, req.Matricule, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check matricule")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "matricule already registered")
	}

	student := &models.Student{
		Matricule: req.Matricule,
		FullName:  req.FullName,
		Gender:    req.Gender,
		Address:   req.Address,
		Phone:     req.Phone,
		Email:     req.Email,
		CanEnroll: true,
		Status:    models.StudentStatusActive,
	}
	if req.BirthDate != "" {
		birthDate, err := parseDate(req.BirthDate)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "invalid birth date, expected YYYY-MM-DD")
		}
		student.BirthDate = birthDate
	}

	if err := s.repo.Create(ctx, student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student")
	}
	return student, nil
}

// UpdateEligibility flips the enrollment eligibility flags.
func (s *StudentService) UpdateEligibility(ctx context.Context, id string, req UpdateEligibilityRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid eligibility payload")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateEligibility(ctx, id, req.CanEnroll, req.Status); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update eligibility")
	}
	return s.Get(ctx, id)
}

func parseDate(raw string) (time.Time, error) {
	return time.Parse("2006-01-02", raw)
}
