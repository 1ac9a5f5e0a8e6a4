package models

import "time"

// StudentStatus represents the administrative lifecycle of a student.
type StudentStatus string

// Possible student statuses.
const (
	StudentStatusActive    StudentStatus = "active"
	StudentStatusInactive  StudentStatus = "inactive"
	StudentStatusGraduated StudentStatus = "graduated"
	StudentStatusDropped   StudentStatus = "dropped"
)

// Student represents an admitted candidate registered in the institution.
type Student struct {
	ID        string        `db:"id" json:"id"`
	Matricule string        `db:"matricule" json:"matricule"`
	FullName  string        `db:"full_name" json:"full_name"`
	Gender    string        `db:"gender" json:"gender"`
	BirthDate time.Time     `db:"birth_date" json:"birth_date"`
	Address   string        `db:"address" json:"address"`
	Phone     string        `db:"phone" json:"phone"`
	Email     string        `db:"email" json:"email"`
	CanEnroll bool          `db:"can_enroll" json:"can_enroll"`
	Status    StudentStatus `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// Eligible reports whether the student may start an enrollment payment.
func (s *Student) Eligible() bool {
	return s.CanEnroll && s.Status == StudentStatusActive
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search    string
	Status    StudentStatus
	CanEnroll *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// StudentDetail contains student information with enrollment context.
type StudentDetail struct {
	Student
	CurrentYear    *string    `db:"current_year" json:"current_year,omitempty"`
	LastEnrolledAt *time.Time `db:"last_enrolled_at" json:"last_enrolled_at,omitempty"`
}
