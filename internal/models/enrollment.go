package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment request.
type EnrollmentStatus string

const (
	EnrollmentStatusPending  EnrollmentStatus = "pending"
	EnrollmentStatusAccepted EnrollmentStatus = "accepted"
	EnrollmentStatusRejected EnrollmentStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusPending, EnrollmentStatusAccepted, EnrollmentStatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentStatusAccepted || s == EnrollmentStatusRejected
}

// EnrollmentRequest is an applicant's submission awaiting an admin decision.
type EnrollmentRequest struct {
	ID        int64            `db:"id" json:"id"`
	Status    EnrollmentStatus `db:"status" json:"status"`
	FirstName string           `db:"first_name" json:"first_name"`
	LastName  string           `db:"last_name" json:"last_name"`
	Email     string           `db:"email" json:"email"`
	Program   string           `db:"program" json:"program"`
	YearLevel string           `db:"year_level" json:"year_level"`
	Contact   string           `db:"contact" json:"contact"`
	Address   string           `db:"address" json:"address"`
	Remarks   string           `db:"remarks" json:"remarks"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	DecidedAt *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	DecidedBy *string          `db:"decided_by" json:"decided_by,omitempty"`
	AccountID *string          `db:"account_id" json:"account_id,omitempty"`
}

// SubmitEnrollmentRequest is the public enroll payload.
type SubmitEnrollmentRequest struct {
	FirstName string `json:"first_name" form:"first_name" validate:"required,max=150"`
	LastName  string `json:"last_name" form:"last_name" validate:"required,max=150"`
	Email     string `json:"email" form:"email" validate:"required,email,max=254"`
	Program   string `json:"program" form:"program" validate:"max=150"`
	YearLevel string `json:"year_level" form:"year_level" validate:"max=20"`
	Contact   string `json:"contact" form:"contact" validate:"max=64"`
	Address   string `json:"address" form:"address" validate:"max=500"`
	Remarks   string `json:"remarks" form:"remarks" validate:"max=2000"`
}

// SubmitEnrollmentResponse acknowledges a submission.
type SubmitEnrollmentResponse struct {
	Status    EnrollmentStatus `json:"status"`
	ID        int64            `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
}

// Applicant is the data provisioning needs from an accepted request.
type Applicant struct {
	FirstName string
	LastName  string
	Email     string
	Program   string
	YearLevel string
	Contact   string
	Address   string
}

// Applicant extracts provisioning input from the stored request.
func (r *EnrollmentRequest) Applicant() Applicant {
	return Applicant{
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Program:   r.Program,
		YearLevel: r.YearLevel,
		Contact:   r.Contact,
		Address:   r.Address,
	}
}
