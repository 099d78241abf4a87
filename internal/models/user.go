package models

import "time"

// UserRole is the closed set of portal roles.
type UserRole string

const (
	RoleAdmin   UserRole = "admin"
	RoleStudent UserRole = "student"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleStudent:
		return true
	}
	return false
}

// Dashboard returns the landing path for the role, empty for unknown roles.
func (r UserRole) Dashboard() string {
	switch r {
	case RoleAdmin:
		return "/admin/dashboard"
	case RoleStudent:
		return "/student/dashboard"
	}
	return ""
}

// User represents an application user stored in the users table.
type User struct {
	ID                 string    `db:"id" json:"id"`
	Username           string    `db:"username" json:"username"`
	Email              string    `db:"email" json:"email"`
	FirstName          string    `db:"first_name" json:"first_name"`
	LastName           string    `db:"last_name" json:"last_name"`
	Role               UserRole  `db:"role" json:"role"`
	PasswordHash       string    `db:"password_hash" json:"-"`
	MustChangePassword bool      `db:"must_change_password" json:"must_change_password"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// CredentialBundle is the one-time username and temporary password handed to
// an administrator. It is never persisted.
type CredentialBundle struct {
	Username     string `json:"username"`
	TempPassword string `json:"temp_password"`
}
