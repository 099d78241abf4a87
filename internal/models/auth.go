package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest holds credentials for authenticating a user. Both JSON and
// form bodies are accepted.
type LoginRequest struct {
	Username  string `json:"username" form:"username" validate:"required,max=150"`
	Password  string `json:"password" form:"password" validate:"required,max=256"`
	IP        string `json:"-" form:"-"`
	UserAgent string `json:"-" form:"-"`
}

// LoginResponse returns the issued token. TempPassword signals that the
// account must rotate its password before anything else.
type LoginResponse struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	Role         UserRole `json:"role"`
	UserID       string   `json:"user_id"`
	TempPassword bool     `json:"temp_password,omitempty"`
	ExpiresIn    int64    `json:"expires_in"`
}

// ChangePasswordRequest payload for updating password. CurrentPassword may be
// omitted while a rotation is pending.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" form:"current_password"`
	NewPassword     string `json:"new_password" form:"new_password" validate:"required"`
}

// MeResponse describes the authenticated user and their role-specific profile.
type MeResponse struct {
	User    User            `json:"user"`
	Student *StudentProfile `json:"student,omitempty"`
}

// JWTClaims represents the JWT payload for access tokens. The registered ID
// is the session id.
type JWTClaims struct {
	Role               UserRole `json:"role"`
	Username           string   `json:"username"`
	MustChangePassword bool     `json:"must_change_password"`
	jwt.RegisteredClaims
}
