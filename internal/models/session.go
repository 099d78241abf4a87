package models

import "time"

// Session is a server-side login. Only the hash of the bearer token is kept.
type Session struct {
	ID                 string    `db:"id" json:"id"`
	UserID             string    `db:"user_id" json:"user_id"`
	Username           string    `db:"username" json:"username"`
	TokenHash          string    `db:"token_hash" json:"-"`
	Role               UserRole  `db:"role" json:"role"`
	MustChangePassword bool      `db:"must_change_password" json:"must_change_password"`
	IPAddress          string    `db:"ip_address" json:"-"`
	UserAgent          string    `db:"user_agent" json:"-"`
	ExpiresAt          time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	LastSeenAt         time.Time `db:"last_seen_at" json:"last_seen_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
