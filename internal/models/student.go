package models

import "time"

// StudentProfile holds the applicant details carried over on acceptance.
type StudentProfile struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Program   string    `db:"program" json:"program"`
	YearLevel *int      `db:"year_level" json:"year_level"`
	Contact   string    `db:"contact" json:"contact"`
	Address   string    `db:"address" json:"address"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
