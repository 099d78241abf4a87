package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/csta-portal-api/internal/models"
)

const userColumns = `id, username, email, first_name, last_name, role, password_hash, must_change_password, created_at, updated_at`

// UserRepository provides database access for portal accounts.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByUsername returns a user by username.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, username); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by username: %w", err)
	}
	return &user, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// FindStudentProfile returns the profile attached to a student account.
func (r *UserRepository) FindStudentProfile(ctx context.Context, userID string) (*models.StudentProfile, error) {
	const query = `SELECT id, user_id, program, year_level, contact, address, created_at FROM students WHERE user_id = $1 LIMIT 1`
	var profile models.StudentProfile
	if err := r.db.GetContext(ctx, &profile, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find student profile: %w", err)
	}
	return &profile, nil
}

// Create inserts an account outside of enrollment, e.g. an administrator.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (id, username, email, first_name, last_name, role, password_hash, must_change_password, created_at, updated_at)
VALUES (:id, :username, :email, :first_name, :last_name, :role, :password_hash, :must_change_password, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// SetPassword replaces the hash and rotation flag and ends every session of
// the user in one transaction. Returns sql.ErrNoRows for unknown users.
func (r *UserRepository) SetPassword(ctx context.Context, userID, passwordHash string, mustChange bool) error {
	return r.updatePassword(ctx, userID, "", passwordHash, mustChange)
}

// RotatePassword is SetPassword for a user-initiated change: it clears the
// rotation flag, and only applies while the stored hash is still oldHash.
// Otherwise it returns ErrPasswordChanged.
func (r *UserRepository) RotatePassword(ctx context.Context, userID, oldHash, newHash string) error {
	return r.updatePassword(ctx, userID, oldHash, newHash, false)
}

func (r *UserRepository) updatePassword(ctx context.Context, userID, expectHash, passwordHash string, mustChange bool) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set password: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := `UPDATE users SET password_hash = $2, must_change_password = $3, updated_at = $4 WHERE id = $1`
	args := []interface{}{userID, passwordHash, mustChange, time.Now().UTC()}
	if expectHash != "" {
		update += ` AND password_hash = $5`
		args = append(args, expectHash)
	}
	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password rows: %w", err)
	}
	if affected == 0 {
		if expectHash != "" {
			return ErrPasswordChanged
		}
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set password: %w", err)
	}
	return nil
}

// CreateAuditLog stores an audit log entry.
func (r *UserRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	return insertAuditLog(ctx, r.db, log)
}

func insertAuditLog(ctx context.Context, db sqlx.ExtContext, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, user_id, action, resource, resource_id, new_values, ip_address, user_agent, created_at) VALUES (:id, :user_id, :action, :resource, :resource_id, :new_values, :ip_address, :user_agent, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, db, query, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a missing-row error from this package.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
