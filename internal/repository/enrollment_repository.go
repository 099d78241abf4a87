package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/csta-portal-api/internal/models"
)

const enrollColumns = `id, status, first_name, last_name, email, program, year_level, contact, address, remarks, created_at, decided_at, decided_by, account_id`

// AccountWriter creates accounts inside an in-flight decision transaction.
type AccountWriter interface {
	// ExistingUsernames lists stored usernames equal to base or starting with it.
	ExistingUsernames(ctx context.Context, base string) ([]string, error)
	// InsertUser returns ErrUsernameTaken when the unique index rejects the
	// row; the transaction stays usable.
	InsertUser(ctx context.Context, user *models.User) error
	InsertStudent(ctx context.Context, profile *models.StudentProfile) error
}

// ProvisionFunc runs inside the decision transaction and returns the id of
// the account it created.
type ProvisionFunc func(ctx context.Context, accounts AccountWriter, req *models.EnrollmentRequest) (string, error)

// Decision describes a terminal transition of an enroll request.
type Decision struct {
	ID        int64
	To        models.EnrollmentStatus
	DecidedBy string
	IPAddress string
	UserAgent string
}

// EnrollmentRepository handles persistence of enroll requests.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Create persists a new pending request and fills in id, status and created_at.
func (r *EnrollmentRepository) Create(ctx context.Context, req *models.EnrollmentRequest) error {
	const query = `INSERT INTO enroll_requests (status, first_name, last_name, email, program, year_level, contact, address, remarks, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
	req.Status = models.EnrollmentStatusPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	err := r.db.QueryRowxContext(ctx, query,
		req.Status, req.FirstName, req.LastName, req.Email, req.Program,
		req.YearLevel, req.Contact, req.Address, req.Remarks, req.CreatedAt,
	).Scan(&req.ID)
	if err != nil {
		return fmt.Errorf("create enroll request: %w", err)
	}
	return nil
}

// FindByID returns a request by its id.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id int64) (*models.EnrollmentRequest, error) {
	query := `SELECT ` + enrollColumns + ` FROM enroll_requests WHERE id = $1`
	var req models.EnrollmentRequest
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find enroll request: %w", err)
	}
	return &req, nil
}

// List returns requests in submission order. An empty status returns all.
func (r *EnrollmentRepository) List(ctx context.Context, status models.EnrollmentStatus) ([]models.EnrollmentRequest, error) {
	query := `SELECT ` + enrollColumns + ` FROM enroll_requests`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`

	requests := make([]models.EnrollmentRequest, 0)
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, fmt.Errorf("list enroll requests: %w", err)
	}
	return requests, nil
}

// Decide moves a pending request to its terminal status in one transaction.
// The row is locked, provision (if any) runs against the same transaction,
// and the status is compare-and-set from pending. Any failure rolls back
// everything, leaving the request pending and no account behind.
func (r *EnrollmentRepository) Decide(ctx context.Context, d Decision, provision ProvisionFunc) (*models.EnrollmentRequest, error) {
	if !d.To.Terminal() {
		return nil, fmt.Errorf("decide enroll request: invalid target status %q", d.To)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin decide: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var req models.EnrollmentRequest
	lock := `SELECT ` + enrollColumns + ` FROM enroll_requests WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &req, lock, d.ID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock enroll request: %w", err)
	}
	if req.Status != models.EnrollmentStatusPending {
		return nil, ErrStatusConflict
	}

	var accountID *string
	if provision != nil {
		id, err := provision(ctx, &txAccountWriter{tx: tx}, &req)
		if err != nil {
			return nil, err
		}
		accountID = &id
	}

	now := time.Now().UTC()
	var decidedBy *string
	if d.DecidedBy != "" {
		decidedBy = &d.DecidedBy
	}

	const update = `UPDATE enroll_requests SET status = $2, decided_at = $3, decided_by = $4, account_id = $5 WHERE id = $1 AND status = 'pending'`
	res, err := tx.ExecContext(ctx, update, d.ID, d.To, now, decidedBy, accountID)
	if err != nil {
		return nil, fmt.Errorf("update enroll request status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update enroll request rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrStatusConflict
	}

	if err := insertAuditLog(ctx, tx, decisionAudit(d, accountID)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit decide: %w", err)
	}

	req.Status = d.To
	req.DecidedAt = &now
	req.DecidedBy = decidedBy
	req.AccountID = accountID
	return &req, nil
}

func decisionAudit(d Decision, accountID *string) *models.AuditLog {
	action := models.AuditActionEnrollReject
	if d.To == models.EnrollmentStatusAccepted {
		action = models.AuditActionEnrollAccept
	}
	values := map[string]interface{}{"status": d.To}
	if accountID != nil {
		values["account_id"] = *accountID
	}
	body, _ := json.Marshal(values)

	resourceID := strconv.FormatInt(d.ID, 10)
	var userID *string
	if d.DecidedBy != "" {
		userID = &d.DecidedBy
	}
	return &models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   models.AuditResourceEnrollRequest,
		ResourceID: &resourceID,
		NewValues:  body,
		IPAddress:  d.IPAddress,
		UserAgent:  d.UserAgent,
	}
}

type txAccountWriter struct {
	tx *sqlx.Tx
}

func (w *txAccountWriter) ExistingUsernames(ctx context.Context, base string) ([]string, error) {
	const query = `SELECT username FROM users WHERE username = $1 OR username LIKE $2 ESCAPE '\'`
	names := make([]string, 0)
	if err := w.tx.SelectContext(ctx, &names, query, base, escapeLike(base)+"%"); err != nil {
		return nil, fmt.Errorf("list usernames: %w", err)
	}
	return names, nil
}

func (w *txAccountWriter) InsertUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	if _, err := w.tx.ExecContext(ctx, `SAVEPOINT reserve_username`); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}

	const query = `INSERT INTO users (id, username, email, first_name, last_name, role, password_hash, must_change_password, created_at, updated_at)
VALUES (:id, :username, :email, :first_name, :last_name, :role, :password_hash, :must_change_password, :created_at, :updated_at)`
	if _, err := w.tx.NamedExecContext(ctx, query, user); err != nil {
		if isUniqueViolation(err) {
			if _, rbErr := w.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT reserve_username`); rbErr != nil {
				return errors.Join(fmt.Errorf("rollback savepoint: %w", rbErr), err)
			}
			return ErrUsernameTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if _, err := w.tx.ExecContext(ctx, `RELEASE SAVEPOINT reserve_username`); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (w *txAccountWriter) InsertStudent(ctx context.Context, profile *models.StudentProfile) error {
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO students (id, user_id, program, year_level, contact, address, created_at)
VALUES (:id, :user_id, :program, :year_level, :contact, :address, :created_at)`
	if _, err := w.tx.NamedExecContext(ctx, query, profile); err != nil {
		return fmt.Errorf("insert student profile: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
