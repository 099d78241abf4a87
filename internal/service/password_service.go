package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/repository"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

type passwordUserRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	SetPassword(ctx context.Context, userID, passwordHash string, mustChange bool) error
	RotatePassword(ctx context.Context, userID, oldHash, newHash string) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// PasswordConfig tunes password rotation.
type PasswordConfig struct {
	MinLength          int
	TempPasswordLength int
	BcryptCost         int
}

// PasswordService handles forced rotation and administrator resets. Every
// successful change ends all sessions of the account.
type PasswordService struct {
	users   passwordUserRepository
	logger  *zap.Logger
	metrics *MetricsService
	config  PasswordConfig
}

// NewPasswordService constructs the service.
func NewPasswordService(users passwordUserRepository, logger *zap.Logger, metrics *MetricsService, config PasswordConfig) *PasswordService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MinLength < MinPasswordLength {
		config.MinLength = MinPasswordLength
	}
	if config.TempPasswordLength < config.MinLength {
		config.TempPasswordLength = 20
	}
	return &PasswordService{users: users, logger: logger, metrics: metrics, config: config}
}

// ChangePassword rotates the session owner's password. The current password
// is only checked when no rotation is pending.
func (s *PasswordService) ChangePassword(ctx context.Context, session *models.Session, req models.ChangePasswordRequest, meta ClientMeta) error {
	if session == nil {
		return appErrors.ErrUnauthorized
	}
	if err := CheckPasswordPolicy(req.NewPassword, s.config.MinLength); err != nil {
		return err
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrUnauthorized, "account no longer exists")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if !user.MustChangePassword {
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
			return appErrors.Clone(appErrors.ErrInvalidCredentials, "current password is incorrect")
		}
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.NewPassword)) == nil {
		return appErrors.Clone(appErrors.ErrPolicyViolation, "new password must differ from the current one")
	}

	hash, err := hashPassword(req.NewPassword, s.config.BcryptCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	if err := s.users.RotatePassword(ctx, user.ID, user.PasswordHash, hash); err != nil {
		if errors.Is(err, repository.ErrPasswordChanged) {
			return appErrors.Clone(appErrors.ErrInvalidState, "password was reset meanwhile; log in again")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	s.audit(ctx, user.ID, user.ID, models.AuditActionPasswordChange, meta)
	s.metrics.RecordPasswordChange("change")
	return nil
}

// ResetPassword issues a new temporary password for userID on behalf of an
// administrator and forces rotation at next login.
func (s *PasswordService) ResetPassword(ctx context.Context, actorID, userID string, meta ClientMeta) (*models.CredentialBundle, error) {
	tempPassword, err := GenerateTempPassword(s.config.TempPasswordLength)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate temporary password")
	}
	user, err := s.setPassword(ctx, userID, tempPassword, true)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actorID, user.ID, models.AuditActionPasswordReset, meta)
	s.metrics.RecordPasswordChange("reset")
	return &models.CredentialBundle{Username: user.Username, TempPassword: tempPassword}, nil
}

// SetPassword stores an operator-chosen password. temporary keeps the
// account in forced rotation.
func (s *PasswordService) SetPassword(ctx context.Context, userID, password string, temporary bool) error {
	if err := CheckPasswordPolicy(password, s.config.MinLength); err != nil {
		return err
	}
	user, err := s.setPassword(ctx, userID, password, temporary)
	if err != nil {
		return err
	}
	s.audit(ctx, "", user.ID, models.AuditActionPasswordReset, ClientMeta{UserAgent: "portalctl"})
	return nil
}

func (s *PasswordService) setPassword(ctx context.Context, userID, password string, mustChange bool) (*models.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	hash, err := hashPassword(password, s.config.BcryptCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	if err := s.users.SetPassword(ctx, user.ID, hash, mustChange); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}
	return user, nil
}

func (s *PasswordService) audit(ctx context.Context, actorID, userID, action string, meta ClientMeta) {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     actor,
		Action:     action,
		Resource:   models.AuditResourceUser,
		ResourceID: &userID,
		NewValues:  []byte(fmt.Sprintf(`{"sessions":"revoked","action":%q}`, action)),
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}
